// Package source resolves watchable source files to their canonical
// editable form and captures point-in-time snapshots (mtime plus content
// fingerprint) used for change detection.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
)

// artifactSuffixes maps compiled/cached artifact extensions to the
// authoritative editable source extension. Evaluators may hand us the
// path of a cached artifact rather than the file a developer edits;
// watching the artifact would miss the edit.
var artifactSuffixes = map[string]string{
	".pyc":  ".py",
	".pyo":  ".py",
	".elc":  ".el",
	".luac": ".lua",
}

// Canonical returns the absolute, editable-source path for path. A known
// compiled-artifact suffix is translated back to its source suffix; any
// other path is returned unchanged (absolutized).
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving source path %q: %w", path, err)
	}

	ext := filepath.Ext(abs)
	if src, ok := artifactSuffixes[ext]; ok {
		return abs[:len(abs)-len(ext)] + src, nil
	}

	return abs, nil
}

// Snapshot is a point-in-time observation of a source file.
type Snapshot struct {
	Path    string
	ModTime time.Time
	Sum     uint64
	Content []byte
}

// Take stats and reads path, returning its current snapshot. The caller
// decides how a failed stat is treated; Take does not distinguish missing
// from unreadable.
func Take(path string) (Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stating source %q: %w", path, err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading source %q: %w", path, err)
	}

	return Snapshot{
		Path:    path,
		ModTime: info.ModTime(),
		Sum:     xxhash.Sum64(content),
		Content: content,
	}, nil
}

// NewerThan reports whether s represents a real change relative to base:
// a strictly newer mtime, or identical mtime with different content. The
// fingerprint comparison catches rewrites that land within the mtime
// granularity of the filesystem.
func (s Snapshot) NewerThan(base Snapshot) bool {
	if s.ModTime.After(base.ModTime) {
		return true
	}

	return s.ModTime.Equal(base.ModTime) && s.Sum != base.Sum
}
