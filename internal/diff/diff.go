// Package diff renders unified diffs of watched source text so reloads
// can report what actually changed in the file that triggered them.
package diff

import (
	"fmt"
	"io"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Options configures diff computation.
type Options struct {
	OldLabel string
	NewLabel string
	Context  int
}

// DefaultOptions returns sensible default diff options.
func DefaultOptions() Options {
	return Options{
		OldLabel: "previous",
		NewLabel: "reloaded",
		Context:  3,
	}
}

// Compute returns a unified diff between the previous and current
// contents of a source file. An empty result means no differences.
func Compute(oldSrc, newSrc []byte, opts Options) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        splitLines(string(oldSrc)),
		B:        splitLines(string(newSrc)),
		FromFile: opts.OldLabel,
		ToFile:   opts.NewLabel,
		Context:  opts.Context,
	}

	unified, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("computing diff: %w", err)
	}

	return unified, nil
}

// Write writes a unified diff to w, with optional ANSI colors.
func Write(w io.Writer, unified string, color bool) {
	if unified == "" {
		return
	}

	for _, line := range strings.Split(strings.TrimSuffix(unified, "\n"), "\n") {
		if color {
			writeColorLine(w, line)
		} else {
			_, _ = fmt.Fprintln(w, line)
		}
	}
}

// writeColorLine writes a single diff line with ANSI color codes.
func writeColorLine(w io.Writer, line string) {
	const (
		red   = "\033[31m"
		green = "\033[32m"
		cyan  = "\033[36m"
		bold  = "\033[1m"
		reset = "\033[0m"
	)

	switch {
	case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		_, _ = fmt.Fprintf(w, "%s%s%s\n", bold, line, reset)
	case strings.HasPrefix(line, "@@"):
		_, _ = fmt.Fprintf(w, "%s%s%s\n", cyan, line, reset)
	case strings.HasPrefix(line, "-"):
		_, _ = fmt.Fprintf(w, "%s%s%s\n", red, line, reset)
	case strings.HasPrefix(line, "+"):
		_, _ = fmt.Fprintf(w, "%s%s%s\n", green, line, reset)
	default:
		_, _ = fmt.Fprintln(w, line)
	}
}

// splitLines splits a string into lines for diff processing.
// Each element includes a trailing newline for difflib compatibility.
func splitLines(s string) []string {
	if s == "" {
		return []string{""}
	}

	return strings.SplitAfter(s, "\n")
}
