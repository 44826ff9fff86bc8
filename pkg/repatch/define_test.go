package repatch

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOptions returns registry options with quiet logging and a stub
// notifier so tests never touch the real OS watch facility.
func testOptions(t *testing.T) Options {
	t.Helper()

	opts := DefaultOptions()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Notifier = &stubNotifier{dirs: make(map[string]int)}

	return opts
}

type stubNotifier struct {
	dirs     map[string]int
	watchErr error
	closed   bool
}

func (s *stubNotifier) Watch(dir string) error {
	if s.watchErr != nil {
		return s.watchErr
	}

	s.dirs[dir]++

	return nil
}

func (s *stubNotifier) Close() error {
	s.closed = true

	return nil
}

func (s *stubNotifier) watchCalls() int {
	n := 0
	for _, c := range s.dirs {
		n += c
	}

	return n
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

// touch bumps the file's mtime strictly past its current one, so change
// detection does not depend on filesystem timestamp granularity.
func touch(t *testing.T, path string, content string) {
	t.Helper()

	info, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	next := info.ModTime().Add(time.Second)
	require.NoError(t, os.Chtimes(path, next, next))
}

// ---------------------------------------------------------------------------
// First sighting
// ---------------------------------------------------------------------------

func TestDefine_FirstSighting(t *testing.T) {
	opts := testOptions(t)
	notifier := opts.Notifier.(*stubNotifier)

	r := New(opts)
	defer r.Close()

	src := writeSource(t, t.TempDir(), "greeter.yaml", "module: app\n")

	cls, err := r.Define(ClassDef{
		Module:  "app.greeter",
		Name:    "Greeter",
		Source:  src,
		Members: map[string]any{"greeting": "hello"},
	})
	require.NoError(t, err)
	require.NotNil(t, cls)

	// Exactly one identity-table entry and one watched source.
	assert.Equal(t, []Identity{{Module: "app.greeter", Name: "Greeter"}}, r.Identities())
	assert.Equal(t, []string{src}, r.Sources())
	assert.Len(t, notifier.dirs, 1)

	got, ok := r.Lookup(Identity{Module: "app.greeter", Name: "Greeter"})
	require.True(t, ok)
	assert.Same(t, cls, got)
}

func TestDefine_MissingModuleOrName(t *testing.T) {
	r := New(testOptions(t))
	defer r.Close()

	_, err := r.Define(ClassDef{Name: "Greeter"})
	assert.Error(t, err)

	_, err = r.Define(ClassDef{Module: "app"})
	assert.Error(t, err)
}

func TestDefine_DefaultParentIsBase(t *testing.T) {
	r := New(testOptions(t))
	defer r.Close()

	cls, err := r.Define(ClassDef{Module: "app", Name: "Greeter"})
	require.NoError(t, err)
	assert.Same(t, r.Base(), cls.Parent())
}

func TestDefine_SubscriptionFailureIsFatalToRegistration(t *testing.T) {
	opts := testOptions(t)
	r := New(opts)
	defer r.Close()

	// A source whose file does not exist fails registration, and the
	// class never lands in the identity table.
	_, err := r.Define(ClassDef{
		Module: "app",
		Name:   "Greeter",
		Source: filepath.Join(t.TempDir(), "absent.yaml"),
	})
	require.Error(t, err)
	assert.Empty(t, r.Identities())
}

// ---------------------------------------------------------------------------
// Redefinition: merge, never replace
// ---------------------------------------------------------------------------

func TestDefine_MergeNotReplace(t *testing.T) {
	r := New(testOptions(t))
	defer r.Close()

	first, err := r.Define(ClassDef{
		Module: "app",
		Name:   "Greeter",
		Members: map[string]any{
			"greet": Method(func(*Instance, ...any) (any, error) { return "hello", nil }),
		},
	})
	require.NoError(t, err)

	inst := first.New()

	second, err := r.Define(ClassDef{
		Module: "app",
		Name:   "Greeter",
		Members: map[string]any{
			"greet":    Method(func(*Instance, ...any) (any, error) { return "howdy", nil }),
			"farewell": Method(func(*Instance, ...any) (any, error) { return "bye", nil }),
		},
	})
	require.NoError(t, err)

	// Object identity preserved across redefinition.
	assert.Same(t, first, second)

	// The pre-existing instance runs the patched method.
	got, err := inst.Call("greet")
	require.NoError(t, err)
	assert.Equal(t, "howdy", got)

	// And sees newly added members.
	got, err = inst.Call("farewell")
	require.NoError(t, err)
	assert.Equal(t, "bye", got)

	// Still one identity-table entry.
	assert.Len(t, r.Identities(), 1)
}

func TestDefine_NoDeletionPropagation(t *testing.T) {
	r := New(testOptions(t))
	defer r.Close()

	cls, err := r.Define(ClassDef{
		Module:  "app",
		Name:    "Greeter",
		Members: map[string]any{"a": "one", "b": "two"},
	})
	require.NoError(t, err)

	_, err = r.Define(ClassDef{
		Module:  "app",
		Name:    "Greeter",
		Members: map[string]any{"a": "one-patched"},
	})
	require.NoError(t, err)

	v, ok := cls.Member("a")
	require.True(t, ok)
	assert.Equal(t, "one-patched", v)

	// "b" was removed from the new body but survives the merge.
	v, ok = cls.Member("b")
	require.True(t, ok)
	assert.Equal(t, "two", v)
}

func TestDefine_RedefinitionDoesNotResubscribe(t *testing.T) {
	opts := testOptions(t)
	notifier := opts.Notifier.(*stubNotifier)

	r := New(opts)
	defer r.Close()

	src := writeSource(t, t.TempDir(), "greeter.yaml", "v1\n")

	def := ClassDef{Module: "app", Name: "Greeter", Source: src}

	_, err := r.Define(def)
	require.NoError(t, err)
	_, err = r.Define(def)
	require.NoError(t, err)

	assert.Equal(t, 1, notifier.watchCalls())
}

// ---------------------------------------------------------------------------
// Bootstrap self-exclusion
// ---------------------------------------------------------------------------

func TestDefine_BootstrapSelfExclusion(t *testing.T) {
	r := New(testOptions(t))
	defer r.Close()

	// The foundational base exists but is not in the identity table.
	require.NotNil(t, r.Base())
	assert.Empty(t, r.Identities())

	_, ok := r.Lookup(r.Base().Identity())
	assert.False(t, ok)
}

func TestDefine_FoundationalNeverMerged(t *testing.T) {
	r := New(testOptions(t))
	defer r.Close()

	// Any module ending in the subsystem name defining "Base" takes
	// the plain-construction path: two definitions give two objects.
	first, err := r.Define(ClassDef{Module: "vendor/repatch", Name: "Base"})
	require.NoError(t, err)

	second, err := r.Define(ClassDef{Module: "vendor/repatch", Name: "Base"})
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Empty(t, r.Identities())
}

func TestDefine_BaseNameInOtherModuleIsOrdinary(t *testing.T) {
	r := New(testOptions(t))
	defer r.Close()

	first, err := r.Define(ClassDef{Module: "app.models", Name: "Base"})
	require.NoError(t, err)

	second, err := r.Define(ClassDef{Module: "app.models", Name: "Base"})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, r.Identities(), 1)
}

// ---------------------------------------------------------------------------
// Weak ownership
// ---------------------------------------------------------------------------

func TestRegistry_DoesNotPinClasses(t *testing.T) {
	r := New(testOptions(t))
	defer r.Close()

	id := Identity{Module: "app.transient", Name: "Ephemeral"}

	func() {
		cls, err := r.Define(ClassDef{Module: id.Module, Name: id.Name})
		require.NoError(t, err)
		require.NotNil(t, cls)
	}()

	// With the only strong reference gone, the registry entry must
	// not keep the class alive.
	assert.Eventually(t, func() bool {
		runtime.GC()

		_, ok := r.Lookup(id)

		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRegistry_HeldClassStaysRegistered(t *testing.T) {
	r := New(testOptions(t))
	defer r.Close()

	cls, err := r.Define(ClassDef{Module: "app", Name: "Held"})
	require.NoError(t, err)

	runtime.GC()
	runtime.GC()

	got, ok := r.Lookup(Identity{Module: "app", Name: "Held"})
	require.True(t, ok)
	assert.Same(t, cls, got)

	runtime.KeepAlive(cls)
}
