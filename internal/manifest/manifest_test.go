package manifest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/repatch/pkg/repatch"
)

func testRegistry(t *testing.T) *repatch.Registry {
	t.Helper()

	opts := repatch.DefaultOptions()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	r := repatch.New(opts)
	t.Cleanup(func() { _ = r.Close() })

	return r
}

func write(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

// ---------------------------------------------------------------------------
// Decode
// ---------------------------------------------------------------------------

func TestDecode(t *testing.T) {
	f, err := Decode([]byte(`
module: app.greeter
classes:
  Greeter:
    members:
      greeting: hello
      retries: 3
`))
	require.NoError(t, err)

	assert.Equal(t, "app.greeter", f.Module)
	require.Contains(t, f.Classes, "Greeter")
	assert.Equal(t, "hello", f.Classes["Greeter"].Members["greeting"])
	assert.Equal(t, 3, f.Classes["Greeter"].Members["retries"])
}

func TestDecode_MissingModule(t *testing.T) {
	_, err := Decode([]byte("classes:\n  Greeter: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing module")
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("module: [unterminated"))
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Evaluate
// ---------------------------------------------------------------------------

func TestEvaluate_DefinesClasses(t *testing.T) {
	r := testRegistry(t)

	path := write(t, t.TempDir(), "greeter.yaml", `
module: app.greeter
classes:
  Greeter:
    members:
      greeting: hello
  Shouter:
    members:
      greeting: HELLO
`)

	require.NoError(t, New(r).Evaluate(context.Background(), path))

	assert.Len(t, r.Identities(), 2)
	assert.Equal(t, []string{path}, r.Sources())

	cls, ok := r.Lookup(repatch.Identity{Module: "app.greeter", Name: "Greeter"})
	require.True(t, ok)

	v, _ := cls.Member("greeting")
	assert.Equal(t, "hello", v)
}

func TestEvaluate_ReloadPatchesInPlace(t *testing.T) {
	r := testRegistry(t)
	eval := New(r)

	path := write(t, t.TempDir(), "greeter.yaml", `
module: app.greeter
classes:
  Greeter:
    members:
      greeting: hello
      stale: keepme
`)

	require.NoError(t, eval.Evaluate(context.Background(), path))

	cls, ok := r.Lookup(repatch.Identity{Module: "app.greeter", Name: "Greeter"})
	require.True(t, ok)

	inst := cls.New()

	// Redefine with a changed member and a dropped one.
	require.NoError(t, os.WriteFile(path, []byte(`
module: app.greeter
classes:
  Greeter:
    members:
      greeting: howdy
`), 0o644))

	require.NoError(t, eval.Evaluate(context.Background(), path))

	// Same object, patched members, no deletion propagation.
	again, ok := r.Lookup(repatch.Identity{Module: "app.greeter", Name: "Greeter"})
	require.True(t, ok)
	assert.Same(t, cls, again)

	v, _ := inst.Attr("greeting")
	assert.Equal(t, "howdy", v)

	v, ok = inst.Attr("stale")
	require.True(t, ok)
	assert.Equal(t, "keepme", v)
}

func TestEvaluate_ParentResolution(t *testing.T) {
	r := testRegistry(t)
	eval := New(r)

	dir := t.TempDir()
	base := write(t, dir, "base.yaml", `
module: app.base
classes:
  Animal:
    members:
      legs: 4
`)
	require.NoError(t, eval.Evaluate(context.Background(), base))

	child := write(t, dir, "dog.yaml", `
module: app.pets
classes:
  Dog:
    parent:
      module: app.base
      name: Animal
    members:
      sound: woof
`)
	require.NoError(t, eval.Evaluate(context.Background(), child))

	dog, ok := r.Lookup(repatch.Identity{Module: "app.pets", Name: "Dog"})
	require.True(t, ok)

	v, ok := dog.Member("legs")
	require.True(t, ok)
	assert.Equal(t, 4, v)
}

func TestEvaluate_UnknownParent(t *testing.T) {
	r := testRegistry(t)

	path := write(t, t.TempDir(), "dog.yaml", `
module: app.pets
classes:
  Dog:
    parent:
      module: app.base
      name: Animal
`)

	err := New(r).Evaluate(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown parent")
}

func TestEvaluate_MissingFile(t *testing.T) {
	r := testRegistry(t)

	err := New(r).Evaluate(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// LoadDir
// ---------------------------------------------------------------------------

func TestLoadDir(t *testing.T) {
	r := testRegistry(t)

	dir := t.TempDir()
	write(t, dir, "a.yaml", "module: app.a\nclasses:\n  A: {}\n")
	write(t, dir, "b.yml", "module: app.b\nclasses:\n  B: {}\n")
	write(t, dir, "notes.txt", "not a manifest")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	write(t, filepath.Join(dir, "sub"), "c.yaml", "module: app.c\nclasses:\n  C: {}\n")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	write(t, filepath.Join(dir, ".git"), "d.yaml", "module: app.d\nclasses:\n  D: {}\n")

	require.NoError(t, New(r).LoadDir(context.Background(), dir))

	ids := r.Identities()
	require.Len(t, ids, 3)
	assert.Equal(t, "app.a.A", ids[0].String())
	assert.Equal(t, "app.b.B", ids[1].String())
	assert.Equal(t, "app.c.C", ids[2].String())
}

func TestLoadDir_MissingDir(t *testing.T) {
	r := testRegistry(t)

	err := New(r).LoadDir(context.Background(), filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestLoadDir_BrokenManifestAborts(t *testing.T) {
	r := testRegistry(t)

	dir := t.TempDir()
	write(t, dir, "bad.yaml", "module: [")

	err := New(r).LoadDir(context.Background(), dir)
	assert.Error(t, err)
}
