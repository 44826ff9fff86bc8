// Package manifest implements a source evaluator for YAML class
// manifests. A manifest file declares one module and its classes:
//
//	module: app.greeter
//	classes:
//	  Greeter:
//	    members:
//	      greeting: hello
//
// Evaluating a manifest routes every declared class through
// Registry.Define, which makes manifest files reloadable end to end:
// edit the file, and existing class objects are patched in place.
package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/repatch/pkg/repatch"
)

// File is the decoded form of one class-manifest file.
type File struct {
	Module  string           `yaml:"module"`
	Classes map[string]Class `yaml:"classes"`
}

// Class is one class declaration within a manifest.
type Class struct {
	Parent  *ParentRef     `yaml:"parent"`
	Members map[string]any `yaml:"members"`
}

// ParentRef names the parent class of a declaration. The referenced
// class must already be registered when the manifest is evaluated.
type ParentRef struct {
	Module string `yaml:"module"`
	Name   string `yaml:"name"`
}

// Decode parses manifest data and validates the declaration.
func Decode(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if f.Module == "" {
		return nil, fmt.Errorf("parsing manifest: missing module")
	}

	for name := range f.Classes {
		if name == "" {
			return nil, fmt.Errorf("parsing manifest: empty class name in module %q", f.Module)
		}
	}

	return &f, nil
}

// Evaluator evaluates YAML class manifests against a registry. It
// plays the role of the module namespace: the registry tracks classes
// weakly, so the evaluator keeps a strong reference to every class it
// has defined, for as long as it lives.
type Evaluator struct {
	registry *repatch.Registry

	mu      sync.Mutex
	classes map[repatch.Identity]*repatch.Class
}

// New creates an Evaluator defining classes on registry.
func New(registry *repatch.Registry) *Evaluator {
	return &Evaluator{
		registry: registry,
		classes:  make(map[repatch.Identity]*repatch.Class),
	}
}

// Class returns the evaluator's class for id, if one has been defined.
func (e *Evaluator) Class(id repatch.Identity) (*repatch.Class, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cls, ok := e.classes[id]

	return cls, ok
}

// Evaluate re-evaluates the manifest at path: every class it declares
// is (re)defined on the registry, with path as the defining source.
func (e *Evaluator) Evaluate(_ context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading manifest %q: %w", path, err)
	}

	f, err := Decode(data)
	if err != nil {
		return fmt.Errorf("evaluating %q: %w", path, err)
	}

	// Deterministic definition order within one file.
	names := make([]string, 0, len(f.Classes))
	for name := range f.Classes {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		decl := f.Classes[name]

		var parent *repatch.Class

		if decl.Parent != nil {
			id := repatch.Identity{Module: decl.Parent.Module, Name: decl.Parent.Name}

			p, ok := e.registry.Lookup(id)
			if !ok {
				return fmt.Errorf("evaluating %q: class %s.%s: unknown parent %s",
					path, f.Module, name, id)
			}

			parent = p
		}

		cls, err := e.registry.Define(repatch.ClassDef{
			Module:  f.Module,
			Name:    name,
			Source:  path,
			Parent:  parent,
			Members: decl.Members,
		})
		if err != nil {
			return err
		}

		e.mu.Lock()
		e.classes[cls.Identity()] = cls
		e.mu.Unlock()
	}

	return nil
}

// LoadDir evaluates every manifest (*.yaml, *.yml) under dir,
// recursively, in sorted path order. Hidden directories are skipped.
func (e *Evaluator) LoadDir(ctx context.Context, dir string) error {
	var paths []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}

			return nil
		}

		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning %q: %w", dir, err)
	}

	sort.Strings(paths)

	for _, path := range paths {
		if err := e.Evaluate(ctx, path); err != nil {
			return err
		}
	}

	return nil
}
