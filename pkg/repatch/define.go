package repatch

import (
	"fmt"
	"strings"
	"weak"
)

// The foundational base class is identified by its defining module
// ending in the subsystem's own name and the class name matching the
// marker. Routing it through registration would trash the registry
// while it is still being bootstrapped.
const (
	subsystemModule = "github.com/hupe1980/repatch"
	subsystemName   = "repatch"
	baseClassName   = "Base"
)

// ClassDef is what evaluating one class body yields: the identity, the
// defining source file, and the member table to install.
type ClassDef struct {
	// Module is the namespace qualifier of the class.
	Module string

	// Name is the class name within the module.
	Name string

	// Source is the path of the file defining the class. When set, the
	// file is registered for watching on first sighting. Purely
	// programmatic definitions may leave it empty.
	Source string

	// Parent is the member-lookup fallback. Nil means the registry's
	// foundational base class.
	Parent *Class

	// Members is the member table of the evaluated class body.
	Members map[string]any
}

// Define intercepts a class-definition event and routes it to first
// registration or to a merge into the existing live class.
//
// First sighting: the class object is constructed, its defining source
// registered for watching, and the object stored (weakly) under its
// identity. Redefinition: every member of the new body is set on the
// previously stored object, which is returned as the result of the
// definition, so identity-holding code and pre-existing instances keep
// working against the patched object. Members removed from the body do
// not disappear from the class; the merge is additive only.
func (r *Registry) Define(def ClassDef) (*Class, error) {
	if def.Module == "" || def.Name == "" {
		return nil, fmt.Errorf("defining class: module and name are required")
	}

	id := Identity{Module: def.Module, Name: def.Name}

	// Self-protection: never register or merge the subsystem's own
	// foundational base type.
	if isFoundational(id) {
		return newClass(id, def.Parent, def.Members), nil
	}

	r.mu.Lock()

	if old := r.lookupLocked(id); old != nil {
		r.mu.Unlock()
		old.merge(def.Members)

		return old, nil
	}

	r.mu.Unlock()

	// First sighting. Watch the defining source before publishing the
	// class; a subscription failure is caller-visible and aborts the
	// registration.
	if def.Source != "" {
		if err := r.RegisterSource(def.Source); err != nil {
			return nil, fmt.Errorf("defining class %s: %w", id, err)
		}
	}

	parent := def.Parent
	if parent == nil {
		parent = r.base
	}

	cls := newClass(id, parent, def.Members)

	r.mu.Lock()
	defer r.mu.Unlock()

	// A concurrent definition may have won the slot while the source
	// was being registered; the slot owner is merged into, never
	// displaced.
	if old := r.lookupLocked(id); old != nil {
		old.merge(def.Members)

		return old, nil
	}

	r.classes[id] = weak.Make(cls)

	return cls, nil
}

func isFoundational(id Identity) bool {
	return strings.HasSuffix(id.Module, subsystemName) && id.Name == baseClassName
}
