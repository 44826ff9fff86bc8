package repatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/repatch/internal/maputil"
)

// Member lookup and invocation errors.
var (
	ErrUnknownMember = errors.New("unknown member")
	ErrNotCallable   = errors.New("member is not callable")
)

// Method is an invokable class member. Instances resolve methods through
// their class object at call time, so a merged redefinition takes effect
// for every pre-existing instance immediately.
type Method func(self *Instance, args ...any) (any, error)

// Class is a live class object: a mutable table of named members
// (methods, attributes, nested values) that all instances dereference
// through. A redefinition never replaces a Class; it overwrites members
// on the existing object in place.
type Class struct {
	identity Identity
	parent   *Class

	mu      sync.RWMutex
	members map[string]any
}

func newClass(id Identity, parent *Class, members map[string]any) *Class {
	c := &Class{
		identity: id,
		parent:   parent,
		members:  make(map[string]any, len(members)),
	}

	for k, v := range members {
		c.members[k] = v
	}

	return c
}

// Identity returns the class identity.
func (c *Class) Identity() Identity { return c.identity }

// Parent returns the parent class used for member-lookup fallback, or
// nil for the foundational base class.
func (c *Class) Parent() *Class { return c.parent }

// Member looks up a member by name, falling back to the parent chain.
func (c *Class) Member(name string) (any, bool) {
	c.mu.RLock()
	v, ok := c.members[name]
	c.mu.RUnlock()

	if ok {
		return v, true
	}

	if c.parent != nil {
		return c.parent.Member(name)
	}

	return nil, false
}

// SetMember sets or overwrites a single member on the class.
func (c *Class) SetMember(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.members[name] = value
}

// Members returns a deep copy of the class's own member table. Inherited
// members are not included.
func (c *Class) Members() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return maputil.DeepCopyMap(c.members)
}

// merge overwrites each member from the new class body onto the existing
// table. The merge is additive only: members absent from the new body
// are left in place.
func (c *Class) merge(members map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range members {
		c.members[k] = v
	}
}

// New creates an instance of the class. The instance holds a strong
// reference to its class object for its whole lifetime.
func (c *Class) New() *Instance {
	return &Instance{
		class:  c,
		fields: make(map[string]any),
	}
}

// Instance is an object created from a live class. Method lookup always
// resolves through the class object, never through a captured copy.
type Instance struct {
	class *Class

	mu     sync.RWMutex
	fields map[string]any
}

// Class returns the class this instance was created from.
func (i *Instance) Class() *Class { return i.class }

// Field returns an instance field.
func (i *Instance) Field(name string) (any, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	v, ok := i.fields[name]

	return v, ok
}

// SetField sets an instance field.
func (i *Instance) SetField(name string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.fields[name] = value
}

// Call invokes the named method, resolved against the class member table
// at call time.
func (i *Instance) Call(name string, args ...any) (any, error) {
	member, ok := i.class.Member(name)
	if !ok {
		return nil, fmt.Errorf("calling %s.%s: %w", i.class.identity, name, ErrUnknownMember)
	}

	method, ok := member.(Method)
	if !ok {
		return nil, fmt.Errorf("calling %s.%s: %w", i.class.identity, name, ErrNotCallable)
	}

	return method(i, args...)
}

// Attr returns the named member when it is a plain value, resolving
// through the class like Call does.
func (i *Instance) Attr(name string) (any, bool) {
	return i.class.Member(name)
}
