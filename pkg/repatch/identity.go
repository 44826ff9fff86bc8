package repatch

// Identity names the persistent slot a reloadable class occupies: the
// namespace (module) qualifier plus the class name. At most one live
// class object occupies a given identity at any time; redefinitions
// mutate that object instead of replacing it.
type Identity struct {
	Module string
	Name   string
}

// String returns the fully qualified class name.
func (id Identity) String() string {
	return id.Module + "." + id.Name
}
