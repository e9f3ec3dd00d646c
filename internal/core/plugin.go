package core

import (
	"sync"

	"envgraph/internal/core/invariant"
)

// ItemFactory is the per-class record a caller registers once at init time:
// the Go equivalent of the original's ENVIRONMENT_ITEM macro and
// SerializationPlugin<T> factory registration, minus the code generation.
type ItemFactory struct {
	ClassName string
	Kind      ItemKind
}

var (
	classRegistryMu sync.Mutex
	classRegistry   = map[string]ItemFactory{}
)

// RegisterItemClass records that ClassName names a concrete item of Kind.
// It is process-global, matching the original macro's link-time
// registration: item types are known once, not per-environment. Registering
// the same name with a different kind fails with FactoryConflict.
func RegisterItemClass(name string, kind ItemKind) error {
	classRegistryMu.Lock()
	defer classRegistryMu.Unlock()
	if existing, ok := classRegistry[name]; ok && existing.Kind != kind {
		return &Error{Kind: ErrFactoryConflict, Entity: "item_class", ID: name, Message: "class already registered under a different kind"}
	}
	classRegistry[name] = ItemFactory{ClassName: name, Kind: kind}
	return nil
}

// LookupItemClass returns the registered factory record for a class name.
func LookupItemClass(name string) (ItemFactory, bool) {
	classRegistryMu.Lock()
	defer classRegistryMu.Unlock()
	f, ok := classRegistry[name]
	return f, ok
}

// Plugin bundles several related item-class registrations and invariant
// checks into one installable unit, separating what a module contributes
// from the registry it contributes into.
type Plugin interface {
	Name() string
	Register(r *PluginRegistry) error
}

// PluginRegistry accumulates plugin contributions during installation.
type PluginRegistry struct {
	classes []ItemFactory
	checks  []invariant.Check
}

// NewPluginRegistry constructs an empty plugin registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{}
}

// RegisterItemClass records a class under this registry and globally.
func (r *PluginRegistry) RegisterItemClass(name string, kind ItemKind) error {
	if err := RegisterItemClass(name, kind); err != nil {
		return err
	}
	r.classes = append(r.classes, ItemFactory{ClassName: name, Kind: kind})
	return nil
}

// RegisterCheck adds an invariant check contributed by the plugin being
// installed. A nil check is ignored.
func (r *PluginRegistry) RegisterCheck(c invariant.Check) {
	if c == nil {
		return
	}
	r.checks = append(r.checks, c)
}

// Classes returns a copy of the item classes registered so far.
func (r *PluginRegistry) Classes() []ItemFactory {
	return append([]ItemFactory(nil), r.classes...)
}

// InstallPlugin registers p's contributions: its item classes become
// globally known and any invariant checks it contributes are added to this
// environment's validation engine.
func (e *Environment) InstallPlugin(p Plugin) error {
	before := len(e.registry.checks)
	if err := p.Register(e.registry); err != nil {
		return err
	}
	for _, c := range e.registry.checks[before:] {
		e.invariants.Register(c)
	}
	return nil
}

// InstalledItemClasses returns every item class registered through this
// environment's plugin registry, for introspection.
func (e *Environment) InstalledItemClasses() []ItemFactory {
	return e.registry.Classes()
}
