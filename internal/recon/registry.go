package recon

import (
	"fmt"
	"sort"
	"strings"
)

// Factory produces a contract-conforming module instance under a stable name.
// The registration table replaces any runtime introspection: every shipped
// module is listed explicitly, in a fixed order, at startup.
type Factory struct {
	Name string
	New  func() (Module, error)
}

// Descriptor is the registry's immutable view of one validated module.
type Descriptor struct {
	Name    string
	Version string
	Module  Module
}

// Registry indexes validated modules by name. It is built once at startup,
// before any worker runs, and is read-only afterward.
type Registry struct {
	modules map[string]*Descriptor
}

// Logger is the minimal logging hook Build accepts, matching slog's
// level/message/attrs call shape.
type Logger func(level, msg string, args ...any)

// Build instantiates every factory and validates it against the contract.
// A factory that fails instantiation or validation is skipped and logged;
// one broken module never prevents exposure of the rest. Name collisions
// resolve to the last factory in registration order, and are logged.
func Build(factories []Factory, logger Logger) *Registry {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	reg := &Registry{modules: make(map[string]*Descriptor, len(factories))}

	for _, f := range factories {
		mod, err := f.New()
		if err != nil {
			logger("warn", "skipping module: construction failed", "module", f.Name, "error", err.Error())
			continue
		}
		if err := validateModule(f.Name, mod); err != nil {
			logger("warn", "skipping module: contract validation failed", "module", f.Name, "error", err.Error())
			continue
		}
		if _, exists := reg.modules[mod.Name()]; exists {
			logger("warn", "duplicate module name: keeping last registered", "module", mod.Name())
		}
		reg.modules[mod.Name()] = &Descriptor{
			Name:    mod.Name(),
			Version: mod.Version(),
			Module:  mod,
		}
		logger("info", "registered module", "module", mod.Name(), "version", mod.Version())
	}

	return reg
}

// Resolve looks up a module by name.
func (r *Registry) Resolve(name string) (*Descriptor, bool) {
	d, ok := r.modules[name]
	return d, ok
}

// Names returns registered module names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.modules))
	for name := range r.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns every registered descriptor, sorted by name.
func (r *Registry) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.modules))
	for _, name := range r.Names() {
		out = append(out, r.modules[name])
	}
	return out
}

// Len returns the number of registered modules.
func (r *Registry) Len() int { return len(r.modules) }

func validateModule(factoryName string, m Module) error {
	name := strings.TrimSpace(m.Name())
	if name == "" {
		return fmt.Errorf("module reports an empty name")
	}
	if name != factoryName {
		return fmt.Errorf("module name %q does not match factory name %q", name, factoryName)
	}
	if strings.TrimSpace(m.Version()) == "" {
		return fmt.Errorf("module %q reports an empty version", name)
	}
	return nil
}
