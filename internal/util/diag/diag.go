// Package diag implements a small registry that long-lived components
// (connection managers, worker pools, statement caches) register
// themselves into, for operational introspection. Grounded on the
// call-site observed in the teacher's wiring code:
//
//	if err := diags.Register("targetStatements", ret); err != nil { ... }
package diag

import (
	"sync"

	"github.com/pkg/errors"
)

// Diagnostics is a registry of named, introspectable components.
type Diagnostics struct {
	mu      sync.Mutex
	entries map[string]any
}

// New constructs an empty Diagnostics registry.
func New() *Diagnostics {
	return &Diagnostics{entries: make(map[string]any)}
}

// Register associates name with val. It returns an error if name is
// already registered.
func (d *Diagnostics) Register(name string, val any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.entries[name]; found {
		return errors.Errorf("diagnostic %q already registered", name)
	}
	d.entries[name] = val
	return nil
}

// Unregister removes name, if present.
func (d *Diagnostics) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, name)
}

// Dump returns a snapshot of all registered entries.
func (d *Diagnostics) Dump() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]any, len(d.entries))
	for k, v := range d.entries {
		out[k] = v
	}
	return out
}
