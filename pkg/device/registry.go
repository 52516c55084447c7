package device

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps device names to devices.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Switchable
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Switchable)}
}

// Register adds d. Names must be unique.
func (r *Registry) Register(d Switchable) error {
	if d == nil {
		return fmt.Errorf("device is nil")
	}
	name := d.Name()
	if name == "" {
		return fmt.Errorf("device name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}
	r.devices[name] = d
	return nil
}

// Get returns the device registered under name.
func (r *Registry) Get(name string) (Switchable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}
	return d, nil
}

// Instrument returns the device registered under name if it can run measurements.
func (r *Registry) Instrument(name string) (Instrument, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	inst, ok := d.(Instrument)
	if !ok {
		return nil, fmt.Errorf("device %q does not support measurements", name)
	}
	return inst, nil
}

// Names returns registered device names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
