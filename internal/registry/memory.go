package registry

import (
	"context"
	"sync"
)

// Memory is an in-process Registry.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Reconcile builds the replacement map before taking the write lock and
//     swaps it in under the lock.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]string
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{devices: map[string]string{}}
}

// Snapshot implements Registry.
func (m *Memory) Snapshot(_ context.Context) ([]Device, error) {
	m.mu.RLock()
	out := make([]Device, 0, len(m.devices))
	for alias, addr := range m.devices {
		out = append(out, Device{Alias: alias, Address: addr})
	}
	m.mu.RUnlock()

	sortDevices(out)
	return out, nil
}

// Reconcile implements Registry.
func (m *Memory) Reconcile(_ context.Context, discovered []Device) ([]Device, error) {
	next := index(discovered)

	m.mu.Lock()
	prev := m.devices
	m.devices = next
	m.mu.Unlock()

	var evicted []Device
	for alias, addr := range prev {
		if _, ok := next[alias]; !ok {
			evicted = append(evicted, Device{Alias: alias, Address: addr})
		}
	}
	sortDevices(evicted)
	return evicted, nil
}

// Len returns the number of registered devices.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}
