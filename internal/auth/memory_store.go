package auth

import (
	"context"
	"sync"
)

// MemoryStore keeps devices in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]Device)}
}

func (m *MemoryStore) Create(_ context.Context, d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; ok {
		return ErrDeviceExists
	}
	m.devices[d.ID] = d
	return nil
}

func (m *MemoryStore) Get(_ context.Context, deviceID string) (*Device, error) {
	m.mu.RLock()
	d, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return &d, nil
}
