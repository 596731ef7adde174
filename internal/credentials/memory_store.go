package credentials

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-memory credential store intended for tests and ephemeral runs.
type MemoryStore struct {
	mutex  sync.Mutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (store *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if strings.TrimSpace(key) == "" {
		return "", false, fmt.Errorf("credential_store.get: %w", ErrEmptyKey)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, ok := store.values[key]
	return value, ok, nil
}

// Set overwrites the value stored under key.
func (store *MemoryStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("credential_store.set: %w", ErrEmptyKey)
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("credential_store.set: %w", ErrEmptyValue)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.values[key] = value
	return nil
}

// Remove deletes key; removing an absent key is not an error.
func (store *MemoryStore) Remove(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("credential_store.remove: %w", ErrEmptyKey)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.values, key)
	return nil
}
