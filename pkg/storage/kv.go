// Copyright 2024-2026 Aiku AI

// Package storage holds the persistence backends used by the sync engine:
// a small key-value abstraction with file, Redis and in-memory
// implementations, and a SQLite table for club to group mappings.
package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNotFound is returned by KV.Get for a missing key.
var ErrNotFound = errors.New("key not found")

// ErrUnavailable is returned by a store that has been switched off.
var ErrUnavailable = errors.New("store unavailable")

// KV is a byte-oriented key-value store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// MemoryKV keeps values in process memory. Setting Fail makes every call
// return ErrUnavailable, which lets callers exercise their fallback paths.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
	Fail atomic.Bool
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	if m.Fail.Load() {
		return nil, ErrUnavailable
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	if m.Fail.Load() {
		return ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	if m.Fail.Load() {
		return ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
