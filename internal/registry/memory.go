package registry

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Registry for development and tests. The mutex
// makes ConsumeAndRotate a real check-and-invalidate: two goroutines
// presenting the same id cannot both win.
type Memory struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record), now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Register(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *Memory) Lookup(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) ConsumeAndRotate(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	prior := *rec
	if rec.Consumed {
		return &prior, ErrAlreadyConsumed
	}
	if !m.now().Before(rec.ExpiresAt) {
		return &prior, ErrExpired
	}
	rec.Consumed = true
	return &prior, nil
}

func (m *Memory) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) RevokeAll(_ context.Context, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.records {
		if rec.Subject == subject {
			delete(m.records, id)
		}
	}
	return nil
}
