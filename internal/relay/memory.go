package relay

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Channel.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory creates an empty in-memory channel.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Read(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Write(_ context.Context, key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = normalize(rec, time.Now())
	return nil
}

// Static always returns the same endpoint. It lets a directly configured
// URL go through the same readiness probe as a relayed one.
type Static struct {
	URL string
}

func (s Static) Read(context.Context, string) (Record, error) {
	if s.URL == "" {
		return Record{}, ErrNotFound
	}
	return Record{URL: s.URL, Status: StatusActive}, nil
}

func (s Static) Write(context.Context, string, Record) error {
	return nil
}
