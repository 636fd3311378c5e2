package repo

import (
	"context"
	"sync"
	"time"
)

type Memory struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemory() *Memory { return &Memory{recs: map[string]Record{}} }

var _ Repository = (*Memory)(nil)

func (m *Memory) Save(_ context.Context, r Record) error {
	m.mu.Lock()
	m.recs[r.TokenHash] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, tokenHash string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[tokenHash]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) Delete(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	delete(m.recs, tokenHash)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteByUser(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, r := range m.recs {
		if r.UserID == userID {
			delete(m.recs, h)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, r := range m.recs {
		if !r.ExpiresAt.After(before) {
			delete(m.recs, h)
			n++
		}
	}
	return n, nil
}
