package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/audit/entity"
)

// Memory keeps entries in process.
type Memory struct {
	mu      sync.RWMutex
	entries []entity.Entry
}

func NewMemory() *Memory { return &Memory{} }

var _ Repository = (*Memory)(nil)

func (m *Memory) Append(_ context.Context, e *entity.Entry) error {
	c := *e
	c.Details = append([]byte(nil), e.Details...)
	m.mu.Lock()
	m.entries = append(m.entries, c)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context, userID *int64, limit int) ([]*entity.Entry, error) {
	m.mu.RLock()
	out := make([]*entity.Entry, 0, len(m.entries))
	for i := range m.entries {
		e := m.entries[i]
		if userID != nil && (e.UserID == nil || *e.UserID != *userID) {
			continue
		}
		out = append(out, &e)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
