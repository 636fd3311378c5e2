package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

// Memory is an in-process Repository. Every account carries its own mutex
// so counter updates on one account don't serialize the others.
type Memory struct {
	mu      sync.RWMutex
	byID    map[int64]*memRecord
	byEmail map[string]int64
}

type memRecord struct {
	mu  sync.Mutex
	acc *entity.Account
}

func NewMemory() *Memory {
	return &Memory{byID: map[int64]*memRecord{}, byEmail: map[string]int64{}}
}

var _ Repository = (*Memory)(nil)

func (m *Memory) Create(_ context.Context, a *entity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[a.Email]; ok {
		return ErrDuplicateEmail
	}
	m.byID[a.ID] = &memRecord{acc: a.Clone()}
	m.byEmail[a.Email] = a.ID
	return nil
}

func (m *Memory) record(id int64) *memRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

func (m *Memory) GetByEmail(ctx context.Context, email string) (*entity.Account, error) {
	m.mu.RLock()
	id, ok := m.byEmail[email]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return m.GetByID(ctx, id)
}

func (m *Memory) GetByID(_ context.Context, id int64) (*entity.Account, error) {
	rec := m.record(id)
	if rec == nil {
		return nil, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.acc.Clone(), nil
}

func (m *Memory) List(_ context.Context) ([]*entity.Account, error) {
	m.mu.RLock()
	recs := make([]*memRecord, 0, len(m.byID))
	for _, rec := range m.byID {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	out := make([]*entity.Account, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.acc.Clone())
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) Update(_ context.Context, id int64, mutate func(*entity.Account) error) (*entity.Account, error) {
	rec := m.record(id)
	if rec == nil {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	next := rec.acc.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	rec.acc = next
	return next.Clone(), nil
}

func (m *Memory) IncrementFailedLogin(_ context.Context, id int64, threshold int, at time.Time) (entity.FailedLogin, error) {
	rec := m.record(id)
	if rec == nil {
		return entity.FailedLogin{}, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	a := rec.acc
	wasLocked := a.AccountLocked
	a.FailedLoginAttempts++
	a.LastFailedLogin = &at
	a.UpdatedAt = at
	if a.FailedLoginAttempts >= threshold {
		a.AccountLocked = true
	}
	return entity.FailedLogin{
		Attempts:   a.FailedLoginAttempts,
		Locked:     a.AccountLocked,
		JustLocked: a.AccountLocked && !wasLocked,
	}, nil
}

func (m *Memory) ResetFailedLogins(_ context.Context, id int64, at time.Time) error {
	rec := m.record(id)
	if rec == nil {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.acc.FailedLoginAttempts = 0
	rec.acc.LastFailedLogin = nil
	rec.acc.UpdatedAt = at
	return nil
}
