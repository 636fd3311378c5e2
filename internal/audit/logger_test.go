package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/audit/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/audit/repo"
)

type failingRepo struct{ calls int }

func (f *failingRepo) Append(context.Context, *entity.Entry) error {
	f.calls++
	return errors.New("disk on fire")
}

func (f *failingRepo) List(context.Context, *int64, int) ([]*entity.Entry, error) {
	return nil, errors.New("disk on fire")
}

func newTestLogger(r repo.Repository) (*Logger, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLogger(r, zap.NewNop().Sugar())
	l.Now = func() time.Time { return now }
	return l, &now
}

func int64p(v int64) *int64 { return &v }

func TestAppendAssignsIDAndTime(t *testing.T) {
	l, now := newTestLogger(repo.NewMemory())
	e, err := l.Append(context.Background(), Event{
		UserID:    int64p(7),
		Action:    entity.ActionLoginFailed,
		Details:   map[string]any{"attempts": 2},
		IPAddress: "10.0.0.1",
	})
	require.NoError(t, err)
	assert.NotZero(t, e.ID)
	assert.Equal(t, *now, e.CreatedAt)

	var details map[string]any
	require.NoError(t, json.Unmarshal(e.Details, &details))
	assert.EqualValues(t, 2, details["attempts"])
}

func TestQueryNewestFirstFilteredAndLimited(t *testing.T) {
	l, now := newTestLogger(repo.NewMemory())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		*now = now.Add(time.Minute)
		uid := int64p(int64(1 + i%2))
		_, err := l.Append(ctx, Event{UserID: uid, Action: entity.ActionLoginSuccess, Details: map[string]any{"n": i}})
		require.NoError(t, err)
	}
	_, err := l.Append(ctx, Event{Action: entity.ActionUnauthorizedAccess})
	require.NoError(t, err)

	all, err := l.Query(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt))
	}

	mine, err := l.Query(ctx, int64p(1), 0)
	require.NoError(t, err)
	require.Len(t, mine, 3)
	for _, e := range mine {
		assert.Equal(t, int64(1), *e.UserID)
	}

	top, err := l.Query(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)
	assert.Equal(t, all[0].ID, top[0].ID)
}

func TestRecordSwallowsStoreFailures(t *testing.T) {
	fr := &failingRepo{}
	l, _ := newTestLogger(fr)

	assert.NotPanics(t, func() {
		l.Record(context.Background(), Event{Action: entity.ActionLoginFailed})
		l.Wait()
	})
	assert.Equal(t, 1, fr.calls)

	_, err := l.Append(context.Background(), Event{Action: entity.ActionLoginFailed})
	assert.Error(t, err)
}

func TestRecordSurvivesCanceledRequest(t *testing.T) {
	mem := repo.NewMemory()
	l, _ := newTestLogger(mem)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l.Record(ctx, Event{Action: entity.ActionLogout})
	l.Wait()

	got, err := l.Query(context.Background(), nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, entity.ActionLogout, got[0].Action)
}

func TestUnencodableDetailsFallBackToEmptyObject(t *testing.T) {
	l, _ := newTestLogger(repo.NewMemory())
	e, err := l.Append(context.Background(), Event{Action: entity.ActionLoginFailed, Details: map[string]any{"ch": make(chan int)}})
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(e.Details))
}
