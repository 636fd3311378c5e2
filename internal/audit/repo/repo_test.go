package repo

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/audit/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database/dbtest"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

func forEachBackend(t *testing.T, fn func(t *testing.T, r Repository)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("postgres", func(t *testing.T) {
		db := dbtest.Open(t)
		fn(t, NewAuditRepo(db))
	})
}

func entry(userID *int64, action entity.Action, at time.Time) *entity.Entry {
	return &entity.Entry{
		ID:        utilities.NextID(),
		UserID:    userID,
		Action:    action,
		Details:   json.RawMessage(`{"reason":"test"}`),
		IPAddress: "192.0.2.1",
		UserAgent: "repo-test",
		CreatedAt: at,
	}
}

func TestListNewestFirstForUser(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Repository) {
		uid, other := utilities.NextID(), utilities.NextID()
		base := time.Now().UTC().Truncate(time.Microsecond)

		require.NoError(t, r.Append(t.Context(), entry(&uid, entity.ActionLoginFailed, base)))
		require.NoError(t, r.Append(t.Context(), entry(&uid, entity.ActionAccountLocked, base.Add(time.Second))))
		require.NoError(t, r.Append(t.Context(), entry(&other, entity.ActionLoginSuccess, base.Add(2*time.Second))))
		require.NoError(t, r.Append(t.Context(), entry(&uid, entity.ActionLoginBlockedLocked, base.Add(3*time.Second))))

		got, err := r.List(t.Context(), &uid, 10)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, entity.ActionLoginBlockedLocked, got[0].Action)
		assert.Equal(t, entity.ActionAccountLocked, got[1].Action)
		assert.Equal(t, entity.ActionLoginFailed, got[2].Action)
		for _, e := range got {
			require.NotNil(t, e.UserID)
			assert.Equal(t, uid, *e.UserID)
		}
		assert.JSONEq(t, `{"reason":"test"}`, string(got[0].Details))
		assert.Equal(t, "192.0.2.1", got[0].IPAddress)

		limited, err := r.List(t.Context(), &uid, 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, entity.ActionLoginBlockedLocked, limited[0].Action)
	})
}

func TestAppendSystemEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Repository) {
		e := entry(nil, entity.ActionUnauthorizedAccess, time.Now().UTC())
		e.Details = nil
		require.NoError(t, r.Append(t.Context(), e))

		got, err := r.List(t.Context(), nil, 50)
		require.NoError(t, err)
		var found *entity.Entry
		for _, g := range got {
			if g.ID == e.ID {
				found = g
			}
		}
		require.NotNil(t, found)
		assert.Nil(t, found.UserID)
	})
}
