package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/session/repo"
)

const secret = "0123456789abcdef0123456789abcdef"

var ana = Identity{ID: 42, Email: "ana@example.com", Role: "user"}

func newManager() (*Manager, *repo.Memory, *time.Time) {
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens := NewTokenIssuer(secret, "nextgate")
	tokens.Now = clock
	mem := repo.NewMemory()
	m := NewManager(mem, tokens)
	m.Now = clock
	return m, mem, &now
}

func TestTokenRoundTrip(t *testing.T) {
	m, _, now := newManager()
	token, exp, err := m.tokens.Issue(ana, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), exp)

	got, err := m.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, ana, got)

	*now = now.Add(24*time.Hour + time.Second)
	_, err = m.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsOtherKeysAndAlgs(t *testing.T) {
	m, _, _ := newManager()
	other := NewTokenIssuer("ffffffffffffffffffffffffffffffff", "nextgate")
	other.Now = m.tokens.Now
	token, _, err := other.Issue(ana, time.Hour)
	require.NoError(t, err)
	_, err = m.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{ID: 1})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.VerifyToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := NewTokenIssuer(secret, "someone-else")
	wrongIssuer.Now = m.tokens.Now
	token, _, err = wrongIssuer.Issue(ana, time.Hour)
	require.NoError(t, err)
	_, err = m.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionLifecycle(t *testing.T) {
	m, mem, now := newManager()
	ctx := context.Background()

	art, err := m.Create(ctx, ana, time.Hour, Meta{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	require.NotEmpty(t, art.SessionRef)
	require.NotEmpty(t, art.Token)

	stored, err := mem.Get(ctx, art.SessionRef)
	require.NoError(t, err)
	assert.Nil(t, stored, "reference must not be stored in clear")

	got, err := m.Verify(ctx, art.SessionRef)
	require.NoError(t, err)
	assert.Equal(t, ana, got)

	require.NoError(t, m.Invalidate(ctx, art.SessionRef))
	_, err = m.Verify(ctx, art.SessionRef)
	assert.ErrorIs(t, err, ErrInvalidSession)

	art, err = m.Create(ctx, ana, time.Hour, Meta{})
	require.NoError(t, err)
	*now = now.Add(time.Hour)
	_, err = m.Verify(ctx, art.SessionRef)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = m.Verify(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSweepAndInvalidateUser(t *testing.T) {
	m, _, now := newManager()
	ctx := context.Background()

	short, err := m.Create(ctx, ana, time.Minute, Meta{})
	require.NoError(t, err)
	long, err := m.Create(ctx, ana, time.Hour, Meta{})
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = m.Verify(ctx, short.SessionRef)
	assert.ErrorIs(t, err, ErrInvalidSession)

	n, err = m.InvalidateUser(ctx, ana.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = m.Verify(ctx, long.SessionRef)
	assert.ErrorIs(t, err, ErrInvalidSession)
}
