package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/session/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

var ErrInvalidSession = errors.New("invalid or expired session")

// Artifacts are the two independent proofs handed out on login.
type Artifacts struct {
	SessionRef string    `json:"-"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Meta describes the client that opened the session.
type Meta struct {
	IPAddress string
	UserAgent string
}

// Manager creates, verifies and invalidates sessions and bearer tokens.
type Manager struct {
	repo   repo.Repository
	tokens *TokenIssuer
	Now    func() time.Time
}

func NewManager(r repo.Repository, tokens *TokenIssuer) *Manager {
	return &Manager{repo: r, tokens: tokens, Now: time.Now}
}

// Create stores a session for id and signs a token with the same lifetime.
func (m *Manager) Create(ctx context.Context, id Identity, ttl time.Duration, meta Meta) (*Artifacts, error) {
	token, exp, err := m.tokens.Issue(id, ttl)
	if err != nil {
		return nil, err
	}
	ref := utilities.NewKSUID() + utilities.NewKSUID()
	now := m.Now().UTC()
	rec := repo.Record{
		TokenHash: hashRef(ref),
		UserID:    id.ID,
		Email:     id.Email,
		Role:      id.Role,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		CreatedAt: now,
		ExpiresAt: exp.UTC(),
	}
	if err := m.repo.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return &Artifacts{SessionRef: ref, Token: token, ExpiresAt: exp}, nil
}

// Verify resolves a session reference. Expired sessions are deleted.
func (m *Manager) Verify(ctx context.Context, ref string) (Identity, error) {
	if ref == "" {
		return Identity{}, ErrInvalidSession
	}
	h := hashRef(ref)
	rec, err := m.repo.Get(ctx, h)
	if err != nil {
		return Identity{}, fmt.Errorf("load session: %w", err)
	}
	if rec == nil {
		return Identity{}, ErrInvalidSession
	}
	if !m.Now().Before(rec.ExpiresAt) {
		_ = m.repo.Delete(ctx, h)
		return Identity{}, ErrInvalidSession
	}
	return Identity{ID: rec.UserID, Email: rec.Email, Role: rec.Role}, nil
}

// VerifyToken checks a bearer token.
func (m *Manager) VerifyToken(token string) (Identity, error) {
	return m.tokens.Parse(token)
}

// Invalidate drops a session. Unknown references are not an error.
func (m *Manager) Invalidate(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	return m.repo.Delete(ctx, hashRef(ref))
}

// InvalidateUser drops every session of a user.
func (m *Manager) InvalidateUser(ctx context.Context, userID int64) (int64, error) {
	return m.repo.DeleteByUser(ctx, userID)
}

// Sweep deletes expired sessions.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	return m.repo.DeleteExpired(ctx, m.Now())
}

func hashRef(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])
}
