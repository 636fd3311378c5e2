package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// Record is a server-side session. Only the hash of the reference handed to
// the client is stored.
type Record struct {
	TokenHash string    `db:"token_hash"`
	UserID    int64     `db:"user_id"`
	Email     string    `db:"email"`
	Role      string    `db:"role"`
	IPAddress string    `db:"ip_address"`
	UserAgent string    `db:"user_agent"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Repository persists sessions. Get returns (nil, nil) on a miss.
type Repository interface {
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, tokenHash string) (*Record, error)
	Delete(ctx context.Context, tokenHash string) error
	DeleteByUser(ctx context.Context, userID int64) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SessionRepo stores sessions in the sessions table.
type SessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

var _ Repository = (*SessionRepo)(nil)

func (r *SessionRepo) Save(ctx context.Context, rec Record) error {
	const q = `INSERT INTO sessions (token_hash, user_id, email, role, ip_address, user_agent, created_at, expires_at)
		VALUES (:token_hash, :user_id, :email, :role, :ip_address, :user_agent, :created_at, :expires_at)`
	_, err := r.db.NamedExecContext(ctx, q, rec)
	return err
}

func (r *SessionRepo) Get(ctx context.Context, tokenHash string) (*Record, error) {
	const q = `SELECT token_hash, user_id, email, role, ip_address, user_agent, created_at, expires_at
		FROM sessions WHERE token_hash = $1`
	var rec Record
	if err := r.db.GetContext(ctx, &rec, q, tokenHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *SessionRepo) Delete(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	return err
}

func (r *SessionRepo) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
