package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/audit/entity"
)

// Repository is append-only: there is no update or delete.
type Repository interface {
	Append(ctx context.Context, e *entity.Entry) error
	// List returns entries newest first, optionally for one user.
	List(ctx context.Context, userID *int64, limit int) ([]*entity.Entry, error)
}

// AuditRepo stores entries in the audit_logs table.
type AuditRepo struct {
	db *sqlx.DB
}

func NewAuditRepo(db *sqlx.DB) *AuditRepo { return &AuditRepo{db: db} }

var _ Repository = (*AuditRepo)(nil)

func (r *AuditRepo) Append(ctx context.Context, e *entity.Entry) error {
	details := "{}"
	if len(e.Details) > 0 {
		details = string(e.Details)
	}
	const q = `INSERT INTO audit_logs (id, user_id, action, details, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)`
	if _, err := r.db.ExecContext(ctx, q, e.ID, e.UserID, e.Action, details, e.IPAddress, e.UserAgent, e.CreatedAt); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *AuditRepo) List(ctx context.Context, userID *int64, limit int) ([]*entity.Entry, error) {
	q := `SELECT id, user_id, action, details, ip_address, user_agent, created_at FROM audit_logs`
	args := []any{}
	if userID != nil {
		q += ` WHERE user_id = ?`
		args = append(args, *userID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []*entity.Entry
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	return rows, nil
}
