package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

const accountColumns = `id, email, name, company_name, role, password_hash,
	password_created_at, password_expires_at, failed_login_attempts,
	account_locked, last_failed_login, subscription_status, subscription_plan,
	billing_customer_id, billing_subscription_id, mfa_enabled, mfa_secret,
	created_at, updated_at, last_login, last_login_ip`

// AccountRepo stores accounts in Postgres using sqlx.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

var _ Repository = (*AccountRepo)(nil)

// Create inserts a new account row.
func (r *AccountRepo) Create(ctx context.Context, a *entity.Account) error {
	const q = `INSERT INTO accounts (` + accountColumns + `) VALUES (
		:id, :email, :name, :company_name, :role, :password_hash,
		:password_created_at, :password_expires_at, :failed_login_attempts,
		:account_locked, :last_failed_login, :subscription_status, :subscription_plan,
		:billing_customer_id, :billing_subscription_id, :mfa_enabled, :mfa_secret,
		:created_at, :updated_at, :last_login, :last_login_ip)`
	if _, err := r.db.NamedExecContext(ctx, q, a); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetByEmail matches the email exactly.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*entity.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email=$1`, email)
}

func (r *AccountRepo) GetByID(ctx context.Context, id int64) (*entity.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id)
}

func (r *AccountRepo) getOne(ctx context.Context, q string, arg any) (*entity.Account, error) {
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) List(ctx context.Context) ([]*entity.Account, error) {
	var rows []*entity.Account
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`); err != nil {
		return nil, err
	}
	return rows, nil
}

// Update runs mutate inside a transaction holding the row lock.
func (r *AccountRepo) Update(ctx context.Context, id int64, mutate func(*entity.Account) error) (*entity.Account, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var a entity.Account
	if err := tx.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id=$1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := mutate(&a); err != nil {
		return nil, err
	}
	const q = `UPDATE accounts SET name=:name, company_name=:company_name, role=:role,
		password_hash=:password_hash, password_created_at=:password_created_at,
		password_expires_at=:password_expires_at, failed_login_attempts=:failed_login_attempts,
		account_locked=:account_locked, last_failed_login=:last_failed_login,
		subscription_status=:subscription_status, subscription_plan=:subscription_plan,
		billing_customer_id=:billing_customer_id, billing_subscription_id=:billing_subscription_id,
		mfa_enabled=:mfa_enabled, mfa_secret=:mfa_secret, updated_at=:updated_at,
		last_login=:last_login, last_login_ip=:last_login_ip
		WHERE id=:id`
	if _, err := tx.NamedExecContext(ctx, q, &a); err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &a, nil
}

// IncrementFailedLogin increments the failure counter and applies the lock
// in a single statement, so concurrent failures are neither lost nor
// double counted.
func (r *AccountRepo) IncrementFailedLogin(ctx context.Context, id int64, threshold int, at time.Time) (entity.FailedLogin, error) {
	const q = `WITH prev AS (
			SELECT id, account_locked FROM accounts WHERE id=$1 FOR UPDATE
		)
		UPDATE accounts a SET
			failed_login_attempts = a.failed_login_attempts + 1,
			last_failed_login = $2,
			account_locked = a.account_locked OR a.failed_login_attempts + 1 >= $3,
			updated_at = $2
		FROM prev
		WHERE a.id = prev.id
		RETURNING a.failed_login_attempts, a.account_locked, prev.account_locked AS was_locked`
	var row struct {
		Attempts  int  `db:"failed_login_attempts"`
		Locked    bool `db:"account_locked"`
		WasLocked bool `db:"was_locked"`
	}
	if err := r.db.GetContext(ctx, &row, q, id, at, threshold); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.FailedLogin{}, ErrNotFound
		}
		return entity.FailedLogin{}, err
	}
	return entity.FailedLogin{
		Attempts:   row.Attempts,
		Locked:     row.Locked,
		JustLocked: row.Locked && !row.WasLocked,
	}, nil
}

// ResetFailedLogins clears the failure counter.
func (r *AccountRepo) ResetFailedLogins(ctx context.Context, id int64, at time.Time) error {
	const q = `UPDATE accounts SET failed_login_attempts=0, last_failed_login=NULL, updated_at=$2 WHERE id=$1`
	res, err := r.db.ExecContext(ctx, q, id, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
