package repo

import (
	"context"
	"errors"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

var (
	ErrNotFound       = errors.New("account not found")
	ErrDuplicateEmail = errors.New("email already registered")
)

// Repository persists accounts. Lookups return (nil, nil) on a miss.
type Repository interface {
	Create(ctx context.Context, a *entity.Account) error
	GetByEmail(ctx context.Context, email string) (*entity.Account, error)
	GetByID(ctx context.Context, id int64) (*entity.Account, error)
	List(ctx context.Context) ([]*entity.Account, error)
	// Update loads the account, lets mutate change it and stores the result
	// atomically. A mutate error aborts the update.
	Update(ctx context.Context, id int64, mutate func(*entity.Account) error) (*entity.Account, error)
	// IncrementFailedLogin bumps the counter and locks once it reaches
	// threshold, in one atomic step.
	IncrementFailedLogin(ctx context.Context, id int64, threshold int, at time.Time) (entity.FailedLogin, error)
	ResetFailedLogins(ctx context.Context, id int64, at time.Time) error
}
