package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/audit/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/audit/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

// DefaultQueryLimit applies when Query is called without a positive limit.
const DefaultQueryLimit = 100

// Event is what callers report; the logger turns it into an Entry.
type Event struct {
	UserID    *int64
	Action    entity.Action
	Details   map[string]any
	IPAddress string
	UserAgent string
}

// Logger writes audit entries. Write failures are logged and never
// returned to the operation that triggered them.
type Logger struct {
	repo repo.Repository
	log  *zap.SugaredLogger
	// configuration knobs
	Now     func() time.Time
	Timeout time.Duration

	wg sync.WaitGroup
}

func NewLogger(r repo.Repository, log *zap.SugaredLogger) *Logger {
	return &Logger{repo: r, log: log, Now: time.Now, Timeout: 5 * time.Second}
}

// Append assigns id and created_at and stores the entry synchronously.
func (l *Logger) Append(ctx context.Context, ev Event) (*entity.Entry, error) {
	e := &entity.Entry{
		ID:        utilities.NextID(),
		UserID:    ev.UserID,
		Action:    ev.Action,
		Details:   l.encode(ev),
		IPAddress: ev.IPAddress,
		UserAgent: ev.UserAgent,
		CreatedAt: l.Now().UTC(),
	}
	if err := l.repo.Append(ctx, e); err != nil {
		l.log.Errorw("audit append failed", "action", ev.Action, "user_id", ev.UserID, "err", err)
		return nil, err
	}
	return e, nil
}

// Record stores the entry in the background. It outlives request
// cancellation but is bounded by Timeout.
func (l *Logger) Record(ctx context.Context, ev Event) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.Timeout)
		defer cancel()
		_, _ = l.Append(ctx, ev)
	}()
}

// Wait blocks until every pending Record has finished.
func (l *Logger) Wait() { l.wg.Wait() }

// Query returns entries newest first, optionally filtered by user.
func (l *Logger) Query(ctx context.Context, userID *int64, limit int) ([]*entity.Entry, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	return l.repo.List(ctx, userID, limit)
}

func (l *Logger) encode(ev Event) json.RawMessage {
	if len(ev.Details) == 0 {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(ev.Details)
	if err != nil {
		l.log.Warnw("audit details not encodable", "action", ev.Action, "err", err)
		return json.RawMessage("{}")
	}
	return b
}
