package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names a security alert.
type Type string

const (
	LockedAccountLoginAttempt Type = "LOCKED_ACCOUNT_LOGIN_ATTEMPT"
	AccountLocked             Type = "ACCOUNT_LOCKED"
	UnauthorizedAccessAttempt Type = "UNAUTHORIZED_ACCESS_ATTEMPT"
)

type Alert struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// Sender is fire-and-forget: Send never blocks on delivery and never fails
// the caller.
type Sender interface {
	Send(ctx context.Context, t Type, details map[string]any)
}

// Sink delivers one alert somewhere (log, mail, pager).
type Sink interface {
	Deliver(ctx context.Context, a Alert) error
}

// DropObserver is told about alerts discarded because the queue was full.
type DropObserver interface {
	AlertDropped(t Type)
}

// Dispatcher queues alerts and delivers them on a fixed set of workers.
type Dispatcher struct {
	queue   chan Alert
	sink    Sink
	log     *zap.SugaredLogger
	timeout time.Duration
	drops   DropObserver
	now     func() time.Time

	// mu guards closed; senders hold it shared so Close never races a send.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

func WithDeliveryTimeout(d time.Duration) Option { return func(x *Dispatcher) { x.timeout = d } }

func WithDropObserver(o DropObserver) Option { return func(x *Dispatcher) { x.drops = o } }

func WithClock(now func() time.Time) Option { return func(x *Dispatcher) { x.now = now } }

// NewDispatcher starts workers goroutines reading a queue of queueSize.
func NewDispatcher(sink Sink, log *zap.SugaredLogger, queueSize, workers int, opts ...Option) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{
		queue:   make(chan Alert, queueSize),
		sink:    sink,
		log:     log,
		timeout: 10 * time.Second,
		now:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

var _ Sender = (*Dispatcher)(nil)

// Send enqueues the alert, dropping it when the queue is full. Send after
// Close is a logged no-op.
func (d *Dispatcher) Send(_ context.Context, t Type, details map[string]any) {
	a := Alert{ID: uuid.NewString(), Type: t, Details: details, CreatedAt: d.now().UTC()}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warnw("alert dispatcher closed, alert discarded", "alert_id", a.ID, "type", t)
		return
	}
	select {
	case d.queue <- a:
	default:
		d.log.Warnw("alert queue full, alert dropped", "alert_id", a.ID, "type", t)
		if d.drops != nil {
			d.drops.AlertDropped(t)
		}
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for a := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Deliver(ctx, a); err != nil {
			d.log.Errorw("alert delivery failed", "alert_id", a.ID, "type", a.Type, "err", err)
		}
		cancel()
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// LogSink writes alerts to the service log, addressed to the admin contact.
type LogSink struct {
	Log        *zap.SugaredLogger
	AdminEmail string
}

func (s LogSink) Deliver(_ context.Context, a Alert) error {
	s.Log.Warnw("security alert",
		"alert_id", a.ID,
		"type", a.Type,
		"details", a.Details,
		"notify", s.AdminEmail,
		"created_at", a.CreatedAt,
	)
	return nil
}
