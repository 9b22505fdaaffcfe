// Package stats keeps the service-wide counters: subscribers, provisioned
// addresses, messages observed by manual checks and new-mail notifications.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"tempmail-notifier/storage"
	"time"
)

// Counter names a monotonically increasing total.
type Counter string

// Counters tracked by the service. The names double as persisted JSON keys.
const (
	Users                Counter = "total_users"
	EmailsGenerated      Counter = "total_emails_generated"
	MessagesChecked      Counter = "total_messages_checked"
	NewMailNotifications Counter = "total_new_mail_notifications"
)

const documentKey = "stats.json"

// Totals is a point-in-time view of all counters.
type Totals struct {
	Users                int64 `json:"total_users"`
	EmailsGenerated      int64 `json:"total_emails_generated"`
	MessagesChecked      int64 `json:"total_messages_checked"`
	NewMailNotifications int64 `json:"total_new_mail_notifications"`
}

// Recorder increments counters and reports totals. Add never blocks for long
// and never fails the caller; backends log their own errors.
type Recorder interface {
	Add(ctx context.Context, c Counter, n int64)
	Totals(ctx context.Context) (Totals, error)
}

// Persister stores the counters document.
type Persister interface {
	Save(ctx context.Context, key string, v any) error
	Load(ctx context.Context, key string, v any) error
}

// Memory keeps counters in atomics and persists them in the background.
type Memory struct {
	store  Persister
	logger *slog.Logger

	users         atomic.Int64
	generated     atomic.Int64
	checked       atomic.Int64
	notifications atomic.Int64
	version       atomic.Uint64

	flushMu sync.Mutex
	flushed uint64
}

// NewMemory creates in-memory counters. store may be nil to disable persistence.
func NewMemory(store Persister, logger *slog.Logger) *Memory {
	return &Memory{store: store, logger: logger}
}

func (m *Memory) counter(c Counter) *atomic.Int64 {
	switch c {
	case Users:
		return &m.users
	case EmailsGenerated:
		return &m.generated
	case MessagesChecked:
		return &m.checked
	case NewMailNotifications:
		return &m.notifications
	default:
		return nil
	}
}

// Add increments counter c by n.
func (m *Memory) Add(_ context.Context, c Counter, n int64) {
	v := m.counter(c)
	if v == nil {
		m.logger.Warn("Unknown counter", "counter", c)
		return
	}
	if n <= 0 {
		return
	}
	v.Add(n)
	m.version.Add(1)
}

// Totals returns the current values. It never blocks on persistence.
func (m *Memory) Totals(context.Context) (Totals, error) {
	return Totals{
		Users:                m.users.Load(),
		EmailsGenerated:      m.generated.Load(),
		MessagesChecked:      m.checked.Load(),
		NewMailNotifications: m.notifications.Load(),
	}, nil
}

// Restore loads previously persisted totals. A missing document is not an error.
func (m *Memory) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	var t Totals
	if err := m.store.Load(ctx, documentKey, &t); err != nil {
		if storage.IsNotFound(err) {
			m.logger.Info("No persisted stats found, starting from zero")
			return nil
		}
		return fmt.Errorf("load stats: %w", err)
	}

	m.users.Store(t.Users)
	m.generated.Store(t.EmailsGenerated)
	m.checked.Store(t.MessagesChecked)
	m.notifications.Store(t.NewMailNotifications)

	m.flushMu.Lock()
	m.flushed = m.version.Load()
	m.flushMu.Unlock()

	m.logger.Info("Stats restored",
		"total_users", t.Users,
		"total_emails_generated", t.EmailsGenerated,
		"total_messages_checked", t.MessagesChecked,
		"total_new_mail_notifications", t.NewMailNotifications)
	return nil
}

// Flush persists the counters if they changed since the last flush.
func (m *Memory) Flush(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	version := m.version.Load()
	if version == m.flushed {
		return nil
	}

	totals, _ := m.Totals(ctx)
	if err := m.store.Save(ctx, documentKey, totals); err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	m.flushed = version
	return nil
}

// Run flushes every interval until ctx is cancelled, then flushes once more.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := m.Flush(finalCtx); err != nil {
				m.logger.Error("Final stats flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := m.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("Stats flush failed", "error", err)
			}
		}
	}
}
