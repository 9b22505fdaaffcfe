// Package poll watches monitored mailboxes and notifies subscribers of new mail.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"tempmail-notifier/mailtm"
	"tempmail-notifier/pkg/mailbox"
	"tempmail-notifier/state"
	"tempmail-notifier/stats"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultInterval       = 30 * time.Second
	DefaultConcurrency    = 8
	DefaultRequestTimeout = 10 * time.Second
)

// ErrBusy is returned by Tick when another pass is already running.
var ErrBusy = errors.New("poll pass already in progress")

// MailClient lists the messages of a mailbox.
type MailClient interface {
	Messages(ctx context.Context, cred mailbox.Credential) (*mailbox.Snapshot, error)
}

// Notifier delivers new-mail events to a subscriber. It returns the ID the
// event was delivered under so pass logs can be matched with delivery logs.
type Notifier interface {
	OnNewMessages(ctx context.Context, sub mailbox.SubscriberID, msgs []mailbox.Message) (eventID string, err error)
}

// Config tunes the poll loop.
type Config struct {
	Interval       time.Duration
	RequestTimeout time.Duration // per Messages call
	Concurrency    int           // mailboxes checked in parallel within one pass
}

// Result summarizes one pass.
type Result struct {
	Checked  int `json:"checked"`
	Failed   int `json:"failed"`
	Notified int `json:"notified"`
	Messages int `json:"new_messages"`
	Pruned   int `json:"pruned"`
}

// Monitor is the background poll loop. It is Idle between passes and
// Scanning during one; passes never overlap.
type Monitor struct {
	client   MailClient
	registry *state.Registry
	seen     *state.LastSeen
	notifier Notifier
	recorder stats.Recorder
	logger   *slog.Logger
	cfg      Config

	scanning atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a poll monitor.
func New(client MailClient, registry *state.Registry, seen *state.LastSeen, notifier Notifier, recorder stats.Recorder, logger *slog.Logger, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Monitor{
		client:   client,
		registry: registry,
		seen:     seen,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
	}
}

// Scanning reports whether a pass is in progress.
func (m *Monitor) Scanning() bool {
	return m.scanning.Load()
}

// Start runs the loop in the background until Stop is called or ctx is cancelled.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Run(ctx)
	}()
}

// Stop cancels the loop and waits for the in-flight pass to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// Run polls every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Mailbox monitor started", "interval", m.cfg.Interval.String(), "concurrency", m.cfg.Concurrency)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Mailbox monitor stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			if _, err := m.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("Poll pass skipped", "error", err)
			}
		}
	}
}

// Tick runs one pass over every monitored credential. Per-mailbox failures
// never abort the pass; credentials the provider rejected are removed after it.
func (m *Monitor) Tick(ctx context.Context) (Result, error) {
	if !m.scanning.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer m.scanning.Store(false)

	start := time.Now()
	entries := m.registry.Snapshot()

	var (
		mu      sync.Mutex
		res     Result
		invalid []mailbox.Credential
	)

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out := m.check(ctx, e)

			mu.Lock()
			defer mu.Unlock()
			switch out.status {
			case statusOK:
				res.Checked++
				if out.notified {
					res.Notified++
					res.Messages += out.count
				}
			case statusInvalid:
				invalid = append(invalid, e.Credential)
			case statusFailed:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait() // workers never fail

	for _, cred := range invalid {
		m.registry.Remove(cred)
		m.logger.Info("Removed invalid credential from monitoring", "credential", cred.Masked())
	}
	res.Pruned = len(invalid)

	m.logger.Info("Poll pass completed",
		"entries", len(entries),
		"checked", res.Checked,
		"failed", res.Failed,
		"notified", res.Notified,
		"new_messages", res.Messages,
		"pruned", res.Pruned,
		"duration_ms", time.Since(start).Milliseconds())

	return res, ctx.Err()
}

type status int

const (
	statusOK status = iota
	statusInvalid
	statusFailed
)

type outcome struct {
	status   status
	notified bool
	count    int
}

func (m *Monitor) check(ctx context.Context, e state.Entry) outcome {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	current, err := m.client.Messages(reqCtx, e.Credential)
	cancel()

	if err != nil {
		if mailtm.IsInvalidCredential(err) {
			m.logger.Info("Credential rejected by provider",
				"credential", e.Credential.Masked(),
				"subscriber", e.Subscriber,
				"error", err)
			return outcome{status: statusInvalid}
		}
		m.logger.Warn("Mailbox check failed",
			"credential", e.Credential.Masked(),
			"subscriber", e.Subscriber,
			"error", err)
		return outcome{status: statusFailed}
	}
	if current == nil {
		current = &mailbox.Snapshot{}
	}

	previous := m.seen.Swap(e.Subscriber, current)
	fresh := Diff(previous, current)
	if previous == nil {
		m.logger.Debug("Baseline recorded",
			"subscriber", e.Subscriber,
			"messages", len(current.Messages))
	}
	if len(fresh) == 0 {
		return outcome{status: statusOK}
	}

	m.logger.Info("New messages detected",
		"subscriber", e.Subscriber,
		"credential", e.Credential.Masked(),
		"count", len(fresh))

	eventID, err := m.notifier.OnNewMessages(ctx, e.Subscriber, fresh)
	if err != nil {
		m.logger.Warn("Failed to deliver new-mail notification",
			"event_id", eventID,
			"subscriber", e.Subscriber,
			"count", len(fresh),
			"error", err)
		return outcome{status: statusOK}
	}
	m.logger.Debug("Subscriber notified",
		"event_id", eventID,
		"subscriber", e.Subscriber,
		"count", len(fresh))
	m.recorder.Add(ctx, stats.NewMailNotifications, int64(len(fresh)))
	return outcome{status: statusOK, notified: true, count: len(fresh)}
}

// Diff returns the messages of current whose IDs are absent from previous,
// in current's order. A nil previous means the mailbox was never observed,
// so nothing is new.
func Diff(previous, current *mailbox.Snapshot) []mailbox.Message {
	if previous == nil || current == nil {
		return nil
	}

	known := make(map[string]struct{}, len(previous.Messages))
	for _, msg := range previous.Messages {
		known[msg.ID] = struct{}{}
	}

	var fresh []mailbox.Message
	for _, msg := range current.Messages {
		if _, ok := known[msg.ID]; !ok {
			fresh = append(fresh, msg)
		}
	}
	return fresh
}
