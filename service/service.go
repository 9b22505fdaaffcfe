// Package service implements the request-path operations: provisioning
// mailboxes, manual checks, reading messages and reporting statistics.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"tempmail-notifier/mailtm"
	"tempmail-notifier/pkg/mailbox"
	"tempmail-notifier/render"
	"tempmail-notifier/state"
	"tempmail-notifier/stats"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

var (
	// ErrDomainUnavailable means the provider offered no usable domain.
	ErrDomainUnavailable = errors.New("domain unavailable")
	// ErrCredentialMintFailed means the account exists but no credential could be minted for it.
	ErrCredentialMintFailed = errors.New("credential mint failed")
	// ErrNoContent means the message has neither HTML nor text content.
	ErrNoContent = errors.New("content unavailable")
	// ErrNoSession means no credential was given and the subscriber has no active one.
	ErrNoSession = errors.New("no active session")
	// ErrInvalidInput means a caller-supplied local part or secret was rejected.
	ErrInvalidInput = errors.New("invalid input")
)

const (
	localPartLength = 8
	secretLength    = 12

	lowerAlphabet    = "abcdefghijklmnopqrstuvwxyz"
	alphanumAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// MailClient is the provider surface the service needs.
type MailClient interface {
	Domain(ctx context.Context) (string, error)
	CreateAccount(ctx context.Context, address, secret string) (*mailbox.Account, error)
	Token(ctx context.Context, address, secret string) (mailbox.Credential, error)
	Messages(ctx context.Context, cred mailbox.Credential) (*mailbox.Snapshot, error)
	Message(ctx context.Context, cred mailbox.Credential, id string) (*mailbox.Body, error)
}

// Config tunes provisioning.
type Config struct {
	PropagationDelay time.Duration // pause between account creation and first token mint
	MintDelay        time.Duration // base delay between mint attempts
	MintAttempts     uint
	RequestTimeout   time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		PropagationDelay: 2 * time.Second,
		MintDelay:        time.Second,
		MintAttempts:     3,
		RequestTimeout:   10 * time.Second,
	}
}

// Provisioned is a freshly created mailbox.
type Provisioned struct {
	Address    string             `json:"address"`
	Secret     string             `json:"secret"`
	Credential mailbox.Credential `json:"credential"`
}

// Content is a rendered message body.
type Content struct {
	From    string `json:"from"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Stats reports service-wide totals.
type Stats struct {
	stats.Totals

	Monitored int `json:"monitored_credentials"`
}

// Service holds the shared state used by request handlers.
type Service struct {
	client   MailClient
	registry *state.Registry
	seen     *state.LastSeen
	sessions *state.Sessions
	recorder stats.Recorder
	logger   *slog.Logger
	cfg      Config
}

// New creates a service. registry and seen are shared with the poll loop.
func New(client MailClient, registry *state.Registry, seen *state.LastSeen, sessions *state.Sessions, recorder stats.Recorder, logger *slog.Logger, cfg Config) *Service {
	if cfg.MintAttempts == 0 {
		cfg.MintAttempts = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Service{
		client:   client,
		registry: registry,
		seen:     seen,
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
	}
}

// Touch records that sub used the service, counting first-time subscribers.
func (s *Service) Touch(ctx context.Context, sub mailbox.SubscriberID) {
	if s.sessions.Touch(sub) {
		s.recorder.Add(ctx, stats.Users, 1)
		s.logger.Info("New subscriber", "subscriber", sub)
	}
}

// RegisterMonitoring starts background monitoring of cred on behalf of sub.
func (s *Service) RegisterMonitoring(cred mailbox.Credential, sub mailbox.SubscriberID) {
	if evicted := s.registry.Add(cred, sub); evicted != "" {
		s.logger.Info("Replaced monitored credential",
			"subscriber", sub,
			"previous", evicted.Masked(),
			"credential", cred.Masked())
		return
	}
	s.logger.Info("Monitoring credential", "subscriber", sub, "credential", cred.Masked())
}

// Provision creates a mailbox for sub and starts monitoring it. Empty
// localPart or secret are generated.
func (s *Service) Provision(ctx context.Context, sub mailbox.SubscriberID, localPart, secret string) (*Provisioned, error) {
	s.Touch(ctx, sub)

	// A supplied local part goes to the provider as is; only values that
	// cannot form a single address are refused here.
	localPart = strings.TrimSpace(localPart)
	if localPart == "" {
		localPart = randomString(lowerAlphabet, localPartLength)
	} else if strings.ContainsAny(localPart, "@ \t\r\n") {
		return nil, fmt.Errorf("%w: local part %q", ErrInvalidInput, localPart)
	}
	if secret == "" {
		secret = randomString(alphanumAlphabet, secretLength)
	} else if strings.ContainsAny(secret, " \t\r\n") {
		return nil, fmt.Errorf("%w: secret contains whitespace", ErrInvalidInput)
	}

	domain, err := s.domain(ctx)
	if err != nil {
		return nil, err
	}
	address := localPart + "@" + domain

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	_, err = s.client.CreateAccount(reqCtx, address, secret)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", address, err)
	}
	s.logger.Info("Mailbox account created", "subscriber", sub, "address", address)

	if err := sleep(ctx, s.cfg.PropagationDelay); err != nil {
		return nil, err
	}

	cred, err := s.mint(ctx, address, secret)
	if err != nil {
		return nil, err
	}

	s.RegisterMonitoring(cred, sub)
	s.sessions.SetActive(sub, cred)
	s.recorder.Add(ctx, stats.EmailsGenerated, 1)

	return &Provisioned{Address: address, Secret: secret, Credential: cred}, nil
}

func (s *Service) domain(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	domain, err := s.client.Domain(reqCtx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDomainUnavailable, err)
	}
	return domain, nil
}

// mint fetches a credential, retrying only while the provider reports an
// authentication failure for the new account.
func (s *Service) mint(ctx context.Context, address, secret string) (mailbox.Credential, error) {
	var cred mailbox.Credential
	err := retry.Do(
		func() error {
			reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
			c, err := s.client.Token(reqCtx, address, secret)
			if err != nil {
				return err
			}
			cred = c
			return nil
		},
		retry.Attempts(s.cfg.MintAttempts),
		retry.Delay(s.cfg.MintDelay),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(s.cfg.MintDelay),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, mailtm.ErrAuth)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying credential mint", "address", address, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("%w for %s: %w", ErrCredentialMintFailed, address, err)
	}
	return cred, nil
}

// CheckNow lists the mailbox behind cred, or sub's active credential when cred
// is empty. Once the provider accepts the credential it becomes sub's monitored
// and active one, and the last-seen snapshot is refreshed so the poll loop does
// not report these messages again. A failed check changes no state.
func (s *Service) CheckNow(ctx context.Context, sub mailbox.SubscriberID, cred mailbox.Credential) (*mailbox.Snapshot, error) {
	s.Touch(ctx, sub)

	cred, err := s.resolve(sub, cred)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	snap, err := s.client.Messages(reqCtx, cred)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("check mailbox: %w", err)
	}

	s.RegisterMonitoring(cred, sub)
	s.sessions.SetActive(sub, cred)
	if snap == nil {
		snap = &mailbox.Snapshot{FetchedAt: time.Now().UTC()}
	}
	if snap.Messages == nil {
		snap.Messages = []mailbox.Message{}
	}

	s.seen.Put(sub, snap)
	s.recorder.Add(ctx, stats.MessagesChecked, int64(len(snap.Messages)))
	return snap, nil
}

// FetchBody renders one message. An empty cred selects sub's active credential.
func (s *Service) FetchBody(ctx context.Context, sub mailbox.SubscriberID, cred mailbox.Credential, id string) (*Content, error) {
	s.Touch(ctx, sub)

	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty message id", ErrInvalidInput)
	}
	cred, err := s.resolve(sub, cred)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	body, err := s.client.Message(reqCtx, cred, id)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", id, err)
	}

	text := render.Body(body)
	if text == "" {
		return nil, fmt.Errorf("message %s: %w", id, ErrNoContent)
	}
	return &Content{From: body.From, Subject: body.Subject, Text: text}, nil
}

// Stats returns the counters and the number of monitored credentials.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	totals, err := s.recorder.Totals(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("read totals: %w", err)
	}
	return Stats{Totals: totals, Monitored: s.registry.Len()}, nil
}

func (s *Service) resolve(sub mailbox.SubscriberID, cred mailbox.Credential) (mailbox.Credential, error) {
	if cred != "" {
		return cred, nil
	}
	if active, ok := s.sessions.Active(sub); ok {
		return active, nil
	}
	return "", ErrNoSession
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomString(alphabet string, n int) string {
	limit := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b)
}
