// Package notify delivers new-mail events to subscribers through a chat provider.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"tempmail-notifier/pkg/mailbox"
	"tempmail-notifier/render"
	"time"

	"github.com/google/uuid"
)

// Provider defines the interface for chat message delivery.
type Provider interface {
	// Send delivers text to the chat identified by chatID.
	Send(ctx context.Context, chatID int64, text string) error
}

// Sender formats new-mail events and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// OnNewMessages sends one notification listing msgs to sub and returns the
// event ID it was logged under. An empty batch sends nothing and returns "".
func (s *Sender) OnNewMessages(ctx context.Context, sub mailbox.SubscriberID, msgs []mailbox.Message) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}

	eventID := uuid.NewString()
	s.logger.Info("Sending new-mail notification",
		"event_id", eventID,
		"subscriber", sub,
		"message_count", len(msgs))

	startTime := time.Now()
	if err := s.provider.Send(ctx, int64(sub), render.NewMail(msgs)); err != nil {
		return eventID, fmt.Errorf("send notification %s: %w", eventID, err)
	}
	s.logger.Info("New-mail notification delivered",
		"event_id", eventID,
		"subscriber", sub,
		"duration_ms", time.Since(startTime).Milliseconds())
	return eventID, nil
}
