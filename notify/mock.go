package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Sent is one message captured by MockProvider.
type Sent struct {
	ChatID int64
	Text   string
}

// MockProvider logs messages instead of sending them, for local development.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Sent
}

// NewMockProvider creates a new mock chat provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message and records it.
func (m *MockProvider) Send(ctx context.Context, chatID int64, text string) error {
	m.logger.Info("MOCK CHAT MESSAGE",
		"chat_id", chatID,
		"text_length", len(text))

	m.mu.Lock()
	m.sent = append(m.sent, Sent{ChatID: chatID, Text: text})
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of everything sent so far.
func (m *MockProvider) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sent, len(m.sent))
	copy(out, m.sent)
	return out
}
