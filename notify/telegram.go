package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultTelegramURL is the public Bot API endpoint.
const DefaultTelegramURL = "https://api.telegram.org"

// TelegramProvider sends chat messages through the Telegram Bot API.
type TelegramProvider struct {
	client   *http.Client
	logger   *slog.Logger
	token    string
	baseURL  string
	attempts uint
	delay    time.Duration
}

// NewTelegramProvider creates a new Telegram provider. An empty baseURL
// selects the public API.
func NewTelegramProvider(token, baseURL string, logger *slog.Logger) *TelegramProvider {
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	return &TelegramProvider{
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
		token:    token,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		attempts: 3,
		delay:    time.Second,
	}
}

type telegramSendRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	Description string `json:"description"`
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
}

// Send delivers text to chatID, retrying on network errors, 429 and 5xx.
func (t *TelegramProvider) Send(ctx context.Context, chatID int64, text string) error {
	jsonData, err := json.Marshal(telegramSendRequest{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(
		func() error {
			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				t.baseURL+"/bot"+t.token+"/sendMessage", bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := t.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				t.logger.Warn("Telegram API request failed",
					"chat_id", chatID,
					"duration_ms", duration.Milliseconds(),
					"error", redact(err, t.token))
				return errors.New(redact(err, t.token))
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					t.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			var tr telegramResponse
			_ = json.Unmarshal(body, &tr) // description is best effort

			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				t.logger.Warn("Telegram API returned retryable status",
					"status_code", resp.StatusCode,
					"chat_id", chatID)
				return fmt.Errorf("telegram HTTP %d: %s", resp.StatusCode, tr.Description)
			}
			if resp.StatusCode != http.StatusOK || !tr.OK {
				return retry.Unrecoverable(fmt.Errorf("telegram HTTP %d: %s", resp.StatusCode, tr.Description))
			}

			t.logger.Debug("Telegram message sent",
				"chat_id", chatID,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(t.attempts),
		retry.Delay(t.delay),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(t.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying Telegram send after error", "attempt", n, "error", err)
		}),
	)
}

// redact strips the bot token, which is part of the request URL, from err.
func redact(err error, token string) string {
	if token == "" {
		return err.Error()
	}
	return strings.ReplaceAll(err.Error(), token, "<redacted>")
}
