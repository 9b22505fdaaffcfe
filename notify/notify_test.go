package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"tempmail-notifier/pkg/mailbox"
	"testing"
	"time"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTelegram(t *testing.T, handler http.HandlerFunc) *TelegramProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	p := NewTelegramProvider("123:secret", server.URL, discardLogger())
	p.delay = time.Millisecond
	return p
}

func TestSenderOnNewMessages(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	s := New(mock, discardLogger())

	msgs := []mailbox.Message{
		{ID: "1", From: "a@x.test", Subject: "first"},
		{ID: "2", From: "b@x.test", Subject: "second"},
	}
	eventID, err := s.OnNewMessages(context.Background(), 42, msgs)
	if err != nil {
		t.Fatalf("OnNewMessages() error: %v", err)
	}
	if _, err := uuid.Parse(eventID); err != nil {
		t.Errorf("event ID %q is not a UUID: %v", eventID, err)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("got %d sends, want 1", len(sent))
	}
	if sent[0].ChatID != 42 {
		t.Errorf("ChatID = %d, want 42", sent[0].ChatID)
	}
	for _, want := range []string{"a@x.test", "first", "b@x.test", "second"} {
		if !strings.Contains(sent[0].Text, want) {
			t.Errorf("notification text missing %q", want)
		}
	}
}

func TestSenderSkipsEmpty(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	eventID, err := New(mock, discardLogger()).OnNewMessages(context.Background(), 1, nil)
	if err != nil {
		t.Fatalf("OnNewMessages() error: %v", err)
	}
	if eventID != "" {
		t.Errorf("event ID = %q for empty batch, want empty", eventID)
	}
	if n := len(mock.Sent()); n != 0 {
		t.Errorf("got %d sends for empty batch", n)
	}
}

type failingProvider struct{ err error }

func (f failingProvider) Send(context.Context, int64, string) error { return f.err }

func TestSenderWrapsProviderError(t *testing.T) {
	boom := errors.New("boom")
	eventID, err := New(failingProvider{err: boom}, discardLogger()).OnNewMessages(context.Background(), 1, []mailbox.Message{{ID: "x"}})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped boom", err)
	}
	if eventID == "" || !strings.Contains(err.Error(), eventID) {
		t.Errorf("error = %v, want it to name event %q", err, eventID)
	}
}

func TestTelegramSend(t *testing.T) {
	p := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot123:secret/sendMessage" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req telegramSendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ChatID != 7 || req.Text != "hello" || !req.DisableWebPagePreview {
			t.Errorf("request = %+v", req)
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	if err := p.Send(context.Background(), 7, "hello"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
}

func TestTelegramRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	p := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	if err := p.Send(context.Background(), 7, "hello"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestTelegramClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	p := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	})

	err := p.Send(context.Background(), 7, "hello")
	if err == nil {
		t.Fatal("Send() expected error")
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("error = %v, want provider description", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestTelegramGivesUp(t *testing.T) {
	var calls atomic.Int32
	p := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	if err := p.Send(context.Background(), 7, "hello"); err == nil {
		t.Fatal("Send() expected error")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}
