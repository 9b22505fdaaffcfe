package mailtm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"tempmail-notifier/pkg/mailbox"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(&http.Client{Timeout: 5 * time.Second}, server.URL, logger)
}

func TestDomain(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		want    string
		wantErr bool
	}{
		{
			name:   "hydra collection",
			body:   `{"hydra:member":[{"domain":"old.test","isActive":false},{"domain":"mail.test","isActive":true}]}`,
			status: http.StatusOK,
			want:   "mail.test",
		},
		{
			name:   "bare array",
			body:   `[{"domain":"plain.test"}]`,
			status: http.StatusOK,
			want:   "plain.test",
		},
		{
			name:    "empty list",
			body:    `{"hydra:member":[]}`,
			status:  http.StatusOK,
			wantErr: true,
		},
		{
			name:    "server error",
			body:    `{}`,
			status:  http.StatusBadGateway,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/domains" {
					t.Errorf("path = %q, want /domains", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			got, err := c.Domain(context.Background())
			if tt.wantErr {
				if !errors.Is(err, ErrUnavailable) {
					t.Fatalf("Domain() error = %v, want ErrUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Domain() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Domain() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCreateAccountAddressTaken(t *testing.T) {
	for _, status := range []int{http.StatusConflict, http.StatusUnprocessableEntity} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		_, err := c.CreateAccount(context.Background(), "taken@mail.test", "secret")
		if !errors.Is(err, ErrAddressTaken) {
			t.Errorf("status %d: error = %v, want ErrAddressTaken", status, err)
		}
	}
}

func TestCreateAccountAndToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"address":"joe@mail.test"`) || !strings.Contains(string(body), `"password":"pw"`) {
			t.Errorf("unexpected request body: %s", body)
		}
		switch r.URL.Path {
		case "/accounts":
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"id":"acc-1","address":"joe@mail.test"}`)
		case "/token":
			_, _ = io.WriteString(w, `{"id":"acc-1","token":"tok-abc"}`)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	})

	acct, err := c.CreateAccount(context.Background(), "joe@mail.test", "pw")
	if err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	if acct.ID != "acc-1" || acct.Address != "joe@mail.test" {
		t.Errorf("CreateAccount() = %+v", acct)
	}

	cred, err := c.Token(context.Background(), "joe@mail.test", "pw")
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if cred != "tok-abc" {
		t.Errorf("Token() = %q, want tok-abc", cred)
	}
}

func TestTokenUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Token(context.Background(), "joe@mail.test", "pw")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Token() error = %v, want ErrAuth", err)
	}
}

func TestMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q, want Bearer tok-1", got)
		}
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Errorf("limit = %q, want 10", got)
		}
		_, _ = io.WriteString(w, `{"hydra:member":[
			{"id":"m2","from":{"address":"b@x.test"},"subject":"second","sentDate":"2025-10-13T12:05:00+00:00"},
			{"id":"m1","from":{"address":"a@x.test"},"subject":"first","createdAt":"2025-10-13T12:00:00+00:00"}
		]}`)
	})

	snap, err := c.Messages(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(snap.Messages))
	}
	first := snap.Messages[0]
	if first.ID != "m2" || first.From != "b@x.test" || first.Subject != "second" {
		t.Errorf("first message = %+v", first)
	}
	if want := time.Date(2025, 10, 13, 12, 5, 0, 0, time.UTC); !first.SentAt.Equal(want) {
		t.Errorf("SentAt = %v, want %v", first.SentAt, want)
	}
	if want := time.Date(2025, 10, 13, 12, 0, 0, 0, time.UTC); !snap.Messages[1].SentAt.Equal(want) {
		t.Errorf("createdAt fallback SentAt = %v, want %v", snap.Messages[1].SentAt, want)
	}
}

func TestMessagesCapsAtFetchLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString("[")
		for i := range 15 {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(`{"id":"m` + string(rune('a'+i)) + `"}`)
		}
		b.WriteString("]")
		_, _ = io.WriteString(w, b.String())
	})

	snap, err := c.Messages(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(snap.Messages) != mailbox.FetchLimit {
		t.Errorf("got %d messages, want %d", len(snap.Messages), mailbox.FetchLimit)
	}
}

func TestMessagesErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantInvalid bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantInvalid: true},
		{name: "forbidden", status: http.StatusForbidden, wantInvalid: true},
		{name: "server error", status: http.StatusInternalServerError, wantInvalid: false},
		{name: "rate limited", status: http.StatusTooManyRequests, wantInvalid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			_, err := c.Messages(context.Background(), "tok")
			if err == nil {
				t.Fatal("Messages() expected error")
			}
			if got := IsInvalidCredential(err); got != tt.wantInvalid {
				t.Errorf("IsInvalidCredential() = %v, want %v (err=%v)", got, tt.wantInvalid, err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
				t.Errorf("error = %v, want APIError with status %d", err, tt.status)
			}
		})
	}
}

func TestMessagesTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(&http.Client{Timeout: 50 * time.Millisecond}, server.URL, logger)

	_, err := c.Messages(context.Background(), "tok")
	if err == nil {
		t.Fatal("Messages() expected timeout error")
	}
	if IsInvalidCredential(err) {
		t.Errorf("timeout classified as invalid credential: %v", err)
	}
}

func TestMessageBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantHTML string
		wantText string
	}{
		{
			name:     "html parts list",
			body:     `{"from":{"address":"a@x.test"},"subject":"hi","html":["<p>one</p>","<p>two</p>"],"text":"one two"}`,
			wantHTML: "<p>one</p><p>two</p>",
			wantText: "one two",
		},
		{
			name:     "html string",
			body:     `{"from":{"address":"a@x.test"},"subject":"hi","html":"<b>x</b>"}`,
			wantHTML: "<b>x</b>",
		},
		{
			name:     "no html",
			body:     `{"from":{"address":"a@x.test"},"subject":"hi","html":null,"text":"plain"}`,
			wantText: "plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/messages/m1" {
					t.Errorf("path = %q, want /messages/m1", r.URL.Path)
				}
				_, _ = io.WriteString(w, tt.body)
			})

			body, err := c.Message(context.Background(), "tok", "m1")
			if err != nil {
				t.Fatalf("Message() error: %v", err)
			}
			if body.From != "a@x.test" || body.Subject != "hi" {
				t.Errorf("Message() header = %+v", body)
			}
			if body.HTML != tt.wantHTML {
				t.Errorf("HTML = %q, want %q", body.HTML, tt.wantHTML)
			}
			if body.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", body.Text, tt.wantText)
			}
		})
	}
}

func TestMessageNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Message(context.Background(), "tok", "gone")
	if !IsNotFound(err) {
		t.Fatalf("Message() error = %v, want not found", err)
	}
}
