// Package mailbox contains the core domain types for the disposable mailbox notifier.
package mailbox

import (
	"strconv"
	"time"
)

// FetchLimit is the number of most recent messages requested per mailbox.
const FetchLimit = 10

// Credential is the bearer token of one provider mailbox session.
// It is opaque: only equality is meaningful.
type Credential string

// Masked returns a short prefix of the credential suitable for logs.
func (c Credential) Masked() string {
	if len(c) <= 6 {
		return "***"
	}
	return string(c[:6]) + "…"
}

// SubscriberID identifies the chat that receives notifications.
type SubscriberID int64

func (s SubscriberID) String() string {
	return strconv.FormatInt(int64(s), 10)
}

// Message is the summary of a single message as listed by the provider.
// Two messages are the same iff their IDs match.
type Message struct {
	SentAt  time.Time `json:"sent_at"`
	ID      string    `json:"id"`
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Intro   string    `json:"intro,omitempty"`
}

// Snapshot is the most recent observation of a mailbox, most recent first.
// It is replaced wholesale, never merged.
type Snapshot struct {
	FetchedAt time.Time `json:"fetched_at"`
	Messages  []Message `json:"messages"`
}

// Clone returns a deep copy so callers can't alias a stored snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	return &Snapshot{FetchedAt: s.FetchedAt, Messages: msgs}
}

// Body is the full content of a single message.
type Body struct {
	From    string
	Subject string
	HTML    string // Joined HTML parts, empty if none
	Text    string // Plain text part, empty if none
}

// Account is a provisioned provider mailbox.
type Account struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}
