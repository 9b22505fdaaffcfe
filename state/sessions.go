package state

import (
	"sync"
	"tempmail-notifier/pkg/mailbox"
)

// Sessions tracks the credential each subscriber most recently used and
// which subscribers have been seen at all.
type Sessions struct {
	mu     sync.Mutex
	active map[mailbox.SubscriberID]mailbox.Credential
	seen   map[mailbox.SubscriberID]struct{}
}

// NewSessions creates an empty session table.
func NewSessions() *Sessions {
	return &Sessions{
		active: make(map[mailbox.SubscriberID]mailbox.Credential),
		seen:   make(map[mailbox.SubscriberID]struct{}),
	}
}

// Touch records sub and reports whether it was seen for the first time.
func (s *Sessions) Touch(sub mailbox.SubscriberID) (first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[sub]; ok {
		return false
	}
	s.seen[sub] = struct{}{}
	return true
}

// SetActive makes cred the subscriber's current credential.
func (s *Sessions) SetActive(sub mailbox.SubscriberID, cred mailbox.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[sub] = cred
}

// Active returns the subscriber's current credential.
func (s *Sessions) Active(sub mailbox.SubscriberID) (mailbox.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.active[sub]
	return cred, ok
}
