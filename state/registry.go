// Package state holds the in-memory structures shared by request handlers and
// the poll loop. Each type owns its own lock; none of them persist across restarts.
package state

import (
	"sort"
	"sync"
	"tempmail-notifier/pkg/mailbox"
)

// Entry is one monitored credential and the subscriber it reports to.
type Entry struct {
	Credential mailbox.Credential
	Subscriber mailbox.SubscriberID
}

// Registry maps monitored credentials to subscribers.
// A credential appears at most once and a subscriber holds at most one
// credential: the latest Add wins on both sides.
type Registry struct {
	mu           sync.Mutex
	byCredential map[mailbox.Credential]mailbox.SubscriberID
	bySubscriber map[mailbox.SubscriberID]mailbox.Credential
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byCredential: make(map[mailbox.Credential]mailbox.SubscriberID),
		bySubscriber: make(map[mailbox.SubscriberID]mailbox.Credential),
	}
}

// Add starts monitoring cred for sub. It returns the credential it evicted
// from sub, if any.
func (r *Registry) Add(cred mailbox.Credential, sub mailbox.SubscriberID) (evicted mailbox.Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevSub, ok := r.byCredential[cred]; ok && prevSub != sub {
		if r.bySubscriber[prevSub] == cred {
			delete(r.bySubscriber, prevSub)
		}
	}
	if prevCred, ok := r.bySubscriber[sub]; ok && prevCred != cred {
		delete(r.byCredential, prevCred)
		evicted = prevCred
	}

	r.byCredential[cred] = sub
	r.bySubscriber[sub] = cred
	return evicted
}

// Remove stops monitoring cred. Removing an absent credential is a no-op.
func (r *Registry) Remove(cred mailbox.Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byCredential[cred]
	if !ok {
		return
	}
	delete(r.byCredential, cred)
	if r.bySubscriber[sub] == cred {
		delete(r.bySubscriber, sub)
	}
}

// Lookup returns the subscriber monitoring cred.
func (r *Registry) Lookup(cred mailbox.Credential) (mailbox.SubscriberID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byCredential[cred]
	return sub, ok
}

// Snapshot returns a point-in-time copy of all entries, ordered by subscriber.
// The copy is safe to iterate without holding the lock.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.byCredential))
	for cred, sub := range r.byCredential {
		entries = append(entries, Entry{Credential: cred, Subscriber: sub})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Subscriber != entries[j].Subscriber {
			return entries[i].Subscriber < entries[j].Subscriber
		}
		return entries[i].Credential < entries[j].Credential
	})
	return entries
}

// Len returns the number of monitored credentials.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCredential)
}
