package state

import (
	"sync"
	"tempmail-notifier/pkg/mailbox"
)

// LastSeen remembers the most recent snapshot observed per subscriber.
// Writers race last-writer-wins; a stored snapshot is never partially updated.
type LastSeen struct {
	mu    sync.RWMutex
	snaps map[mailbox.SubscriberID]*mailbox.Snapshot
}

// NewLastSeen creates an empty store.
func NewLastSeen() *LastSeen {
	return &LastSeen{snaps: make(map[mailbox.SubscriberID]*mailbox.Snapshot)}
}

// Lookup returns a copy of the stored snapshot, or nil if sub was never observed.
func (l *LastSeen) Lookup(sub mailbox.SubscriberID) *mailbox.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snaps[sub].Clone()
}

// Put replaces the stored snapshot for sub.
func (l *LastSeen) Put(sub mailbox.SubscriberID, snap *mailbox.Snapshot) {
	c := snap.Clone()
	if c == nil {
		c = &mailbox.Snapshot{}
	}
	l.mu.Lock()
	l.snaps[sub] = c
	l.mu.Unlock()
}

// Swap stores snap for sub and returns what was stored before, atomically.
// The previous value is nil if sub was never observed.
func (l *LastSeen) Swap(sub mailbox.SubscriberID, snap *mailbox.Snapshot) (previous *mailbox.Snapshot) {
	c := snap.Clone()
	if c == nil {
		c = &mailbox.Snapshot{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	previous = l.snaps[sub]
	l.snaps[sub] = c
	return previous
}
