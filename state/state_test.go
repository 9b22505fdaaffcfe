package state

import (
	"fmt"
	"sync"
	"tempmail-notifier/pkg/mailbox"
	"testing"
)

func TestRegistryAddOverwritesSubscriber(t *testing.T) {
	r := NewRegistry()
	r.Add("cred-1", 100)
	r.Add("cred-1", 200)

	if got := r.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	sub, ok := r.Lookup("cred-1")
	if !ok || sub != 200 {
		t.Errorf("Lookup() = %d, %v, want 200, true", sub, ok)
	}

	// The first subscriber no longer owns cred-1, so adding a new credential
	// for it must not touch cred-1.
	if evicted := r.Add("cred-2", 100); evicted != "" {
		t.Errorf("Add() evicted %q, want nothing", evicted)
	}
	if sub, _ := r.Lookup("cred-1"); sub != 200 {
		t.Errorf("cred-1 subscriber = %d, want 200", sub)
	}
}

func TestRegistryOneCredentialPerSubscriber(t *testing.T) {
	r := NewRegistry()
	r.Add("old", 7)
	evicted := r.Add("new", 7)

	if evicted != "old" {
		t.Errorf("Add() evicted %q, want old", evicted)
	}
	if _, ok := r.Lookup("old"); ok {
		t.Error("old credential still monitored")
	}
	if got := r.Snapshot(); len(got) != 1 || got[0].Credential != "new" {
		t.Errorf("Snapshot() = %+v, want only new", got)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.Add("a", 1)
	r.Add("b", 2)

	r.Remove("a")
	r.Remove("missing")

	entries := r.Snapshot()
	if len(entries) != 1 || entries[0] != (Entry{Credential: "b", Subscriber: 2}) {
		t.Errorf("Snapshot() = %+v, want [{b 2}]", entries)
	}

	// Subscriber 1 can register again after removal.
	r.Add("c", 1)
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Add("a", 1)
	snap := r.Snapshot()
	r.Add("b", 2)

	if len(snap) != 1 {
		t.Errorf("snapshot changed after Add: %+v", snap)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			r.Add(mailbox.Credential(fmt.Sprintf("cred-%d", i)), mailbox.SubscriberID(i))
		}()
		go func() {
			defer wg.Done()
			for _, e := range r.Snapshot() {
				if e.Credential == "" {
					t.Error("snapshot contains empty credential")
				}
			}
		}()
		go func() {
			defer wg.Done()
			r.Remove(mailbox.Credential(fmt.Sprintf("cred-%d", i-1)))
		}()
	}
	wg.Wait()

	if r.Len() > 50 {
		t.Errorf("Len() = %d, want <= 50", r.Len())
	}
}

func TestLastSeenNeverObserved(t *testing.T) {
	l := NewLastSeen()
	if got := l.Lookup(1); got != nil {
		t.Errorf("Lookup() = %+v, want nil", got)
	}

	l.Put(1, &mailbox.Snapshot{})
	got := l.Lookup(1)
	if got == nil {
		t.Fatal("Lookup() = nil after Put of empty snapshot")
	}
	if len(got.Messages) != 0 {
		t.Errorf("Lookup() = %+v, want empty", got)
	}
}

func TestLastSeenStoresCopies(t *testing.T) {
	l := NewLastSeen()
	snap := &mailbox.Snapshot{Messages: []mailbox.Message{{ID: "1"}}}
	l.Put(1, snap)

	snap.Messages[0].ID = "mutated"
	if got := l.Lookup(1); got.Messages[0].ID != "1" {
		t.Errorf("stored snapshot aliased caller slice: %+v", got)
	}

	got := l.Lookup(1)
	got.Messages[0].ID = "mutated"
	if again := l.Lookup(1); again.Messages[0].ID != "1" {
		t.Errorf("Lookup() returned aliased slice: %+v", again)
	}
}

func TestLastSeenSwap(t *testing.T) {
	l := NewLastSeen()
	first := &mailbox.Snapshot{Messages: []mailbox.Message{{ID: "1"}}}
	if prev := l.Swap(1, first); prev != nil {
		t.Errorf("first Swap() = %+v, want nil", prev)
	}

	second := &mailbox.Snapshot{Messages: []mailbox.Message{{ID: "1"}, {ID: "2"}}}
	prev := l.Swap(1, second)
	if prev == nil || len(prev.Messages) != 1 {
		t.Errorf("second Swap() = %+v, want first snapshot", prev)
	}
	if got := l.Lookup(1); len(got.Messages) != 2 {
		t.Errorf("Lookup() = %+v, want second snapshot", got)
	}
}

// Concurrent writers must leave one of the written snapshots, never a mix.
func TestLastSeenNoTornWrites(t *testing.T) {
	l := NewLastSeen()
	a := &mailbox.Snapshot{Messages: []mailbox.Message{{ID: "a1"}, {ID: "a2"}}}
	b := &mailbox.Snapshot{Messages: []mailbox.Message{{ID: "b1"}, {ID: "b2"}, {ID: "b3"}}}

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(3)
		go func() { defer wg.Done(); l.Put(1, a) }()
		go func() { defer wg.Done(); l.Swap(1, b) }()
		go func() {
			defer wg.Done()
			if got := l.Lookup(1); got != nil {
				assertWhole(t, got, a, b)
			}
		}()
	}
	wg.Wait()

	assertWhole(t, l.Lookup(1), a, b)
}

func assertWhole(t *testing.T, got *mailbox.Snapshot, candidates ...*mailbox.Snapshot) {
	t.Helper()
	for _, c := range candidates {
		if len(got.Messages) != len(c.Messages) {
			continue
		}
		match := true
		for i := range c.Messages {
			if got.Messages[i].ID != c.Messages[i].ID {
				match = false
				break
			}
		}
		if match {
			return
		}
	}
	t.Errorf("snapshot %+v matches none of the written values", got)
}

func TestSessions(t *testing.T) {
	s := NewSessions()
	if !s.Touch(5) {
		t.Error("first Touch() = false, want true")
	}
	if s.Touch(5) {
		t.Error("second Touch() = true, want false")
	}

	if _, ok := s.Active(5); ok {
		t.Error("Active() found credential before SetActive")
	}
	s.SetActive(5, "one")
	s.SetActive(5, "two")
	if cred, ok := s.Active(5); !ok || cred != "two" {
		t.Errorf("Active() = %q, %v, want two, true", cred, ok)
	}
}
