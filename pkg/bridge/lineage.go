// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
)

// Derived is one mirrored copy of a source message, together with the
// credential it was posted through so it can be deleted later.
type Derived struct {
	MessageID  string
	EndpointID EndpointID
	Credential Credential
}

// Lineage maps a source message ID to the derived copies it produced. It is
// never persisted; its lifetime is bounded by the platform's own message
// retention.
//
// A relay in flight registers itself with Begin so that an edit or delete
// event for the same message waits until the relay has finished and lineage
// is complete. An edit arriving for a message with no lineage at all is a
// no-op; that race is accepted.
type Lineage struct {
	mu       sync.Mutex
	entries  map[string][]Derived
	inflight map[string]chan struct{}
}

func NewLineage() *Lineage {
	return &Lineage{
		entries:  make(map[string][]Derived),
		inflight: make(map[string]chan struct{}),
	}
}

// Begin marks a relay for sourceID as in flight. The returned function must
// be called when every dispatch has been joined.
func (l *Lineage) Begin(sourceID string) func() {
	ch := make(chan struct{})
	l.mu.Lock()
	l.inflight[sourceID] = ch
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.inflight[sourceID] == ch {
				delete(l.inflight, sourceID)
			}
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Await blocks until no relay for sourceID is in flight, or ctx is done.
func (l *Lineage) Await(ctx context.Context, sourceID string) error {
	l.mu.Lock()
	ch, ok := l.inflight[sourceID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record appends a derived copy to the lineage of sourceID.
func (l *Lineage) Record(sourceID string, d Derived) {
	l.mu.Lock()
	l.entries[sourceID] = append(l.entries[sourceID], d)
	l.mu.Unlock()
}

// Take removes and returns the lineage of sourceID.
func (l *Lineage) Take(sourceID string) []Derived {
	l.mu.Lock()
	ds := l.entries[sourceID]
	delete(l.entries, sourceID)
	l.mu.Unlock()
	return ds
}

// Len returns the number of tracked source messages. Test hook.
func (l *Lineage) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
