// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
	"time"
)

// Waiters is a predicate-matching wait primitive. A caller registers a
// predicate with a timeout; the next published value matching the predicate
// fulfils the wait. Each published value is delivered to at most one waiter,
// and a waiter is deregistered atomically with being fulfilled, timing out
// or being cancelled, so a late publish can never fire against stale state.
type Waiters[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]*waiter[T]
}

type waiter[T any] struct {
	match func(T) bool
	ch    chan T
}

func NewWaiters[T any]() *Waiters[T] {
	return &Waiters[T]{waiters: make(map[uint64]*waiter[T])}
}

// Wait blocks until a value matching match is published, the timeout
// elapses (ErrTimeout), or ctx is cancelled (ctx.Err()).
func (w *Waiters[T]) Wait(ctx context.Context, timeout time.Duration, match func(T) bool) (T, error) {
	wt := &waiter[T]{match: match, ch: make(chan T, 1)}

	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.waiters[id] = wt
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-wt.ch:
		return v, nil
	case <-timer.C:
		w.remove(id)
		// Drain a publish that won the race against removal.
		select {
		case v := <-wt.ch:
			return v, nil
		default:
		}
		return zero, ErrTimeout
	case <-ctx.Done():
		w.remove(id)
		select {
		case v := <-wt.ch:
			return v, nil
		default:
		}
		return zero, ctx.Err()
	}
}

// Publish offers v to the oldest waiter whose predicate matches and reports
// whether it was consumed. The matching waiter is removed before delivery.
func (w *Waiters[T]) Publish(v T) bool {
	w.mu.Lock()
	var matched *waiter[T]
	var matchedID uint64
	found := false
	for id, wt := range w.waiters {
		if wt.match(v) && (!found || id < matchedID) {
			matched, matchedID, found = wt, id, true
		}
	}
	if found {
		delete(w.waiters, matchedID)
	}
	w.mu.Unlock()

	if !found {
		return false
	}
	matched.ch <- v
	return true
}

// Pending returns the number of registered waiters. Test hook.
func (w *Waiters[T]) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}

func (w *Waiters[T]) remove(id uint64) {
	w.mu.Lock()
	delete(w.waiters, id)
	w.mu.Unlock()
}
