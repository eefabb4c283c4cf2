// Package correlate matches responses to the requests that caused them when
// both travel over a shared channel alongside unrelated traffic.
//
// A Table holds one Waiter per outstanding correlation id. Each waiter is
// settled exactly once: by Resolve, by Reject, or by its own timeout. A
// response arriving after its waiter was settled finds no entry and is
// reported back to the caller as uncorrelated.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTimeout is returned by Wait when no response arrived in time.
var ErrTimeout = errors.New("timed out waiting for response")

// ErrDuplicateKey is returned by Register for a key that is still pending.
var ErrDuplicateKey = errors.New("correlation id already pending")

// Table is a pending-operation map keyed by correlation id.
type Table[K comparable, V any] struct {
	name    string
	mu      sync.Mutex
	seq     uint64
	waiters map[K]*Waiter[K, V]
}

// NewTable creates an empty table. The name only appears in logs.
func NewTable[K comparable, V any](name string) *Table[K, V] {
	return &Table[K, V]{
		name:    name,
		waiters: make(map[K]*Waiter[K, V]),
	}
}

// Register creates a waiter for key.
func (t *Table[K, V]) Register(key K) (*Waiter[K, V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.waiters[key]; exists {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}

	t.seq++
	w := &Waiter[K, V]{
		table: t,
		key:   key,
		seq:   t.seq,
		done:  make(chan struct{}),
	}
	t.waiters[key] = w
	return w, nil
}

// Resolve settles the waiter for key with value. It reports false when no
// waiter is pending for key.
func (t *Table[K, V]) Resolve(key K, value V) bool {
	w := t.take(key)
	if w == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"table":    t.name,
			"key":      key,
		}).Debug("No pending waiter for response")
		return false
	}
	w.settle(value, nil)
	return true
}

// Reject settles the waiter for key with err.
func (t *Table[K, V]) Reject(key K, err error) bool {
	w := t.take(key)
	if w == nil {
		return false
	}
	var zero V
	w.settle(zero, err)
	return true
}

// RejectAll settles every pending waiter with err and returns how many were
// rejected.
func (t *Table[K, V]) RejectAll(err error) int {
	t.mu.Lock()
	pending := make([]*Waiter[K, V], 0, len(t.waiters))
	for key, w := range t.waiters {
		pending = append(pending, w)
		delete(t.waiters, key)
	}
	t.mu.Unlock()

	var zero V
	for _, w := range pending {
		w.settle(zero, err)
	}
	return len(pending)
}

// RejectMatching settles every pending waiter whose key satisfies match.
func (t *Table[K, V]) RejectMatching(match func(K) bool, err error) int {
	t.mu.Lock()
	var pending []*Waiter[K, V]
	for key, w := range t.waiters {
		if match(key) {
			pending = append(pending, w)
			delete(t.waiters, key)
		}
	}
	t.mu.Unlock()

	var zero V
	for _, w := range pending {
		w.settle(zero, err)
	}
	return len(pending)
}

// Oldest returns the key registered earliest among pending waiters.
func (t *Table[K, V]) Oldest() (K, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		oldest K
		best   *Waiter[K, V]
	)
	for key, w := range t.waiters {
		if best == nil || w.seq < best.seq {
			best = w
			oldest = key
		}
	}
	return oldest, best != nil
}

// Len reports the number of pending waiters.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// Pending reports whether key has a pending waiter.
func (t *Table[K, V]) Pending(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.waiters[key]
	return ok
}

func (t *Table[K, V]) take(key K) *Waiter[K, V] {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.waiters[key]
	if !ok {
		return nil
	}
	delete(t.waiters, key)
	return w
}

// remove deletes w if it is still the registered waiter for its key.
func (t *Table[K, V]) remove(w *Waiter[K, V]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.waiters[w.key]; ok && current == w {
		delete(t.waiters, w.key)
		return true
	}
	return false
}

// Waiter is one outstanding request.
type Waiter[K comparable, V any] struct {
	table *Table[K, V]
	key   K
	seq   uint64

	once  sync.Once
	done  chan struct{}
	value V
	err   error
}

// Key returns the correlation id of the waiter.
func (w *Waiter[K, V]) Key() K {
	return w.key
}

// Wait blocks until the waiter is settled, timeout elapses, or ctx ends.
// On timeout or cancellation the waiter is removed from its table so a late
// response is treated as uncorrelated.
func (w *Waiter[K, V]) Wait(ctx context.Context, timeout time.Duration) (V, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-w.done:
		return w.value, w.err
	case <-timer:
		if w.table.remove(w) {
			var zero V
			w.settle(zero, ErrTimeout)
		}
	case <-ctx.Done():
		if w.table.remove(w) {
			var zero V
			w.settle(zero, ctx.Err())
		}
	}

	<-w.done
	return w.value, w.err
}

// Cancel withdraws the waiter without settling a value.
func (w *Waiter[K, V]) Cancel() {
	if w.table.remove(w) {
		var zero V
		w.settle(zero, context.Canceled)
	}
}

func (w *Waiter[K, V]) settle(value V, err error) {
	w.once.Do(func() {
		w.value = value
		w.err = err
		close(w.done)
	})
}
