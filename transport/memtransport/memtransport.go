// Package memtransport is an in-memory transport.Transport used by
// cmd/broker's demo wiring and by package tests, grounded on the in-memory
// fanout test harness pattern (publish/subscribe recording, no real
// network calls) used elsewhere in this codebase's test tooling.
package memtransport

import (
	"context"
	"sync"
)

// Call records a single Invoke.
type Call struct {
	CanisterID string
	Callback   string
	Value      string
}

// Handler is invoked synchronously for a matching canister/callback pair,
// if one was registered. A nil error means the call "succeeded".
type Handler func(ctx context.Context, value string) error

// Transport is an in-memory transport.Transport. All Invoke calls are
// recorded in order; a registered Handler for the (canisterID, callback)
// pair is run to determine the outcome.
type Transport struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]Handler
	failAll  error
}

// New creates an empty Transport.
func New() *Transport {
	return &Transport{handlers: make(map[string]Handler)}
}

// Handle registers fn to run whenever canisterID/callback is invoked.
func (t *Transport) Handle(canisterID, callback string, fn Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[key(canisterID, callback)] = fn
}

// FailAll makes every future Invoke return err, simulating a transport
// outage. Pass nil to clear it.
func (t *Transport) FailAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAll = err
}

func (t *Transport) Invoke(ctx context.Context, canisterID, callback, value string) error {
	t.mu.Lock()
	t.calls = append(t.calls, Call{CanisterID: canisterID, Callback: callback, Value: value})
	failAll := t.failAll
	handler := t.handlers[key(canisterID, callback)]
	t.mu.Unlock()

	if failAll != nil {
		return failAll
	}
	if handler != nil {
		return handler(ctx, value)
	}
	return nil
}

// Calls returns a snapshot of every Invoke recorded so far, in call order.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// Reset clears recorded calls without touching registered handlers.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
}

func key(canisterID, callback string) string {
	return canisterID + "\x00" + callback
}
