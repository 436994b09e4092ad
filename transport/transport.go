// Package transport defines the outbound call abstraction the dispatcher
// and registry use to reach subscriber and peer services. It stands in for
// the request-transport layer (RPC framing, caller identity) that this
// module treats as an external collaborator.
package transport

import "context"

// Transport invokes callback on the service identified by canisterID,
// passing value as its single argument. Implementations are expected to be
// fire-and-forget friendly: callers that don't need the result should not
// block longer than their context allows.
type Transport interface {
	Invoke(ctx context.Context, canisterID, callback, value string) error
}
