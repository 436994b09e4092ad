package errs

// ErrCode identifies the class of an error returned by the registry or the
// dispatcher. The set is deliberately small: it mirrors the outcomes callers
// of this broker actually need to branch on, not a generic RPC status space.
type ErrCode int

const (
	// OK indicates success. Builder.Err never returns a *Error with this code.
	OK ErrCode = 0

	// InvalidArgument means the caller supplied a malformed or missing
	// argument (an empty topic or value at intake, a topic with no
	// namespaces to subscribe into).
	InvalidArgument ErrCode = 1

	// NotFound means the referenced topic, namespace, subscriber, or peer
	// service does not exist.
	NotFound ErrCode = 2

	// NotWhitelisted means the caller attempted to publish to a topic it has
	// not been granted publisher rights to.
	NotWhitelisted ErrCode = 3

	// Conflict means the operation could not complete because of the current
	// state of another entity. No registry or dispatcher operation in this
	// module returns it; unregistering a namespace that still lists
	// subscribers, for one, succeeds.
	Conflict ErrCode = 4

	// TransportFailure means an outbound call to a subscriber or peer service
	// failed at the transport layer. It never applies to admission errors.
	TransportFailure ErrCode = 5

	// Internal means an invariant the broker relies on has been broken.
	Internal ErrCode = 6

	// QueueFull means the FIFO is at its configured MaxQueueDepth and cannot
	// accept another message. Additive to the kinds above; only produced
	// when MaxQueueDepth is non-zero.
	QueueFull ErrCode = 7
)

var codeNames = [...]string{
	OK:               "ok",
	InvalidArgument:  "invalid_argument",
	NotFound:         "not_found",
	NotWhitelisted:   "not_whitelisted",
	Conflict:         "conflict",
	TransportFailure: "transport_failure",
	Internal:         "internal",
	QueueFull:        "queue_full",
}

// String returns the wire representation of the code.
func (c ErrCode) String() string {
	if int(c) < 0 || int(c) >= len(codeNames) {
		return "unknown"
	}
	return codeNames[c]
}

// MarshalJSON encodes the code as its string name, matching how the rest of
// the broker's structured output (log entries, error bodies) is rendered.
func (c ErrCode) MarshalJSON() ([]byte, error) {
	return []byte("\"" + c.String() + "\""), nil
}
