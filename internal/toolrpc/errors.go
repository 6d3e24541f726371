package toolrpc

import "fmt"

// ErrorKind classifies tool-client failures.
type ErrorKind string

const (
	// KindInvalidParams means the server rejected the parameters after all
	// method-name fallbacks were exhausted.
	KindInvalidParams ErrorKind = "invalid-params"

	// KindUnauthorized maps 401/403 responses.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindBadRequest maps 400 responses.
	KindBadRequest ErrorKind = "bad-request"

	// KindProtocol means the response framing or JSON-RPC envelope was
	// malformed.
	KindProtocol ErrorKind = "protocol"

	// KindTransport covers network-level failures.
	KindTransport ErrorKind = "transport"
)

// Error is a classified tool-client failure.
type Error struct {
	Kind    ErrorKind
	Server  string
	Method  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("tool server %s: %s: %s: %s", e.Server, e.Kind, e.Method, e.Message)
	}
	return fmt.Sprintf("tool server %s: %s: %s", e.Server, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or KindTransport for untyped
// errors.
func KindOf(err error) ErrorKind {
	if te, ok := err.(*Error); ok {
		return te.Kind
	}
	return KindTransport
}

// codeInvalidParams is the only JSON-RPC error code that advances the
// method-name fallback; every other error terminates the call.
const codeInvalidParams = -32602
