package device

import "fmt"

// TransportError reports that the HTTP layer could not complete a request:
// network failure, timeout, or a non-success HTTP status.
type TransportError struct {
	Op     string
	Status int // HTTP status, 0 when the request never completed
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("device: %s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("device: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a response that could not be parsed as JSON or that
// lacks the result field the caller requires.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device: %s: bad response: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("device: %s: bad response", e.Op)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError reports a result code signalling rejected credentials. It is
// surfaced by the credential check during setup validation.
type AuthError struct {
	Result int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("device: authentication failed (result %d)", e.Result)
}

// ResultError reports a nonzero result code on a control command.
type ResultError struct {
	Op     string
	Result int
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("device: %s failed (result %d)", e.Op, e.Result)
}
