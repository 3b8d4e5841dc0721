package orchestrator

import "fmt"

// NotFoundError indicates an operation against an unknown session id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.ID)
}

// DestroyFailedError indicates the provider destroy exhausted its
// retries. The session is still marked destroyed and evicted, but the
// backend resource may exist and needs out-of-band cleanup.
type DestroyFailedError struct {
	ID  string
	Err error
}

func (e *DestroyFailedError) Error() string {
	return fmt.Sprintf("session %s destroyed with unreclaimed resources: %v", e.ID, e.Err)
}

func (e *DestroyFailedError) Unwrap() error { return e.Err }
