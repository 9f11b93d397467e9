package session

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidState is returned when an operation is requested while the
	// session is not in a state that permits it.
	ErrInvalidState = errors.New("invalid session state")
	// ErrInvalidConfiguration is returned for malformed timeouts or flags.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrStaleGeneration marks an effect scheduled under a superseded
	// generation. It is never surfaced to users.
	ErrStaleGeneration = errors.New("stale session generation ignored")
	// ErrStartAborted is returned by StartSession when EndSession was called
	// while the connection was still being negotiated.
	ErrStartAborted = errors.New("session start aborted by end")
)

// ConnectionError wraps a transport failure during Starting, or the loss of
// an active connection.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect: %v", e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// DisconnectionError wraps a transport failure during Ending.
type DisconnectionError struct {
	Cause error
}

func (e *DisconnectionError) Error() string {
	return fmt.Sprintf("disconnect: %v", e.Cause)
}

func (e *DisconnectionError) Unwrap() error { return e.Cause }

func invalidState(op string, s State) error {
	return errors.Wrapf(ErrInvalidState, "%s while %s", op, s)
}
