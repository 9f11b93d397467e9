package session

import (
	"context"
	"time"
)

// State is the lifecycle state of the single live session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateEnding
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle identifies an established transport connection.
type Handle interface {
	ID() string
}

// Watched is implemented by handles whose connection can drop on its own.
// Done is closed when the connection is gone; Err then reports why.
type Watched interface {
	Done() <-chan struct{}
	Err() error
}

// Transport negotiates and tears down the underlying real-time connection.
type Transport interface {
	Connect(ctx context.Context) (Handle, error)
	Disconnect(ctx context.Context, h Handle) error
}

// Sender is implemented by transports that accept local chat input.
type Sender interface {
	Send(ctx context.Context, h Handle, text string) error
}

// Session is a read-only snapshot of the managed session.
type Session struct {
	ID         string
	State      State
	Generation uint64
	StartedAt  time.Time
	LastError  error
}

// Transition is delivered to subscribers for every state change.
// Transitions into StateFailed carry the error that caused them.
type Transition struct {
	From       State
	To         State
	Generation uint64
	SessionID  string
	Err        error
	At         time.Time
}
