package transcript

import (
	"context"
	"time"
)

// Provenance tags where a message originated.
type Provenance string

const (
	ProvenanceLocal  Provenance = "local"
	ProvenanceRemote Provenance = "remote"
)

// Event is one item of the push-based message feed.
type Event struct {
	Provenance Provenance `json:"provenance"`
	Payload    string     `json:"payload"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Message is a transcript entry. Ordinal is assigned on delivery and never
// changes afterwards.
type Message struct {
	ID         string
	Ordinal    int
	Generation uint64
	Provenance Provenance
	Payload    string
	Timestamp  time.Time
}

func (m Message) IsLocal() bool { return m.Provenance == ProvenanceLocal }

// Snapshot is the message sequence of one generation at a given revision.
// Revision increases with every change, including resets.
type Snapshot struct {
	Generation uint64
	Revision   uint64
	Messages   []Message
}

// Newest returns the last message of the snapshot.
func (s Snapshot) Newest() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Source is the push-based message feed. Subscribe returns a channel that is
// closed when ctx is cancelled or the feed ends.
type Source interface {
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
}

// TopicForSession is the feed topic carrying a session's transcript events.
func TopicForSession(sessionID string) string { return "transcript:" + sessionID }
