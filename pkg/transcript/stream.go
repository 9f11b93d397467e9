package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/voicechat/pkg/session"
)

type listener struct {
	id int
	fn func(Snapshot)
}

// Stream is the ordered, append-only message sequence of the current session
// generation. Every generation starts from an empty sequence; events tagged
// with any other generation are discarded.
type Stream struct {
	now func() time.Time

	mu         sync.Mutex
	generation uint64
	revision   uint64
	messages   []Message
	detach     context.CancelFunc
	ticket     uint64

	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	served     uint64

	listenersMu sync.Mutex
	listeners   []listener
	nextID      int
}

func NewStream() *Stream {
	s := &Stream{now: time.Now}
	s.notifyCond = sync.NewCond(&s.notifyMu)
	return s
}

// Reset starts generation gen with an empty sequence and detaches any feed
// bound to the previous generation.
func (s *Stream) Reset(gen uint64) {
	s.mu.Lock()
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	s.generation = gen
	s.messages = nil
	s.revision++
	snap := s.snapshotLocked()
	s.unlockAndNotify(snap)
}

// Append delivers ev under generation gen. It returns false when gen is not
// the current generation.
func (s *Stream) Append(gen uint64, ev Event) (Message, bool) {
	s.mu.Lock()
	if gen != s.generation {
		cur := s.generation
		s.mu.Unlock()
		log.Debug().
			Str("component", "transcript").
			Uint64("generation", gen).
			Uint64("current_generation", cur).
			Msg("dropping message from stale generation")
		return Message{}, false
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	prov := ev.Provenance
	if prov == "" {
		prov = ProvenanceRemote
	}
	msg := Message{
		ID:         uuid.NewString(),
		Ordinal:    len(s.messages),
		Generation: gen,
		Provenance: prov,
		Payload:    ev.Payload,
		Timestamp:  ts,
	}
	s.messages = append(s.messages, msg)
	s.revision++
	snap := s.snapshotLocked()
	s.unlockAndNotify(snap)
	return msg, true
}

// Attach subscribes src on topic for generation gen. The feed stops when ctx is
// cancelled, on Detach, or when the stream moves to another generation.
func (s *Stream) Attach(ctx context.Context, gen uint64, src Source, topic string) error {
	if src == nil {
		return errors.New("transcript source is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return errors.Wrapf(session.ErrStaleGeneration, "attach generation %d", gen)
	}
	if s.detach != nil {
		s.detach()
	}
	feedCtx, cancel := context.WithCancel(ctx)
	s.detach = cancel
	s.mu.Unlock()

	ch, err := src.Subscribe(feedCtx, topic)
	if err != nil {
		cancel()
		return errors.Wrap(err, "subscribe transcript feed")
	}
	go func() {
		defer cancel()
		log.Debug().Str("component", "transcript").Str("topic", topic).Uint64("generation", gen).Msg("transcript feed attached")
		for ev := range ch {
			s.Append(gen, ev)
		}
		log.Debug().Str("component", "transcript").Str("topic", topic).Uint64("generation", gen).Msg("transcript feed detached")
	}()
	return nil
}

// Detach stops the current feed, if any.
func (s *Stream) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
}

func (s *Stream) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Stream) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Subscribe registers fn for every change of the sequence.
func (s *Stream) Subscribe(fn func(Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Stream) snapshotLocked() Snapshot {
	return Snapshot{
		Generation: s.generation,
		Revision:   s.revision,
		Messages:   append([]Message(nil), s.messages...),
	}
}

func (s *Stream) unlockAndNotify(snap Snapshot) {
	ticket := s.ticket
	s.ticket++
	s.mu.Unlock()

	s.notifyMu.Lock()
	for s.served != ticket {
		s.notifyCond.Wait()
	}
	s.notifyMu.Unlock()
	defer func() {
		s.notifyMu.Lock()
		s.served++
		s.notifyCond.Broadcast()
		s.notifyMu.Unlock()
	}()

	s.listenersMu.Lock()
	ls := append([]listener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, l := range ls {
		l.fn(snap)
	}
}
