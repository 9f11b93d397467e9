package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/voicechat/pkg/transcript"
)

// SeqKey is the message metadata key carrying the per-topic publish sequence.
const SeqKey = "transcript_seq"

// Source adapts a watermill subscriber into a transcript.Source. Payloads are
// JSON encoded transcript events.
type Source struct {
	subscriber message.Subscriber
	buffer     int
}

func NewSource(subscriber message.Subscriber) *Source {
	return &Source{subscriber: subscriber, buffer: 16}
}

// Subscribe consumes topic until ctx is cancelled or the subscriber closes.
// Messages stamped by a Publisher are emitted in sequence order even when the
// bus hands them over out of order; unstamped messages pass straight through.
// Undecodable messages are acknowledged and skipped.
func (s *Source) Subscribe(ctx context.Context, topic string) (<-chan transcript.Event, error) {
	if s == nil || s.subscriber == nil {
		return nil, errors.New("feed source has no subscriber")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	msgs, err := s.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	out := make(chan transcript.Event, s.buffer)
	go s.consume(ctx, topic, msgs, out)
	return out, nil
}

func (s *Source) consume(ctx context.Context, topic string, msgs <-chan *message.Message, out chan<- transcript.Event) {
	defer close(out)
	l := log.With().Str("component", "feed").Str("topic", topic).Logger()
	l.Debug().Msg("feed: started")

	emit := func(ev transcript.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	next := uint64(1)
	// held maps sequence numbers that arrived early to their event; nil marks
	// an undecodable message whose slot still has to be consumed.
	held := map[uint64]*transcript.Event{}

	for {
		select {
		case <-ctx.Done():
			l.Debug().Int("held", len(held)).Msg("feed: stopped")
			return
		case msg, ok := <-msgs:
			if !ok {
				l.Debug().Msg("feed: subscriber closed")
				return
			}
			// Ack on receipt: a blocking publisher waits for it, and later
			// sequence numbers may be held back here.
			msg.Ack()
			ev, err := DecodeEvent(msg.Payload)
			if err != nil {
				l.Warn().Err(err).Str("message_id", msg.UUID).Msg("feed: failed to decode event")
			}

			seq, sequenced := messageSeq(msg)
			if !sequenced {
				if err == nil && !emit(ev) {
					return
				}
				continue
			}
			if seq < next {
				l.Debug().Uint64("seq", seq).Msg("feed: dropping redelivered event")
				continue
			}
			if err != nil {
				held[seq] = nil
			} else {
				held[seq] = &ev
			}
			for {
				e, ok := held[next]
				if !ok {
					break
				}
				delete(held, next)
				next++
				if e != nil && !emit(*e) {
					return
				}
			}
		}
	}
}

func messageSeq(msg *message.Message) (uint64, bool) {
	v := msg.Metadata.Get(SeqKey)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

// Publisher publishes transcript events stamped with a per-topic sequence
// starting at 1.
type Publisher struct {
	pub message.Publisher

	mu  sync.Mutex
	seq map[string]uint64
}

func NewPublisher(pub message.Publisher) *Publisher {
	return &Publisher{pub: pub, seq: map[string]uint64{}}
}

// Publish encodes ev and publishes it on topic. Stamping and publishing happen
// under one lock, so sequence order is publish order.
func (p *Publisher) Publish(topic string, ev transcript.Event) error {
	if p == nil || p.pub == nil {
		return errors.New("feed publisher is nil")
	}
	b, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq[topic]++
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set(SeqKey, strconv.FormatUint(p.seq[topic], 10))
	return errors.Wrapf(p.pub.Publish(topic, msg), "publish %s", topic)
}

// Forget drops the sequence counter of a topic that will not be published to
// again.
func (p *Publisher) Forget(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seq, topic)
}

func EncodeEvent(ev transcript.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	return b, errors.Wrap(err, "encode transcript event")
}

func DecodeEvent(b []byte) (transcript.Event, error) {
	var ev transcript.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, errors.Wrap(err, "decode transcript event")
	}
	switch ev.Provenance {
	case transcript.ProvenanceLocal, transcript.ProvenanceRemote:
	case "":
		ev.Provenance = transcript.ProvenanceRemote
	default:
		return ev, errors.Errorf("unknown provenance %q", ev.Provenance)
	}
	return ev, nil
}
