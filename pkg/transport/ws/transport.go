package ws

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/voicechat/pkg/feed"
	"github.com/go-go-golems/voicechat/pkg/session"
	"github.com/go-go-golems/voicechat/pkg/transcript"
)

// Transport connects sessions to an agent websocket endpoint. Frames received
// from the agent and chat sent by the user are published to the session's
// transcript topic.
type Transport struct {
	url          string
	dialer       *websocket.Dialer
	publisher    *feed.Publisher
	topicFor     func(sessionID string) string
	writeTimeout time.Duration
	now          func() time.Time

	mu    sync.Mutex
	conns map[string]*conn
}

type Option func(*Transport)

func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

func WithTopicFunc(f func(string) string) Option {
	return func(t *Transport) {
		if f != nil {
			t.topicFor = f
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.writeTimeout = d
	}
}

func NewTransport(url string, publisher message.Publisher, opts ...Option) (*Transport, error) {
	if url == "" {
		return nil, errors.Wrap(session.ErrInvalidConfiguration, "agent url is empty")
	}
	if publisher == nil {
		return nil, errors.New("transport needs a transcript publisher")
	}
	t := &Transport{
		url:          url,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		publisher:    feed.NewPublisher(publisher),
		topicFor:     transcript.TopicForSession,
		writeTimeout: 5 * time.Second,
		now:          time.Now,
		conns:        map[string]*conn{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

type conn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
	// pubMu orders transcript publishes so a local message lands before the
	// agent's reply to it.
	pubMu sync.Mutex
	done  chan struct{}
	err   error
}

func (c *conn) ID() string { return c.id }

// Done is closed once the read loop has stopped, whether the agent dropped the
// connection or Disconnect closed it.
func (c *conn) Done() <-chan struct{} { return c.done }

// Err reports why the read loop stopped. It is only meaningful after Done is
// closed.
func (c *conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *conn) write(f Frame, timeout time.Duration) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (t *Transport) Connect(ctx context.Context) (session.Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	wsConn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", t.url)
	}
	c := &conn{id: uuid.NewString(), ws: wsConn, done: make(chan struct{})}
	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()

	log.Info().Str("component", "transport").Str("session_id", c.id).Str("url", t.url).Msg("connected to agent")
	go t.readLoop(c)
	return c, nil
}

func (t *Transport) readLoop(c *conn) {
	defer close(c.done)
	l := log.With().Str("component", "transport").Str("session_id", c.id).Logger()
	topic := t.topicFor(c.id)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Warn().Err(err).Msg("agent connection dropped")
			} else {
				l.Debug().Err(err).Msg("read loop finished")
			}
			return
		}
		f, err := DecodeFrame(data)
		if err != nil {
			l.Warn().Err(err).Msg("ignoring malformed frame")
			continue
		}
		switch f.Type {
		case FrameMessage:
			ts := f.Timestamp
			if ts.IsZero() {
				ts = t.now()
			}
			ev := transcript.Event{Provenance: transcript.ProvenanceRemote, Payload: f.Text, Timestamp: ts}
			c.pubMu.Lock()
			err := t.publisher.Publish(topic, ev)
			c.pubMu.Unlock()
			if err != nil {
				l.Error().Err(err).Msg("could not publish agent message")
			}
		case FrameError:
			l.Warn().Str("error", f.Text).Msg("agent reported an error")
		default:
			l.Debug().Str("type", f.Type).Msg("ignoring frame")
		}
	}
}

func (t *Transport) lookup(h session.Handle) (*conn, bool) {
	if h == nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[h.ID()]
	return c, ok
}

// Send writes a chat frame to the agent and records it as a local message.
func (t *Transport) Send(ctx context.Context, h session.Handle, text string) error {
	c, ok := t.lookup(h)
	if !ok {
		return errors.Wrap(session.ErrInvalidState, "send on unknown connection")
	}
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	now := t.now()
	if err := c.write(Frame{Type: FrameMessage, Text: text, Timestamp: now}, t.writeTimeout); err != nil {
		return errors.Wrap(err, "write chat frame")
	}
	ev := transcript.Event{Provenance: transcript.ProvenanceLocal, Payload: text, Timestamp: now}
	return t.publisher.Publish(t.topicFor(c.id), ev)
}

// Disconnect closes the connection and waits for its read loop to finish.
// Unknown handles are already closed and return nil.
func (t *Transport) Disconnect(ctx context.Context, h session.Handle) error {
	if h == nil {
		return nil
	}
	t.mu.Lock()
	c, ok := t.conns[h.ID()]
	delete(t.conns, h.ID())
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer t.publisher.Forget(t.topicFor(c.id))

	select {
	case <-c.done:
		// agent closed first
		_ = c.ws.Close()
		return nil
	default:
	}

	c.writeMu.Lock()
	closeErr := c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(t.writeTimeout),
	)
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(t.writeTimeout):
	case <-ctx.Done():
	}
	if err := c.ws.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	<-c.done

	log.Info().Str("component", "transport").Str("session_id", c.id).Msg("disconnected from agent")
	if closeErr != nil && !errors.Is(closeErr, websocket.ErrCloseSent) {
		return errors.Wrap(closeErr, "close agent connection")
	}
	return nil
}

// Open reports the number of live agent connections.
func (t *Transport) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}
