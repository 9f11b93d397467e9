package agentserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/voicechat/pkg/transport/ws"
)

// Server is a demo agent endpoint: it greets every client and answers each
// chat frame.
type Server struct {
	upgrader   websocket.Upgrader
	pool       *ConnectionPool
	greeting   string
	replyDelay time.Duration
	reply      func(string) string
	now        func() time.Time
	usage      *UsageCollector
}

type Option func(*Server)

func WithGreeting(g string) Option {
	return func(s *Server) { s.greeting = g }
}

func WithReplyDelay(d time.Duration) Option {
	return func(s *Server) { s.replyDelay = d }
}

// WithReply replaces the reply function. An empty reply sends nothing.
func WithReply(f func(string) string) Option {
	return func(s *Server) {
		if f != nil {
			s.reply = f
		}
	}
}

// WithUsageCollector replaces the per-client usage accounting.
func WithUsageCollector(c *UsageCollector) Option {
	return func(s *Server) {
		if c != nil {
			s.usage = c
		}
	}
}

// WithIdleTimeout logs once no client has been connected for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.pool.idleTimeout = d
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		greeting: "Hi! I'm listening. Type a message to chat.",
		reply:    EchoReply,
		now:      time.Now,
	}
	s.pool = NewConnectionPool("agent", 0, func() {
		log.Info().Str("component", "agentserver").Msg("no clients connected")
	})
	for _, opt := range opts {
		opt(s)
	}
	if s.usage == nil {
		s.usage = NewUsageCollector(s.now)
	}
	return s
}

// EchoReply answers with the user's words.
func EchoReply(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return fmt.Sprintf("You said: %s", text)
}

func (s *Server) Pool() *ConnectionPool { return s.pool }

func (s *Server) Usage() UsageSummary { return s.usage.Summary() }

// Handler serves the websocket endpoint on /ws and a health probe on /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "agentserver").Msg("websocket upgrade failed")
		return
	}
	s.pool.Add(conn)
	defer s.pool.Remove(conn)

	l := log.With().Str("component", "agentserver").Str("remote", r.RemoteAddr).Logger()
	l.Info().Int("clients", s.pool.Count()).Msg("client connected")

	tok := s.usage.open(r.RemoteAddr)
	defer func() {
		u := s.usage.finish(tok)
		l.Info().
			Int("frames_in", u.FramesIn).
			Int("frames_out", u.FramesOut).
			Int("malformed", u.Malformed).
			Dur("duration", u.Duration).
			Msg("client usage")
	}()

	if s.greeting != "" {
		s.send(conn, tok, s.greeting)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Warn().Err(err).Msg("client connection dropped")
			} else {
				l.Info().Msg("client disconnected")
			}
			return
		}
		s.usage.frameIn(tok)
		f, err := ws.DecodeFrame(data)
		if err != nil {
			s.usage.malformed(tok)
			s.sendFrame(conn, tok, ws.Frame{Type: ws.FrameError, Text: "malformed frame"})
			continue
		}
		if f.Type != ws.FrameMessage {
			continue
		}
		answer := s.reply(f.Text)
		if answer == "" {
			continue
		}
		if s.replyDelay > 0 {
			select {
			case <-time.After(s.replyDelay):
			case <-ctx.Done():
				return
			}
		}
		s.send(conn, tok, answer)
	}
}

func (s *Server) send(conn Conn, tok *clientToken, text string) {
	s.sendFrame(conn, tok, ws.Frame{Type: ws.FrameMessage, Text: text, Timestamp: s.now()})
}

func (s *Server) sendFrame(conn Conn, tok *clientToken, f ws.Frame) {
	b, err := ws.EncodeFrame(f)
	if err != nil {
		log.Error().Err(err).Str("component", "agentserver").Msg("could not encode frame")
		return
	}
	if s.pool.SendToOne(conn, b) {
		s.usage.frameOut(tok)
	}
}

// Close disconnects every client and logs the usage summary.
func (s *Server) Close() {
	s.pool.CloseAll()
	log.Info().Str("component", "agentserver").EmbedObject(s.usage.Summary()).Msg("usage summary")
}
