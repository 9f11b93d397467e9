package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/voicechat/pkg/session"
	"github.com/go-go-golems/voicechat/pkg/transcript"
)

// ErrCapabilityDisabled is returned when an intent targets a control that the
// configuration disables.
var ErrCapabilityDisabled = errors.New("control disabled by configuration")

// Intent is a user action emitted by the control surface.
type Intent string

const (
	IntentToggleChat Intent = "toggleChat"
	IntentRestart    Intent = "requestRestart"
	IntentLeave      Intent = "requestLeave"
)

// TranscriptUpdate is delivered on every change of the message sequence
// together with the scroll decision taken for it.
type TranscriptUpdate struct {
	Snapshot       transcript.Snapshot
	ScrollToBottom bool
}

// View is a consistent snapshot for pull-on-notify consumers.
type View struct {
	Session      session.Session
	Transcript   transcript.Snapshot
	ChatOpen     bool
	Capabilities CapabilitySet
}

// Orchestrator composes the session lifecycle, the transcript stream, the
// scroll controller and the connection timeout, and sequences restarts.
type Orchestrator struct {
	cfg       Config
	caps      CapabilitySet
	transport session.Transport
	source    transcript.Source
	topicFor  func(sessionID string) string
	baseCtx   context.Context
	wait      func(ctx context.Context, d time.Duration) error
	afterFunc session.AfterFunc

	mgr     *session.Manager
	stream  *transcript.Stream
	scroll  *transcript.ScrollController
	monitor *session.TimeoutMonitor

	restartMu sync.Mutex

	mu                 sync.Mutex
	chatOpen           bool
	buffering          bool
	pending            []string
	chatListeners      []func(bool)
	transcriptHandlers []func(TranscriptUpdate)
	unsubscribe        []func()
}

type Option func(*Orchestrator)

// WithSource wires the push-based message feed. Each active generation
// subscribes to topicFor(sessionID); nil topicFor uses transcript.TopicForSession.
func WithSource(src transcript.Source, topicFor func(string) string) Option {
	return func(o *Orchestrator) {
		o.source = src
		if topicFor != nil {
			o.topicFor = topicFor
		}
	}
}

func WithBaseContext(ctx context.Context) Option {
	return func(o *Orchestrator) {
		if ctx != nil {
			o.baseCtx = ctx
		}
	}
}

// WithWait replaces the restart grace delay implementation.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if wait != nil {
			o.wait = wait
		}
	}
}

// WithTimerFactory replaces the timer used by the connection timeout.
func WithTimerFactory(f session.AfterFunc) Option {
	return func(o *Orchestrator) {
		o.afterFunc = f
	}
}

func New(transport session.Transport, cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:       cfg,
		caps:      ComputeCapabilities(cfg),
		transport: transport,
		topicFor:  transcript.TopicForSession,
		baseCtx:   context.Background(),
		wait:      sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}

	mgr, err := session.NewManager(transport)
	if err != nil {
		return nil, err
	}
	o.mgr = mgr
	o.stream = transcript.NewStream()
	o.scroll = transcript.NewScrollController(nil)
	var monitorOpts []session.TimeoutOption
	if o.afterFunc != nil {
		monitorOpts = append(monitorOpts, session.WithAfterFunc(o.afterFunc))
	}
	o.monitor = session.NewTimeoutMonitor(o.handleTimeout, monitorOpts...)

	o.unsubscribe = append(o.unsubscribe,
		o.mgr.Subscribe(o.onTransition),
		o.stream.Subscribe(o.onTranscript),
	)
	return o, nil
}

func (o *Orchestrator) Config() Config { return o.cfg }

func (o *Orchestrator) Capabilities() CapabilitySet { return o.caps }

func (o *Orchestrator) Session() session.Session { return o.mgr.Snapshot() }

func (o *Orchestrator) Messages() []transcript.Message { return o.stream.Messages() }

// StartSession starts a new session through the lifecycle manager.
func (o *Orchestrator) StartSession(ctx context.Context) (session.Session, error) {
	return o.mgr.StartSession(ctx)
}

// EndSession ends the current session; it is a no-op while idle.
func (o *Orchestrator) EndSession(ctx context.Context) error {
	return o.mgr.EndSession(ctx)
}

// RestartSession ends the current session, waits for full settlement plus the
// configured grace delay, then starts a new one. A failed teardown aborts the
// restart before any start is attempted. Concurrent restarts run one after
// another.
func (o *Orchestrator) RestartSession(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o.restartMu.Lock()
	defer o.restartMu.Unlock()

	log.Info().Str("component", "orchestrator").Uint64("generation", o.mgr.Generation()).Msg("restarting session")
	if err := o.mgr.EndSession(ctx); err != nil {
		return errors.Wrap(err, "restart: end session")
	}
	if err := o.wait(ctx, o.cfg.RestartDelay()); err != nil {
		return errors.Wrap(err, "restart: grace delay")
	}
	if _, err := o.mgr.StartSession(ctx); err != nil {
		return errors.Wrap(err, "restart: start session")
	}
	return nil
}

// RequestRestart runs RestartSession in the background. Failures are reported
// through the lifecycle transitions and logged.
func (o *Orchestrator) RequestRestart() {
	go func() {
		if err := o.RestartSession(o.baseCtx); err != nil {
			log.Error().Err(err).Str("component", "orchestrator").Msg("restart failed")
		}
	}()
}

// RequestLeave ends the session in the background.
func (o *Orchestrator) RequestLeave() {
	go func() {
		if err := o.mgr.EndSession(o.baseCtx); err != nil {
			log.Error().Err(err).Str("component", "orchestrator").Msg("leave failed")
		}
	}()
}

// HandleIntent dispatches a user intent from the control surface.
func (o *Orchestrator) HandleIntent(intent Intent) error {
	switch intent {
	case IntentToggleChat:
		if !o.caps.Chat {
			return errors.Wrap(ErrCapabilityDisabled, string(ControlChat))
		}
		o.ToggleChat()
		return nil
	case IntentRestart:
		o.RequestRestart()
		return nil
	case IntentLeave:
		if !o.caps.Leave {
			return errors.Wrap(ErrCapabilityDisabled, string(ControlLeave))
		}
		o.RequestLeave()
		return nil
	default:
		return errors.Errorf("unknown intent %q", intent)
	}
}

// ToggleChat flips chat visibility and returns the new value.
func (o *Orchestrator) ToggleChat() bool {
	o.mu.Lock()
	o.chatOpen = !o.chatOpen
	open := o.chatOpen
	ls := append([]func(bool){}, o.chatListeners...)
	o.mu.Unlock()
	for _, fn := range ls {
		fn(open)
	}
	return open
}

func (o *Orchestrator) ChatOpen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chatOpen
}

// SendChat forwards local chat input to the transport. With the pre-connect
// buffer enabled, input typed while connecting is queued and flushed in order
// once the session is active.
func (o *Orchestrator) SendChat(ctx context.Context, text string) error {
	if !o.caps.Chat {
		return errors.Wrap(ErrCapabilityDisabled, string(ControlChat))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	sender, ok := o.transport.(session.Sender)
	if !ok {
		return errors.New("transport does not accept chat input")
	}

	o.mu.Lock()
	if o.buffering {
		o.pending = append(o.pending, text)
		n := len(o.pending)
		o.mu.Unlock()
		log.Debug().Str("component", "orchestrator").Int("pending", n).Msg("buffered chat input until session is active")
		return nil
	}
	o.mu.Unlock()

	h, _, ok := o.mgr.ActiveHandle()
	if !ok {
		return errors.Wrapf(session.ErrInvalidState, "send chat while %s", o.mgr.State())
	}
	return errors.Wrap(sender.Send(ctx, h, text), "send chat")
}

// OnSessionChange subscribes to lifecycle transitions.
func (o *Orchestrator) OnSessionChange(fn func(session.Transition)) func() {
	return o.mgr.Subscribe(fn)
}

// OnTranscriptChange subscribes to message-sequence changes.
func (o *Orchestrator) OnTranscriptChange(fn func(TranscriptUpdate)) func() {
	if fn == nil {
		return func() {}
	}
	o.mu.Lock()
	o.transcriptHandlers = append(o.transcriptHandlers, fn)
	idx := len(o.transcriptHandlers) - 1
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if idx < len(o.transcriptHandlers) {
			o.transcriptHandlers[idx] = nil
		}
	}
}

// OnChatVisibility subscribes to chat visibility toggles.
func (o *Orchestrator) OnChatVisibility(fn func(bool)) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.chatListeners = append(o.chatListeners, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) View() View {
	o.mu.Lock()
	open := o.chatOpen
	o.mu.Unlock()
	return View{
		Session:      o.mgr.Snapshot(),
		Transcript:   o.stream.Snapshot(),
		ChatOpen:     open,
		Capabilities: o.caps,
	}
}

// Close ends the session and releases subscriptions and timers.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.mgr.EndSession(ctx)
	o.monitor.Disarm()
	o.stream.Detach()
	o.mu.Lock()
	unsub := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()
	for _, u := range unsub {
		u()
	}
	return err
}

func (o *Orchestrator) onTransition(t session.Transition) {
	l := log.With().
		Str("component", "orchestrator").
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Uint64("generation", t.Generation).
		Logger()

	if t.From == session.StateActive {
		o.monitor.Disarm()
		o.stream.Detach()
	}

	switch t.To {
	case session.StateStarting:
		if o.caps.PreConnectBuffer {
			o.mu.Lock()
			o.buffering = true
			o.mu.Unlock()
		}
	case session.StateActive:
		o.stream.Reset(t.Generation)
		if o.source != nil {
			if err := o.stream.Attach(o.baseCtx, t.Generation, o.source, o.topicFor(t.SessionID)); err != nil {
				l.Error().Err(err).Msg("could not attach transcript feed")
			}
		}
		if o.cfg.ConnectionTimeoutMs > 0 {
			if err := o.monitor.Arm(t.Generation, int64(o.cfg.ConnectionTimeoutMs)); err != nil {
				l.Error().Err(err).Msg("could not arm connection timeout")
			}
		}
		go o.flushPending(t.Generation)
	case session.StateFailed:
		l.Warn().Err(t.Err).Msg("session failed")
	case session.StateIdle:
		o.monitor.Disarm()
		o.dropPending(l)
	}
}

func (o *Orchestrator) onTranscript(snap transcript.Snapshot) {
	scrolled := o.scroll.Observe(snap)
	o.mu.Lock()
	hs := append([]func(TranscriptUpdate){}, o.transcriptHandlers...)
	o.mu.Unlock()
	u := TranscriptUpdate{Snapshot: snap, ScrollToBottom: scrolled}
	for _, h := range hs {
		if h != nil {
			h(u)
		}
	}
}

func (o *Orchestrator) handleTimeout(gen uint64) {
	err := o.mgr.EndGeneration(o.baseCtx, gen)
	switch {
	case err == nil:
		log.Info().Str("component", "orchestrator").Uint64("generation", gen).Msg("session ended by connection timeout")
	case errors.Is(err, session.ErrStaleGeneration):
		log.Debug().Err(err).Str("component", "orchestrator").Msg("ignoring timeout of superseded session")
	default:
		log.Error().Err(err).Str("component", "orchestrator").Uint64("generation", gen).Msg("timeout could not end session")
	}
}

// flushPending sends input buffered while generation gen was starting. A
// flush that finds gen superseded leaves the queue to the newer generation.
func (o *Orchestrator) flushPending(gen uint64) {
	sender, ok := o.transport.(session.Sender)
	if !ok {
		return
	}
	for {
		h, hgen, ok := o.mgr.ActiveHandle()
		if !ok || hgen != gen {
			return
		}
		o.mu.Lock()
		if len(o.pending) == 0 {
			o.buffering = false
			o.mu.Unlock()
			return
		}
		text := o.pending[0]
		o.pending = o.pending[1:]
		o.mu.Unlock()

		if err := sender.Send(o.baseCtx, h, text); err != nil {
			if !o.mgr.IsCurrent(gen) {
				o.mu.Lock()
				o.pending = append([]string{text}, o.pending...)
				o.mu.Unlock()
				return
			}
			log.Warn().Err(err).Str("component", "orchestrator").Msg("could not flush buffered chat input")
		}
	}
}

func (o *Orchestrator) dropPending(l zerolog.Logger) {
	o.mu.Lock()
	n := len(o.pending)
	o.pending = nil
	o.buffering = false
	o.mu.Unlock()
	if n > 0 {
		l.Warn().Int("dropped", n).Msg("dropping buffered chat input")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
