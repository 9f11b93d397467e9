package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type endOp struct {
	done chan struct{}
	err  error
}

type subscriber struct {
	id int
	fn func(Transition)
}

// Manager owns the single Session value and is the only component allowed to
// mutate it. Start and end negotiate with the Transport outside the state lock;
// subscribers are notified in transition order.
//
// Subscribers may read manager state but must not call StartSession or
// EndSession synchronously from their callback.
type Manager struct {
	transport Transport
	now       func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	handle     Handle
	startedAt  time.Time
	lastErr    error
	startDone  chan struct{}
	abortStart bool
	ending     *endOp
	ticket     uint64

	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	served     uint64

	subsMu  sync.Mutex
	subs    []subscriber
	nextSub int
}

type ManagerOption func(*Manager)

// WithNow overrides the clock used for transition timestamps.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(transport Transport, opts ...ManagerOption) (*Manager, error) {
	if transport == nil {
		return nil, errors.New("session manager transport is nil")
	}
	m := &Manager{
		transport: transport,
		now:       time.Now,
		state:     StateIdle,
	}
	m.notifyCond = sync.NewCond(&m.notifyMu)
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// StartSession negotiates a new connection. It is only valid from StateIdle or
// StateFailed; any other state is rejected with ErrInvalidState.
func (m *Manager) StartSession(ctx context.Context) (Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateFailed {
		s := m.state
		m.mu.Unlock()
		return Session{}, invalidState("start", s)
	}
	done := make(chan struct{})
	m.startDone = done
	m.abortStart = false
	m.handle = nil
	ev := m.transitionLocked(StateStarting, nil)
	m.unlockAndNotify(ev)

	h, err := m.transport.Connect(ctx)

	m.mu.Lock()
	m.startDone = nil
	if m.abortStart {
		// EndSession owns the teardown from here on.
		if err == nil {
			m.handle = h
		}
		close(done)
		m.mu.Unlock()
		if err != nil {
			return Session{}, errors.Wrap(ErrStartAborted, err.Error())
		}
		return Session{}, ErrStartAborted
	}
	if err != nil {
		cerr := &ConnectionError{Cause: err}
		m.lastErr = cerr
		failed := m.transitionLocked(StateFailed, cerr)
		idle := m.transitionLocked(StateIdle, nil)
		close(done)
		m.unlockAndNotify(failed, idle)
		log.Warn().Err(err).Str("component", "session").Msg("session start failed")
		return Session{}, cerr
	}
	if h == nil {
		// A transport returning neither handle nor error is treated as a failed connect.
		cerr := &ConnectionError{Cause: errors.New("transport returned nil handle")}
		m.lastErr = cerr
		failed := m.transitionLocked(StateFailed, cerr)
		idle := m.transitionLocked(StateIdle, nil)
		close(done)
		m.unlockAndNotify(failed, idle)
		return Session{}, cerr
	}
	m.generation++
	m.handle = h
	m.startedAt = m.now()
	m.lastErr = nil
	active := m.transitionLocked(StateActive, nil)
	snap := m.snapshotLocked()
	close(done)
	m.unlockAndNotify(active)
	if w, ok := h.(Watched); ok {
		go m.watch(snap.Generation, w)
	}
	log.Info().
		Str("component", "session").
		Str("session_id", snap.ID).
		Uint64("generation", snap.Generation).
		Msg("session active")
	return snap, nil
}

// EndSession tears the session down. Calling it while idle resolves
// immediately; calling it while another end is in flight waits for that end
// and returns its outcome. An end issued while Starting waits for the
// in-flight connect and releases whatever it produced.
func (m *Manager) EndSession(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateFailed:
		m.mu.Unlock()
		return nil
	case StateEnding:
		op := m.ending
		m.mu.Unlock()
		select {
		case <-op.done:
			return op.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return m.endLocked(ctx)
}

// EndGeneration ends the session only if gen is still the active generation.
// Effects scheduled under a superseded generation get ErrStaleGeneration and
// leave the current session untouched.
func (m *Manager) EndGeneration(ctx context.Context, gen uint64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.state != StateActive || m.generation != gen {
		cur := m.generation
		m.mu.Unlock()
		return errors.Wrapf(ErrStaleGeneration, "end generation %d (current %d)", gen, cur)
	}
	return m.endLocked(ctx)
}

// FailGeneration reports that the connection of generation gen was lost. The
// session goes Active -> Failed -> Idle with a *ConnectionError and the handle
// is released. A superseded gen gets ErrStaleGeneration.
func (m *Manager) FailGeneration(ctx context.Context, gen uint64, cause error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cause == nil {
		cause = errors.New("connection lost")
	}
	m.mu.Lock()
	if m.state != StateActive || m.generation != gen {
		cur := m.generation
		m.mu.Unlock()
		return errors.Wrapf(ErrStaleGeneration, "fail generation %d (current %d)", gen, cur)
	}
	h := m.handle
	cerr := &ConnectionError{Cause: cause}
	m.lastErr = cerr
	failed := m.transitionLocked(StateFailed, cerr)
	m.handle = nil
	idle := m.transitionLocked(StateIdle, nil)
	m.unlockAndNotify(failed, idle)
	log.Warn().Err(cause).Str("component", "session").Uint64("generation", gen).Msg("session connection lost")

	if h != nil {
		if err := m.transport.Disconnect(ctx, h); err != nil {
			log.Debug().Err(err).Str("component", "session").Msg("releasing lost connection")
		}
	}
	return nil
}

func (m *Manager) watch(gen uint64, w Watched) {
	<-w.Done()
	err := m.FailGeneration(context.Background(), gen, w.Err())
	if err != nil && !errors.Is(err, ErrStaleGeneration) {
		log.Error().Err(err).Str("component", "session").Msg("could not fail lost session")
	}
}

// endLocked is entered with m.mu held while Active or Starting. If ctx ends
// while an in-flight connect is awaited, the teardown finishes in the
// background once the connect returns.
func (m *Manager) endLocked(ctx context.Context) error {
	op := &endOp{done: make(chan struct{})}
	m.ending = op
	var startDone chan struct{}
	if m.state == StateStarting {
		m.abortStart = true
		startDone = m.startDone
	}
	ev := m.transitionLocked(StateEnding, nil)
	m.unlockAndNotify(ev)

	if startDone != nil {
		select {
		case <-startDone:
		case <-ctx.Done():
			go func() {
				<-startDone
				_ = m.finishEnd(context.Background(), op)
			}()
			return errors.Wrap(ctx.Err(), "waiting for in-flight start")
		}
	}
	return m.finishEnd(ctx, op)
}

func (m *Manager) finishEnd(ctx context.Context, op *endOp) error {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()

	var derr error
	if h != nil {
		derr = m.transport.Disconnect(ctx, h)
	}

	m.mu.Lock()
	var evs []Transition
	if derr != nil {
		e := &DisconnectionError{Cause: derr}
		m.lastErr = e
		op.err = e
		evs = append(evs, m.transitionLocked(StateFailed, e))
	}
	evs = append(evs, m.transitionLocked(StateIdle, nil))
	m.handle = nil
	m.ending = nil
	close(op.done)
	m.unlockAndNotify(evs...)

	if derr != nil {
		log.Warn().Err(derr).Str("component", "session").Msg("session end failed")
	} else {
		log.Info().Str("component", "session").Msg("session ended")
	}
	return op.err
}

// Snapshot returns the current session state.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// IsCurrent reports whether gen is the generation of the session that is
// active right now. Scheduled effects check it before acting.
func (m *Manager) IsCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActive && m.generation == gen
}

// ActiveHandle returns the connection handle while the session is active.
func (m *Manager) ActiveHandle() (Handle, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive || m.handle == nil {
		return nil, 0, false
	}
	return m.handle, m.generation, true
}

// Subscribe registers fn for every subsequent transition. The returned
// function removes the subscription.
func (m *Manager) Subscribe(fn func(Transition)) func() {
	if fn == nil {
		return func() {}
	}
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.subsMu.Unlock()
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) snapshotLocked() Session {
	s := Session{
		State:      m.state,
		Generation: m.generation,
		StartedAt:  m.startedAt,
		LastError:  m.lastErr,
	}
	if m.handle != nil {
		s.ID = m.handle.ID()
	}
	return s
}

func (m *Manager) transitionLocked(to State, err error) Transition {
	from := m.state
	m.state = to
	t := Transition{
		From:       from,
		To:         to,
		Generation: m.generation,
		Err:        err,
		At:         m.now(),
	}
	if m.handle != nil {
		t.SessionID = m.handle.ID()
	}
	return t
}

// unlockAndNotify releases m.mu and delivers evs. Each call takes a ticket
// while still holding m.mu and waits for its turn, so deliveries from
// concurrent transitions keep transition order while subscribers remain free
// to read manager state.
func (m *Manager) unlockAndNotify(evs ...Transition) {
	ticket := m.ticket
	m.ticket++
	m.mu.Unlock()

	m.notifyMu.Lock()
	for m.served != ticket {
		m.notifyCond.Wait()
	}
	m.notifyMu.Unlock()

	defer func() {
		m.notifyMu.Lock()
		m.served++
		m.notifyCond.Broadcast()
		m.notifyMu.Unlock()
	}()

	m.subsMu.Lock()
	subs := append([]subscriber(nil), m.subs...)
	m.subsMu.Unlock()

	for _, ev := range evs {
		log.Debug().
			Str("component", "session").
			Str("from", ev.From.String()).
			Str("to", ev.To.String()).
			Uint64("generation", ev.Generation).
			Msg("session transition")
		for _, s := range subs {
			s.fn(ev)
		}
	}
}
