package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type testHandle string

func (h testHandle) ID() string { return string(h) }

// droppableHandle is a handle whose connection the test can drop.
type droppableHandle struct {
	id   string
	done chan struct{}
	err  error
}

func (h *droppableHandle) ID() string            { return h.id }
func (h *droppableHandle) Done() <-chan struct{} { return h.done }
func (h *droppableHandle) Err() error            { return h.err }

func (h *droppableHandle) drop(err error) {
	h.err = err
	close(h.done)
}

type fakeTransport struct {
	mu             sync.Mutex
	droppable      bool
	handles        []*droppableHandle
	connectErr     error
	disconnectErr  error
	connectGate    chan struct{}
	disconnectGate chan struct{}
	connects       int
	disconnects    []string
	nilHandle      bool
}

func (f *fakeTransport) Connect(ctx context.Context) (Handle, error) {
	f.mu.Lock()
	gate := f.connectGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	if f.nilHandle {
		return nil, nil
	}
	if f.droppable {
		h := &droppableHandle{id: fmt.Sprintf("s%d", f.connects), done: make(chan struct{})}
		f.handles = append(f.handles, h)
		return h, nil
	}
	return testHandle(fmt.Sprintf("s%d", f.connects)), nil
}

func (f *fakeTransport) Disconnect(ctx context.Context, h Handle) error {
	f.mu.Lock()
	gate := f.disconnectGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, h.ID())
	return f.disconnectErr
}

func (f *fakeTransport) handle(i int) *droppableHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[i]
}

func (f *fakeTransport) disconnected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnects...)
}

type recorder struct {
	mu  sync.Mutex
	evs []Transition
}

func (r *recorder) record(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, t)
}

func (r *recorder) path() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.evs {
		out = append(out, t.From.String()+">"+t.To.String())
	}
	return out
}

func (r *recorder) last() Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evs[len(r.evs)-1]
}

func newTestManager(t *testing.T, tr *fakeTransport) (*Manager, *recorder) {
	t.Helper()
	m, err := NewManager(tr)
	require.NoError(t, err)
	rec := &recorder{}
	m.Subscribe(rec.record)
	return m, rec
}

func TestNewManager_RequiresTransport(t *testing.T) {
	_, err := NewManager(nil)
	require.Error(t, err)
}

func TestManager_StartThenEnd(t *testing.T) {
	tr := &fakeTransport{}
	m, rec := newTestManager(t, tr)
	ctx := context.Background()

	s, err := m.StartSession(ctx)
	require.NoError(t, err)
	require.Equal(t, StateActive, s.State)
	require.Equal(t, uint64(1), s.Generation)
	require.Equal(t, "s1", s.ID)
	require.True(t, m.IsCurrent(1))

	h, gen, ok := m.ActiveHandle()
	require.True(t, ok)
	require.Equal(t, "s1", h.ID())
	require.Equal(t, uint64(1), gen)

	require.NoError(t, m.EndSession(ctx))
	require.Equal(t, StateIdle, m.State())
	require.False(t, m.IsCurrent(1))
	require.Equal(t, []string{"s1"}, tr.disconnected())
	require.Equal(t, []string{"idle>starting", "starting>active", "active>ending", "ending>idle"}, rec.path())
}

func TestManager_EndWhileIdleIsNoop(t *testing.T) {
	tr := &fakeTransport{}
	m, rec := newTestManager(t, tr)

	require.NoError(t, m.EndSession(context.Background()))
	require.NoError(t, m.EndSession(context.Background()))
	require.Empty(t, rec.path())
	require.Empty(t, tr.disconnected())
}

func TestManager_StartWhileActiveIsRejected(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr)
	_, err := m.StartSession(context.Background())
	require.NoError(t, err)

	_, err = m.StartSession(context.Background())
	require.True(t, errors.Is(err, ErrInvalidState))
	require.Equal(t, StateActive, m.State())
	require.Equal(t, uint64(1), m.Generation())
	require.Equal(t, 1, tr.connects)
}

func TestManager_ConnectFailureGoesThroughFailed(t *testing.T) {
	tr := &fakeTransport{connectErr: errors.New("refused")}
	m, rec := newTestManager(t, tr)

	_, err := m.StartSession(context.Background())
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	require.EqualError(t, cerr.Cause, "refused")
	require.Equal(t, StateIdle, m.State())
	require.Equal(t, uint64(0), m.Generation())
	require.Equal(t, []string{"idle>starting", "starting>failed", "failed>idle"}, rec.path())
	require.Error(t, m.Snapshot().LastError)

	tr.mu.Lock()
	tr.connectErr = nil
	tr.mu.Unlock()
	s, err := m.StartSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), s.Generation)
	require.NoError(t, s.LastError)
}

func TestManager_NilHandleIsConnectionError(t *testing.T) {
	tr := &fakeTransport{nilHandle: true}
	m, _ := newTestManager(t, tr)
	_, err := m.StartSession(context.Background())
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, StateIdle, m.State())
}

func TestManager_DisconnectFailureGoesThroughFailed(t *testing.T) {
	tr := &fakeTransport{disconnectErr: errors.New("reset by peer")}
	m, rec := newTestManager(t, tr)
	_, err := m.StartSession(context.Background())
	require.NoError(t, err)

	err = m.EndSession(context.Background())
	var derr *DisconnectionError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, StateIdle, m.State())
	require.Equal(t, []string{"idle>starting", "starting>active", "active>ending", "ending>failed", "failed>idle"}, rec.path())

	_, _, ok := m.ActiveHandle()
	require.False(t, ok)
}

func TestManager_EndDuringStartAbortsStart(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{connectGate: gate}
	m, rec := newTestManager(t, tr)
	ctx := context.Background()

	startErr := make(chan error, 1)
	go func() {
		_, err := m.StartSession(ctx)
		startErr <- err
	}()
	require.Eventually(t, func() bool { return m.State() == StateStarting }, time.Second, time.Millisecond)

	endErr := make(chan error, 1)
	go func() { endErr <- m.EndSession(ctx) }()
	require.Eventually(t, func() bool { return m.State() == StateEnding }, time.Second, time.Millisecond)

	close(gate)
	require.True(t, errors.Is(<-startErr, ErrStartAborted))
	require.NoError(t, <-endErr)

	require.Equal(t, StateIdle, m.State())
	require.Equal(t, uint64(0), m.Generation())
	require.Equal(t, []string{"s1"}, tr.disconnected())
	require.Equal(t, []string{"idle>starting", "starting>ending", "ending>idle"}, rec.path())
}

func TestManager_ConcurrentEndsShareOutcome(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{disconnectErr: errors.New("boom")}
	m, _ := newTestManager(t, tr)
	_, err := m.StartSession(context.Background())
	require.NoError(t, err)

	tr.mu.Lock()
	tr.disconnectGate = gate
	tr.mu.Unlock()

	errs := make(chan error, 2)
	go func() { errs <- m.EndSession(context.Background()) }()
	require.Eventually(t, func() bool { return m.State() == StateEnding }, time.Second, time.Millisecond)
	go func() { errs <- m.EndSession(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	close(gate)
	e1, e2 := <-errs, <-errs
	require.Error(t, e1)
	require.Equal(t, e1, e2)
	require.Len(t, tr.disconnected(), 1)
}

func TestManager_EndGenerationIgnoresStaleGenerations(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr)
	ctx := context.Background()
	_, err := m.StartSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.EndSession(ctx))
	_, err = m.StartSession(ctx)
	require.NoError(t, err)

	err = m.EndGeneration(ctx, 1)
	require.True(t, errors.Is(err, ErrStaleGeneration))
	require.Equal(t, StateActive, m.State())

	require.NoError(t, m.EndGeneration(ctx, 2))
	require.Equal(t, StateIdle, m.State())

	require.True(t, errors.Is(m.EndGeneration(ctx, 2), ErrStaleGeneration))
}

func TestManager_GenerationCountsActiveEntries(t *testing.T) {
	tr := &fakeTransport{}
	m, rec := newTestManager(t, tr)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		s, err := m.StartSession(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(i), s.Generation)
		require.Equal(t, uint64(i), rec.last().Generation)
		require.NoError(t, m.EndSession(ctx))
	}
	require.Equal(t, uint64(3), m.Generation())
}

func TestManager_SubscribersReadStateDuringNotification(t *testing.T) {
	tr := &fakeTransport{}
	m, err := NewManager(tr)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []State
	unsub := m.Subscribe(func(Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, m.State())
	})

	_, err = m.StartSession(context.Background())
	require.NoError(t, err)
	unsub()
	require.NoError(t, m.EndSession(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
}

func TestManager_EndGivesUpOnHungStart(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{connectGate: gate}
	m, rec := newTestManager(t, tr)

	startErr := make(chan error, 1)
	go func() {
		_, err := m.StartSession(context.Background())
		startErr <- err
	}()
	require.Eventually(t, func() bool { return m.State() == StateStarting }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.EndSession(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, StateEnding, m.State())

	close(gate)
	require.True(t, errors.Is(<-startErr, ErrStartAborted))
	require.Eventually(t, func() bool { return len(rec.path()) == 3 }, time.Second, time.Millisecond)
	require.Equal(t, StateIdle, m.State())
	require.Equal(t, []string{"s1"}, tr.disconnected())
	require.Equal(t, []string{"idle>starting", "starting>ending", "ending>idle"}, rec.path())
}

func TestManager_DroppedConnectionGoesThroughFailed(t *testing.T) {
	tr := &fakeTransport{droppable: true}
	m, rec := newTestManager(t, tr)
	_, err := m.StartSession(context.Background())
	require.NoError(t, err)

	cause := errors.New("connection reset by peer")
	tr.handle(0).drop(cause)

	require.Eventually(t, func() bool { return len(rec.path()) == 4 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"idle>starting", "starting>active", "active>failed", "failed>idle"}, rec.path())

	var cerr *ConnectionError
	require.ErrorAs(t, m.Snapshot().LastError, &cerr)
	require.True(t, errors.Is(cerr, cause))
	require.Eventually(t, func() bool { return len(tr.disconnected()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"s1"}, tr.disconnected())

	s, err := m.StartSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), s.Generation)
}

func TestManager_CloseAfterEndIsNotAFailure(t *testing.T) {
	tr := &fakeTransport{droppable: true}
	m, rec := newTestManager(t, tr)
	ctx := context.Background()
	_, err := m.StartSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.EndSession(ctx))

	tr.handle(0).drop(errors.New("closed"))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{"idle>starting", "starting>active", "active>ending", "ending>idle"}, rec.path())
	require.Nil(t, m.Snapshot().LastError)
}

func TestManager_FailGenerationIgnoresStaleGenerations(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr)
	ctx := context.Background()
	_, err := m.StartSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.EndSession(ctx))
	_, err = m.StartSession(ctx)
	require.NoError(t, err)

	require.True(t, errors.Is(m.FailGeneration(ctx, 1, errors.New("late")), ErrStaleGeneration))
	require.Equal(t, StateActive, m.State())
	require.Nil(t, m.Snapshot().LastError)
}
