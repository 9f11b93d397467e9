package agentserver

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ClientUsage is the accounting of one client connection.
type ClientUsage struct {
	Remote      string
	ConnectedAt time.Time
	Duration    time.Duration
	FramesIn    int
	FramesOut   int
	Malformed   int
}

// UsageSummary aggregates usage over every client seen by the server,
// including the ones still connected.
type UsageSummary struct {
	Clients       int
	Connected     int
	FramesIn      int
	FramesOut     int
	Malformed     int
	TotalDuration time.Duration
}

func (s UsageSummary) MarshalZerologObject(e *zerolog.Event) {
	e.Int("clients", s.Clients).
		Int("connected", s.Connected).
		Int("frames_in", s.FramesIn).
		Int("frames_out", s.FramesOut).
		Int("malformed", s.Malformed).
		Dur("total_duration", s.TotalDuration)
}

type clientToken struct {
	u *ClientUsage
}

// UsageCollector counts frames and connection time per client.
type UsageCollector struct {
	now func() time.Time

	mu       sync.Mutex
	live     map[*clientToken]struct{}
	finished UsageSummary
}

func NewUsageCollector(now func() time.Time) *UsageCollector {
	if now == nil {
		now = time.Now
	}
	return &UsageCollector{now: now, live: map[*clientToken]struct{}{}}
}

func (c *UsageCollector) open(remote string) *clientToken {
	t := &clientToken{u: &ClientUsage{Remote: remote, ConnectedAt: c.now()}}
	c.mu.Lock()
	c.live[t] = struct{}{}
	c.mu.Unlock()
	return t
}

func (c *UsageCollector) frameIn(t *clientToken) {
	c.mu.Lock()
	t.u.FramesIn++
	c.mu.Unlock()
}

func (c *UsageCollector) frameOut(t *clientToken) {
	c.mu.Lock()
	t.u.FramesOut++
	c.mu.Unlock()
}

func (c *UsageCollector) malformed(t *clientToken) {
	c.mu.Lock()
	t.u.Malformed++
	c.mu.Unlock()
}

// finish closes the client's accounting and returns its final usage.
func (c *UsageCollector) finish(t *clientToken) ClientUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[t]; !ok {
		return *t.u
	}
	delete(c.live, t)
	t.u.Duration = c.now().Sub(t.u.ConnectedAt)
	c.finished.Clients++
	c.finished.FramesIn += t.u.FramesIn
	c.finished.FramesOut += t.u.FramesOut
	c.finished.Malformed += t.u.Malformed
	c.finished.TotalDuration += t.u.Duration
	return *t.u
}

func (c *UsageCollector) Summary() UsageSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.finished
	now := c.now()
	for t := range c.live {
		s.Clients++
		s.Connected++
		s.FramesIn += t.u.FramesIn
		s.FramesOut += t.u.FramesOut
		s.Malformed += t.u.Malformed
		s.TotalDuration += now.Sub(t.u.ConnectedAt)
	}
	return s
}
