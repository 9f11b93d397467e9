package transcript

import "sync"

// ScrollController decides, once per change of the message sequence, whether
// the transcript view must jump to its newest entry. Only the user's own
// messages force a scroll so that a reader's position survives remote output.
type ScrollController struct {
	onScroll func(Message)

	mu        sync.Mutex
	seen      bool
	lastGen   uint64
	lastRev   uint64
	newestID  string
	newestGen uint64
}

func NewScrollController(onScroll func(Message)) *ScrollController {
	return &ScrollController{onScroll: onScroll}
}

// Observe evaluates snap and reports whether a scroll-to-bottom was issued.
// Snapshots that were already evaluated, or that belong to an older generation
// or revision than the last one observed, are ignored.
func (c *ScrollController) Observe(snap Snapshot) bool {
	c.mu.Lock()
	if c.seen {
		if snap.Generation < c.lastGen {
			c.mu.Unlock()
			return false
		}
		if snap.Generation == c.lastGen && snap.Revision <= c.lastRev {
			c.mu.Unlock()
			return false
		}
	}
	c.seen = true
	c.lastGen = snap.Generation
	c.lastRev = snap.Revision

	newest, ok := snap.Newest()
	if !ok {
		c.newestID = ""
		c.mu.Unlock()
		return false
	}
	changed := newest.ID != c.newestID || newest.Generation != c.newestGen
	c.newestID = newest.ID
	c.newestGen = newest.Generation
	if !changed || !newest.IsLocal() {
		c.mu.Unlock()
		return false
	}
	cb := c.onScroll
	c.mu.Unlock()

	if cb != nil {
		cb(newest)
	}
	return true
}
