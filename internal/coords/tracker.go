package coords

import (
	"sync"
	"time"
)

// Tracker remembers the last pointer position of every target in the
// reference frame. Targets that were never moved sit at the frame centre.
type Tracker struct {
	ref Size

	mu  sync.Mutex
	pos map[string]Point
}

func NewTracker(ref Size) *Tracker {
	if !ref.Valid() {
		ref = DefaultReference
	}
	return &Tracker{ref: ref, pos: make(map[string]Point)}
}

func (t *Tracker) Reference() Size { return t.ref }

// Position returns the tracked pointer for targetID.
func (t *Tracker) Position(targetID string) Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(targetID)
}

// Move offsets the pointer by (dx, dy) and returns the previous and the new
// position. The result is clamped to the reference frame.
func (t *Tracker) Move(targetID string, dx, dy float64) (from, to Point) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from = t.get(targetID)
	to = t.clamp(Point{X: from.X + dx, Y: from.Y + dy})
	t.pos[targetID] = to
	return from, to
}

// Set places the pointer at p, clamped to the reference frame.
func (t *Tracker) Set(targetID string, p Point) Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	p = t.clamp(p)
	t.pos[targetID] = p
	return p
}

// Reset returns the pointer to the frame centre.
func (t *Tracker) Reset(targetID string) Point {
	return t.Set(targetID, t.ref.Center())
}

func (t *Tracker) Forget(targetID string) {
	t.mu.Lock()
	delete(t.pos, targetID)
	t.mu.Unlock()
}

func (t *Tracker) get(targetID string) Point {
	if p, ok := t.pos[targetID]; ok {
		return p
	}
	return t.ref.Center()
}

func (t *Tracker) clamp(p Point) Point {
	return Point{
		X: clamp(p.X, float64(t.ref.W-1)),
		Y: clamp(p.Y, float64(t.ref.H-1)),
	}
}

// DefaultViewportTTL bounds how long a measured viewport size is trusted.
const DefaultViewportTTL = 2 * time.Second

type viewportEntry struct {
	size Size
	at   time.Time
}

// ViewportCache keeps recently measured viewport sizes per target so a burst
// of pointer commands does not re-measure the page each time.
type ViewportCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]viewportEntry
}

func NewViewportCache(ttl time.Duration) *ViewportCache {
	if ttl <= 0 {
		ttl = DefaultViewportTTL
	}
	return &ViewportCache{ttl: ttl, now: time.Now, entries: make(map[string]viewportEntry)}
}

func (c *ViewportCache) Get(targetID string) (Size, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[targetID]
	if !ok || c.now().Sub(e.at) > c.ttl {
		return Size{}, false
	}
	return e.size, true
}

func (c *ViewportCache) Put(targetID string, s Size) {
	c.mu.Lock()
	c.entries[targetID] = viewportEntry{size: s, at: c.now()}
	c.mu.Unlock()
}

func (c *ViewportCache) Invalidate(targetID string) {
	c.mu.Lock()
	delete(c.entries, targetID)
	c.mu.Unlock()
}
