package link

import "sync/atomic"

// Cell holds the currently active Link, if any. The listener is the only writer;
// the host command relay reads it. A Link is stored only after construction and
// removed before it is closed.
type Cell struct {
	p atomic.Pointer[Link]
}

// Load returns the active link or nil.
func (c *Cell) Load() *Link {
	return c.p.Load()
}

// Store publishes l as the active link.
func (c *Cell) Store(l *Link) {
	c.p.Store(l)
}

// Clear removes l if it is still the active link.
func (c *Cell) Clear(l *Link) bool {
	return c.p.CompareAndSwap(l, nil)
}

// Swap replaces the active link and returns the previous one.
func (c *Cell) Swap(l *Link) *Link {
	return c.p.Swap(l)
}

// Send forwards b to the active link, or fails with ErrNoLink.
func (c *Cell) Send(b []byte) error {
	l := c.p.Load()
	if l == nil {
		return ErrNoLink
	}
	return l.Send(b)
}
