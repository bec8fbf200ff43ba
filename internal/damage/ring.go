// Package damage accumulates per-client damage rectangles and copies them
// to the display.
//
// Each client owns a fixed-capacity ring of rectangles. When the ring is
// full, the last slot becomes a running union that absorbs every further
// rectangle, so damage is never lost, only merged coarser. Clients with
// pending damage are queued once per cycle; the queue is idempotent.
package damage

import "github.com/chronologos/spr16/internal/protocol"

// RingCapacity is the number of rectangles a client can hold before the
// last slot starts merging.
const RingCapacity = 8

// Rect is a damaged region with exclusive max bounds.
type Rect struct {
	Xmin, Ymin, Xmax, Ymax int
}

// Empty reports whether r covers no pixels.
func (r Rect) Empty() bool {
	return r.Xmax <= r.Xmin || r.Ymax <= r.Ymin
}

// Union returns the smallest rectangle covering r and o.
func (r Rect) Union(o Rect) Rect {
	return Rect{
		Xmin: min(r.Xmin, o.Xmin),
		Ymin: min(r.Ymin, o.Ymin),
		Xmax: max(r.Xmax, o.Xmax),
		Ymax: max(r.Ymax, o.Ymax),
	}
}

// Contains reports whether o lies entirely within r.
func (r Rect) Contains(o Rect) bool {
	return o.Xmin >= r.Xmin && o.Ymin >= r.Ymin && o.Xmax <= r.Xmax && o.Ymax <= r.Ymax
}

// Ring holds up to RingCapacity rectangles in arrival order.
type Ring struct {
	rects [RingCapacity]Rect
	n     int
}

// Add appends r. Once the ring is full every further rectangle is merged
// into the last slot.
func (g *Ring) Add(r Rect) {
	if g.n < RingCapacity {
		g.rects[g.n] = r
		g.n++
		return
	}
	last := &g.rects[RingCapacity-1]
	*last = last.Union(r)
}

// Rects returns the accumulated rectangles. The slice aliases the ring and
// is valid until the next Add or Reset.
func (g *Ring) Rects() []Rect {
	return g.rects[:g.n]
}

// Len returns the number of occupied slots.
func (g *Ring) Len() int { return g.n }

// Reset empties the ring.
func (g *Ring) Reset() { g.n = 0 }

// Tracker is the damage and sync-request state of one client.
type Tracker struct {
	ring  Ring
	flags protocol.SyncFlags
}

// Accumulate records a damaged rectangle. Empty rectangles are ignored.
func (t *Tracker) Accumulate(r Rect) {
	if r.Empty() {
		return
	}
	t.ring.Add(r)
}

// FlagSync records requested sync semantics. Flags requested before the
// next service combine.
func (t *Tracker) FlagSync(flags protocol.SyncFlags) {
	t.flags |= flags
}

// Flags returns the sync semantics requested since the last Take.
func (t *Tracker) Flags() protocol.SyncFlags { return t.flags }

// Pending reports whether any sync has been requested.
func (t *Tracker) Pending() bool { return t.flags != 0 }

// Take returns a copy of the accumulated damage and the requested flags,
// then clears both.
func (t *Tracker) Take() ([]Rect, protocol.SyncFlags) {
	rects := append([]Rect(nil), t.ring.Rects()...)
	flags := t.flags
	t.ring.Reset()
	t.flags = 0
	return rects, flags
}

// Discard drops accumulated damage and flags without copying.
func (t *Tracker) Discard() {
	t.ring.Reset()
	t.flags = 0
}
