package damage

import "errors"

// ErrQueueFull is returned when a new key arrives at a full queue.
var ErrQueueFull = errors.New("sync queue full")

// Queue is the bounded set of clients pending sync this cycle. Enqueueing
// a key that is already queued is a no-op. Drain returns keys in first
// enqueue order.
type Queue[K comparable] struct {
	keys   []K
	queued map[K]struct{}
	limit  int
}

// NewQueue creates a queue holding at most limit distinct keys.
func NewQueue[K comparable](limit int) *Queue[K] {
	return &Queue[K]{
		keys:   make([]K, 0, limit),
		queued: make(map[K]struct{}, limit),
		limit:  limit,
	}
}

// Enqueue adds k once per cycle.
func (q *Queue[K]) Enqueue(k K) error {
	if _, ok := q.queued[k]; ok {
		return nil
	}
	if len(q.keys) >= q.limit {
		return ErrQueueFull
	}
	q.queued[k] = struct{}{}
	q.keys = append(q.keys, k)
	return nil
}

// Remove drops k, used when a client disconnects before service.
func (q *Queue[K]) Remove(k K) {
	if _, ok := q.queued[k]; !ok {
		return
	}
	delete(q.queued, k)
	for i, key := range q.keys {
		if key == k {
			q.keys = append(q.keys[:i], q.keys[i+1:]...)
			return
		}
	}
}

// Len returns the number of queued keys.
func (q *Queue[K]) Len() int { return len(q.keys) }

// Drain returns the queued keys and empties the queue.
func (q *Queue[K]) Drain() []K {
	if len(q.keys) == 0 {
		return nil
	}
	out := q.keys
	q.keys = make([]K, 0, q.limit)
	clear(q.queued)
	return out
}
