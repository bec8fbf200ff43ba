// Package screen tracks logical screens and which client each one shows.
//
// Screens form an ordered ring; exactly one is main and receives input.
// Within a screen the head of the client list is the focused client. A
// screen holds at most one client, so every attach opens a new screen.
package screen

// Screen is one logical display surface.
type Screen[T comparable] struct {
	clients []T
}

// Focused returns the head of the client list.
func (s *Screen[T]) Focused() (T, bool) {
	var zero T
	if s == nil || len(s.clients) == 0 {
		return zero, false
	}
	return s.clients[0], true
}

// Clients returns the screen's clients, focused first.
func (s *Screen[T]) Clients() []T { return s.clients }

// Registry is the ordered set of screens. It is owned by the event loop
// and is not safe for concurrent use.
type Registry[T comparable] struct {
	screens []*Screen[T]
	main    int
}

// New returns an empty registry.
func New[T comparable]() *Registry[T] {
	return &Registry[T]{main: -1}
}

// Attach places c on a new screen. The first screen becomes main.
// Attaching a client that is already present is a no-op.
func (r *Registry[T]) Attach(c T) *Screen[T] {
	if s := r.ScreenOf(c); s != nil {
		return s
	}
	s := &Screen[T]{clients: []T{c}}
	r.screens = append(r.screens, s)
	if r.main < 0 {
		r.main = len(r.screens) - 1
	}
	return s
}

// Remove detaches c. An emptied screen is dropped; if it was main, the
// following screen becomes main. It reports whether the focused client of
// the main screen changed.
func (r *Registry[T]) Remove(c T) bool {
	before, hadFocus := r.Focused()
	for i, s := range r.screens {
		j := indexOf(s.clients, c)
		if j < 0 {
			continue
		}
		s.clients = append(s.clients[:j], s.clients[j+1:]...)
		if len(s.clients) == 0 {
			r.dropScreen(i)
		}
		break
	}
	after, hasFocus := r.Focused()
	return hadFocus != hasFocus || before != after
}

func (r *Registry[T]) dropScreen(i int) {
	r.screens = append(r.screens[:i], r.screens[i+1:]...)
	switch {
	case len(r.screens) == 0:
		r.main = -1
	case i < r.main:
		r.main--
	case i == r.main && r.main >= len(r.screens):
		r.main = 0
	}
}

// Main returns the screen that receives input, or nil.
func (r *Registry[T]) Main() *Screen[T] {
	if r.main < 0 {
		return nil
	}
	return r.screens[r.main]
}

// Focused returns the focused client of the main screen.
func (r *Registry[T]) Focused() (T, bool) {
	return r.Main().Focused()
}

// IsFocused reports whether c is the focused client of the main screen.
func (r *Registry[T]) IsFocused(c T) bool {
	f, ok := r.Focused()
	return ok && f == c
}

// Next makes the following screen main and returns its focused client.
func (r *Registry[T]) Next() (T, bool) {
	if len(r.screens) > 0 {
		r.main = (r.main + 1) % len(r.screens)
	}
	return r.Focused()
}

// ScreenOf returns the screen holding c, or nil.
func (r *Registry[T]) ScreenOf(c T) *Screen[T] {
	for _, s := range r.screens {
		if indexOf(s.clients, c) >= 0 {
			return s
		}
	}
	return nil
}

// Len returns the number of screens.
func (r *Registry[T]) Len() int { return len(r.screens) }

func indexOf[T comparable](list []T, c T) int {
	for i, v := range list {
		if v == c {
			return i
		}
	}
	return -1
}
