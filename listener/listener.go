// Package listener defines the downstream subscriber contract shared by
// batch and composite publications.
package listener

// Listener receives serialized updateBatch messages for one subscription.
type Listener interface {
	// ID is unique per subscription.
	ID() string
	// Send is fire-and-forget; delivery failures are the transport's concern.
	Send(msg []byte)
	// Ready reports whether the session can currently receive.
	Ready() bool
	// Deactivated reports whether the subscription has been stopped.
	Deactivated() bool
}

// Deliver sends msg to l. A regular send is dropped when l is deactivated
// or not ready. A forced send, used for the remove-all message on detach,
// goes out regardless. It reports whether msg was handed to l.
func Deliver(l Listener, msg []byte, force bool) bool {
	if msg == nil {
		return false
	}
	if !force && (l.Deactivated() || !l.Ready()) {
		return false
	}
	l.Send(msg)
	return true
}

// Set is an insertion-ordered set of listeners keyed by ID.
type Set struct {
	order []Listener
	index map[string]struct{}
}

// Add appends l; it reports false when l is already a member.
func (s *Set) Add(l Listener) bool {
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	if _, ok := s.index[l.ID()]; ok {
		return false
	}
	s.index[l.ID()] = struct{}{}
	s.order = append(s.order, l)
	return true
}

// Remove drops l; it reports false when l was not a member.
func (s *Set) Remove(l Listener) bool {
	if _, ok := s.index[l.ID()]; !ok {
		return false
	}
	delete(s.index, l.ID())
	for i, x := range s.order {
		if x.ID() == l.ID() {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Has reports membership.
func (s *Set) Has(l Listener) bool {
	_, ok := s.index[l.ID()]
	return ok
}

// Len returns the member count.
func (s *Set) Len() int { return len(s.order) }

// All returns a copy of the members in insertion order.
func (s *Set) All() []Listener {
	return append([]Listener(nil), s.order...)
}

// Broadcast delivers msg to every member able to receive and returns how
// many received it.
func (s *Set) Broadcast(msg []byte) int {
	n := 0
	for _, l := range s.All() {
		if Deliver(l, msg, false) {
			n++
		}
	}
	return n
}
