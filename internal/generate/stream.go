package generate

// Stream is the per-project subscription handle returned by Submit. The
// events channel closes exactly once, after the single terminal project
// event. Cancel tears listeners and timers down immediately and forwards a
// terminal failure; callers should keep draining Events until close.
type Stream struct {
	ProjectID string
	rec       *reconciler
}

// Events returns the ordered downstream event channel.
func (s *Stream) Events() <-chan Event {
	return s.rec.out
}

// Cancel is caller-initiated cancellation. Safe to call more than once.
func (s *Stream) Cancel() {
	s.rec.cancel()
}
