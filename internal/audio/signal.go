package audio

// Signal is an auto-reset wake-up shared by every notification offset.
// Any number of Notify calls before a waiter wakes collapse into one wake-up.
type Signal struct {
	c chan struct{}
}

func NewSignal() *Signal {
	return &Signal{c: make(chan struct{}, 1)}
}

// Notify sets the signal without blocking
func (s *Signal) Notify() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// C returns the channel a waiter receives from
func (s *Signal) C() <-chan struct{} {
	return s.c
}
