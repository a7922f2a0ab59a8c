package bus

import (
	"context"
	"sync"
)

// SoloBus is an in-process bus for single-instance deployments and tests.
// Delivery is best effort: a subscriber that is not draining its channel
// misses messages rather than blocking the publisher.
type SoloBus struct {
	m      sync.Mutex
	subs   map[string][]chan []byte
	closed bool
}

func NewSolo() (*SoloBus, error) {
	return &SoloBus{subs: map[string][]chan []byte{}}, nil
}

func (s *SoloBus) Publish(subject string, payload []byte) error {
	s.m.Lock()
	defer s.m.Unlock()

	for _, sub := range s.subs[subject] {
		select {
		case sub <- payload:
		default:
		}
	}
	return nil
}

func (s *SoloBus) Subscribe(ctx context.Context, subject string) (<-chan []byte, error) {
	s.m.Lock()
	defer s.m.Unlock()

	ch := make(chan []byte, 16)
	s.subs[subject] = append(s.subs[subject], ch)

	go func() {
		<-ctx.Done()
		s.m.Lock()
		defer s.m.Unlock()
		// Close may already have shut the channel
		subs := s.subs[subject]
		for i, sub := range subs {
			if sub == ch {
				s.subs[subject] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch, nil
}

func (s *SoloBus) Close() {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for subject, subs := range s.subs {
		for _, sub := range subs {
			close(sub)
		}
		delete(s.subs, subject)
	}
}
