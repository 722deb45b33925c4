// Package pubsub fans published subscription payloads out to in-process
// subscribers.
package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when publishing to or subscribing on a closed PubSub.
var ErrClosed = errors.New("pubsub: closed")

// PubSub delivers payloads published under a tag to its subscribers.
type PubSub interface {
	Publish(ctx context.Context, tag string, payload any) error
	Subscribe(ctx context.Context, tag string) (*Subscription, error)
}

// Subscription receives the payloads of one tag on C until closed.
type Subscription struct {
	C <-chan any

	ch     chan any
	tag    string
	owner  *Memory
	once   sync.Once
	closed chan struct{}
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.owner.remove(s)
		close(s.closed)
	})
}

// Memory is an in-process PubSub. Delivery never blocks the publisher: a
// subscriber whose buffer is full misses the payload.
type Memory struct {
	buffer int

	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

// NewMemory returns a PubSub buffering up to buffer payloads per subscriber.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 16
	}
	return &Memory{buffer: buffer, subs: map[string]map[*Subscription]struct{}{}}
}

// Publish delivers payload to every current subscriber of tag.
func (m *Memory) Publish(_ context.Context, tag string, payload any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.subs[tag] {
		select {
		case s.ch <- payload:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber of tag. The subscription is closed when
// ctx is done.
func (m *Memory) Subscribe(ctx context.Context, tag string) (*Subscription, error) {
	ch := make(chan any, m.buffer)
	s := &Subscription{C: ch, ch: ch, tag: tag, owner: m, closed: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	set := m.subs[tag]
	if set == nil {
		set = map[*Subscription]struct{}{}
		m.subs[tag] = set
	}
	set[s] = struct{}{}
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()
	return s, nil
}

// Dropped returns the number of payloads lost to full subscriber buffers.
func (m *Memory) Dropped() uint64 { return m.dropped.Load() }

// Close closes every subscription and rejects further use.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	var all []*Subscription
	for _, set := range m.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

func (m *Memory) remove(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.subs[s.tag]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(m.subs, s.tag)
		}
	}
	close(s.ch)
}

var _ PubSub = (*Memory)(nil)
