package transport

import (
	"context"
	"sync"
)

// Memory is an in-process bus. Publish blocks until every current subscriber
// has buffer space for the payload or ctx is done.
type Memory struct {
	mu     sync.Mutex
	depth  int
	subs   map[string]map[*memorySub]struct{}
	closed bool

	snapshots map[string][]byte
}

type memorySub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once

	// senders hold the read lock; ch is closed under the write lock
	sending sync.RWMutex
}

func newMemorySub(depth int) *memorySub {
	return &memorySub{
		ch:   make(chan []byte, depth),
		done: make(chan struct{}),
	}
}

func (s *memorySub) close() {
	s.once.Do(func() {
		close(s.done)
		s.sending.Lock()
		close(s.ch)
		s.sending.Unlock()
	})
}

// NewMemory creates an in-process bus whose subscriptions buffer depth payloads
func NewMemory(depth int) *Memory {
	if depth < 1 {
		depth = 1
	}
	return &Memory{
		depth:     depth,
		subs:      make(map[string]map[*memorySub]struct{}),
		snapshots: make(map[string][]byte),
	}
}

// Publish implements Publisher
func (m *Memory) Publish(ctx context.Context, topic string, body []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(m.subs[topic]))
	for sub := range m.subs[topic] {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		if err := m.deliver(ctx, sub, body); err != nil {
			return err
		}
	}
	return nil
}

// deliver sends body to sub; a subscription closed meanwhile is skipped
func (m *Memory) deliver(ctx context.Context, sub *memorySub, body []byte) error {
	sub.sending.RLock()
	defer sub.sending.RUnlock()

	select {
	case <-sub.done:
		return nil
	default:
	}

	payload := append([]byte(nil), body...)
	select {
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sub.ch <- payload:
		return nil
	}
}

// Subscribe implements Subscriber
func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := newMemorySub(m.depth)
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySub]struct{})
	}
	m.subs[topic][sub] = struct{}{}

	context.AfterFunc(ctx, func() {
		m.mu.Lock()
		delete(m.subs[topic], sub)
		m.mu.Unlock()
		sub.close()
	})

	return sub.ch, nil
}

// Subscribers returns the number of live subscriptions on topic
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

// SaveSnapshot implements SnapshotStore
func (m *Memory) SaveSnapshot(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[key] = append([]byte(nil), body...)
	return nil
}

// LoadSnapshot implements SnapshotStore
func (m *Memory) LoadSnapshot(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	body, ok := m.snapshots[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), body...), nil
}

// Close ends every subscription
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for sub := range subs {
			sub.close()
		}
	}
	m.subs = nil
	return nil
}
