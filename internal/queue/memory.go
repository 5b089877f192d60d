package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MemoryOption configures a Memory transport.
type MemoryOption func(*Memory)

// WithDuplicateRate delivers each published message a second time with probability p.
func WithDuplicateRate(p float64) MemoryOption {
	return func(m *Memory) { m.duplicateRate = p }
}

// WithDropRate silently loses each published message with probability p.
func WithDropRate(p float64) MemoryOption {
	return func(m *Memory) { m.dropRate = p }
}

// WithRedeliverAfter sets how long an unacked delivery stays hidden before it is redelivered.
func WithRedeliverAfter(d time.Duration) MemoryOption {
	return func(m *Memory) { m.redeliverAfter = d }
}

// WithSeed makes fault injection reproducible.
func WithSeed(seed int64) MemoryOption {
	return func(m *Memory) { m.rand = rand.New(rand.NewSource(seed)) }
}

type inflight struct {
	msg   Message
	until time.Time
}

// Memory is an in-process Transport with optional fault injection.
type Memory struct {
	mu       sync.Mutex
	ready    []Message
	delayed  []Message
	inflight map[uint64]inflight
	nextTag  uint64
	notify   chan struct{}
	closed   bool

	duplicateRate  float64
	dropRate       float64
	redeliverAfter time.Duration
	rand           *rand.Rand
}

// NewMemory creates an empty in-memory transport.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		inflight:       make(map[uint64]inflight),
		notify:         make(chan struct{}),
		redeliverAfter: 30 * time.Second,
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.dropRate > 0 && m.rand.Float64() < m.dropRate {
		return nil
	}
	copies := 1
	if m.duplicateRate > 0 && m.rand.Float64() < m.duplicateRate {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		if msg.VisibleAfter.After(time.Now()) {
			m.delayed = append(m.delayed, msg)
		} else {
			m.ready = append(m.ready, msg)
		}
	}
	m.wake()
	return nil
}

// wake releases every Receive blocked on the current notify channel. Callers hold mu.
func (m *Memory) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *Memory) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		now := time.Now()
		next := m.promote(now)
		if len(m.ready) > 0 {
			msg := m.ready[0]
			m.ready = m.ready[1:]
			m.nextTag++
			tag := m.nextTag
			m.inflight[tag] = inflight{msg: msg, until: now.Add(m.redeliverAfter)}
			m.mu.Unlock()
			return &Delivery{Message: msg, ack: func(context.Context) error {
				m.mu.Lock()
				delete(m.inflight, tag)
				m.mu.Unlock()
				return nil
			}}, nil
		}
		notify := m.notify
		m.mu.Unlock()

		if !now.Before(deadline) {
			return nil, ErrNoMessage
		}
		sleep := deadline.Sub(now)
		if !next.IsZero() && next.Sub(now) < sleep {
			sleep = next.Sub(now)
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// promote moves due delayed and expired inflight messages to ready and returns
// the earliest future time something becomes due. Callers hold mu.
func (m *Memory) promote(now time.Time) time.Time {
	var next time.Time
	earliest := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	kept := m.delayed[:0]
	for _, msg := range m.delayed {
		if msg.VisibleAfter.After(now) {
			kept = append(kept, msg)
			earliest(msg.VisibleAfter)
			continue
		}
		m.ready = append(m.ready, msg)
	}
	m.delayed = kept

	for tag, in := range m.inflight {
		if in.until.After(now) {
			earliest(in.until)
			continue
		}
		delete(m.inflight, tag)
		m.ready = append(m.ready, in.msg)
	}
	return next
}

// Len returns the number of messages not yet acknowledged.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready) + len(m.delayed) + len(m.inflight)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.wake()
	}
	return nil
}

var _ Transport = (*Memory)(nil)
