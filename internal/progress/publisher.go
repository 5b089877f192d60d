package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"suiteplane/internal/logger"
	"suiteplane/internal/store"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultRecentSize   = 1024
)

// ExecutionReader is the part of the job store the publisher reads.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error)
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithCache shares snapshots through c.
func WithCache(c Cache) Option { return func(p *Publisher) { p.cache = c } }

// WithPollInterval sets how often subscriptions re-read the store, and how
// old a cached snapshot of a running execution may be.
func WithPollInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithRecentSize bounds the in-process snapshot cache.
func WithRecentSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.recentSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(p *Publisher) { p.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(p *Publisher) { p.now = now } }

// Publisher derives snapshots from the store and fans them out to subscribers.
// It holds no state that the store cannot rebuild.
type Publisher struct {
	reader       ExecutionReader
	cache        Cache
	recent       *lru.Cache
	recentSize   int
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu   sync.Mutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

// New creates a Publisher reading from r.
func New(r ExecutionReader, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		reader:       r,
		recentSize:   defaultRecentSize,
		pollInterval: defaultPollInterval,
		logger:       logger.Discard(),
		now:          time.Now,
		subs:         make(map[uuid.UUID]map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	recent, err := lru.New(p.recentSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	p.recent = recent
	return p, nil
}

// Notify re-reads an execution and publishes the snapshot if it is newer than
// the last one seen.
func (p *Publisher) Notify(ctx context.Context, executionID uuid.UUID) {
	if _, err := p.load(ctx, executionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("failed to refresh snapshot", "execution_id", executionID, "error", err)
	}
}

// Latest returns the current snapshot of an execution. Running executions are
// served from cache only while younger than the poll interval; terminal ones
// are served from cache for as long as it holds them. A shared snapshot older
// than the version held in process is never returned.
func (p *Publisher) Latest(ctx context.Context, executionID uuid.UUID) (Snapshot, error) {
	now := p.now()
	var held int64 = -1
	if v, ok := p.recent.Get(executionID); ok {
		s := v.(Snapshot)
		if s.fresh(now, p.pollInterval) {
			return s, nil
		}
		held = s.Version
	}

	var shared *Snapshot
	if p.cache != nil {
		s, err := p.cache.Get(ctx, executionID)
		switch {
		case err == nil && s.Version < held:
			// Another process wrote an older version; the store decides.
		case err == nil:
			if s.fresh(now, p.pollInterval) {
				p.remember(*s)
				return *s, nil
			}
			shared = s
		case !errors.Is(err, ErrCacheMiss):
			p.logger.Warn("snapshot cache unavailable", "error", err)
		}
	}

	s, err := p.load(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) && shared != nil {
		return *shared, nil
	}
	return s, err
}

// load reads the store and publishes the result.
func (p *Publisher) load(ctx context.Context, executionID uuid.UUID) (Snapshot, error) {
	exec, err := p.reader.GetExecution(ctx, executionID)
	if err != nil {
		return Snapshot{}, err
	}
	s := FromExecution(exec, p.now())
	p.publish(ctx, s)
	return s, nil
}

func (p *Publisher) publish(ctx context.Context, s Snapshot) {
	p.remember(s)
	if p.cache != nil {
		if err := p.cache.Set(ctx, &s); err != nil {
			p.logger.Warn("failed to cache snapshot", "execution_id", s.ExecutionID, "error", err)
		}
	}

	p.mu.Lock()
	subs := make([]*subscriber, 0, len(p.subs[s.ExecutionID]))
	for sub := range p.subs[s.ExecutionID] {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.offer(s)
	}
}

// remember keeps s unless a newer version is already held.
func (p *Publisher) remember(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.recent.Peek(s.ExecutionID); ok && v.(Snapshot).Version > s.Version {
		return
	}
	p.recent.Add(s.ExecutionID, s)
}

// Subscribe returns a channel that yields the current snapshot and then every
// newer one. A slow reader skips intermediate versions but always receives the
// terminal snapshot, after which the channel is closed. The channel is also
// closed when ctx is done; subscribing again resumes from current state.
func (p *Publisher) Subscribe(ctx context.Context, executionID uuid.UUID) (<-chan Snapshot, error) {
	sub := &subscriber{wake: make(chan struct{}, 1)}
	p.register(executionID, sub)

	initial, err := p.Latest(ctx, executionID)
	if err != nil {
		p.unregister(executionID, sub)
		return nil, err
	}

	out := make(chan Snapshot)
	go p.serve(ctx, executionID, sub, initial, out)
	return out, nil
}

func (p *Publisher) serve(ctx context.Context, executionID uuid.UUID, sub *subscriber, latest Snapshot, out chan<- Snapshot) {
	defer close(out)
	defer p.unregister(executionID, sub)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var sent int64
	first := true
	for {
		var send chan<- Snapshot
		if first || latest.Version > sent {
			send = out
		}

		select {
		case <-ctx.Done():
			return
		case send <- latest:
			first = false
			sent = latest.Version
			if latest.Terminal {
				return
			}
		case <-sub.wake:
			if s, ok := sub.take(); ok && s.Version > latest.Version {
				latest = s
			}
		case <-ticker.C:
			if latest.Terminal {
				continue
			}
			s, err := p.load(ctx, executionID)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Debug("subscription poll failed", "execution_id", executionID, "error", err)
				}
				continue
			}
			if s.Version > latest.Version {
				latest = s
			}
		}
	}
}

func (p *Publisher) register(executionID uuid.UUID, sub *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.subs[executionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		p.subs[executionID] = set
	}
	set[sub] = struct{}{}
}

func (p *Publisher) unregister(executionID uuid.UUID, sub *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.subs[executionID]
	delete(set, sub)
	if len(set) == 0 {
		delete(p.subs, executionID)
	}
}

// Subscribers returns the number of open subscriptions to an execution.
func (p *Publisher) Subscribers(executionID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[executionID])
}

// subscriber holds the newest snapshot not yet picked up by its serve loop.
type subscriber struct {
	mu      sync.Mutex
	pending *Snapshot
	wake    chan struct{}
}

func (s *subscriber) offer(snap Snapshot) {
	s.mu.Lock()
	if s.pending == nil || snap.Version > s.pending.Version {
		s.pending = &snap
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Snapshot{}, false
	}
	snap := *s.pending
	s.pending = nil
	return snap, true
}
