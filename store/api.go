package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/keyedstore/observability"
)

const (
	defaultMaxProcesses = 5
	defaultIdleWait     = 15 * time.Second
)

// Store is a process-local, in-memory, per-key concurrent state store: one
// serial worker per key under load, cheap idle keys collapsed back to a
// plain map entry, and an atomic multi-key transaction path layered on top.
// The zero value is not usable; construct one with New.
type Store[K comparable, V any] struct {
	srv *server[K, V]
}

// New creates a Store. Every key starts absent unless seeded via
// WithInitialState; the first touch on a key materializes its bookkeeping
// lazily, matching §4.1's dispatch rule.
func New[K comparable, V any](opts ...Option[K, V]) (*Store[K, V], error) {
	cfg := config[K, V]{
		maxProcesses: defaultMaxProcesses,
		idleWait:     defaultIdleWait,
		observer:     observability.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := newServer[K, V](cfg.maxProcesses, cfg.idleWait, cfg.name, cfg.observer)
	seen := make(map[K]struct{})
	for _, source := range cfg.initialSources {
		for k, v := range source {
			if _, dup := seen[k]; dup {
				return nil, fmt.Errorf("store.New: key %v: %w", k, ErrDuplicateKeys)
			}
			seen[k] = struct{}{}
			c := newCell[V](cfg.maxProcesses)
			c.box = presentBox(v)
			srv.entries[k] = &entry[K, V]{cell: c}
		}
	}
	return &Store[K, V]{srv: srv}, nil
}

// WithInitialState seeds the Store with a starting key/value set at
// construction time. A key appearing in more than one WithInitialState
// call (or twice within the same map, which Go's own map literal already
// forbids) fails New with ErrDuplicateKeys, matching §3's "initial set"
// invariant.
func WithInitialState[K comparable, V any](initial map[K]V) Option[K, V] {
	return func(c *config[K, V]) {
		c.initialSources = append(c.initialSources, initial)
	}
}

// Get reads the current value for key without ever mutating it. It is a
// free function, not a method on Store, because its reply type R doesn't
// appear anywhere in Store's own type parameters and Go methods can't
// introduce additional type parameters beyond the receiver's.
//
// The callback runs against a snapshot: concurrently with other Gets (up
// to the key's max_processes budget) and, if the key currently has no
// pending writers, without ever spawning a worker at all.
func Get[K comparable, V any, R any](ctx context.Context, s *Store[K, V], key K, fn func(value V, present bool) R, opts ...CallOption[V]) (R, error) {
	var zero R
	if s.srv.stopped.Load() {
		return zero, ErrShutdown
	}
	o := resolveCallOptions(opts)

	reply := make(chan R, 1)
	errCh := make(chan error, 1)
	r := &request[K, V]{
		kind:       reqGet,
		key:        key,
		priority:   o.priority,
		timeout:    o.timeout,
		insertedAt: time.Now(),
		traceID:    uuid.Must(uuid.NewV7()).String(),
		readOnly:   true,
		execute: func(cur box[V]) box[V] {
			v, present := resolveValue(cur, o)
			reply <- fn(v, present)
			return cur
		},
		onExpire:  func() { errCh <- fmt.Errorf("store: Get(%v): %w", key, ErrExpired) },
		onTooLong: func() { errCh <- fmt.Errorf("store: Get(%v): %w", key, ErrTooLong) },
	}
	s.srv.dispatch(r)

	select {
	case v := <-reply:
		return v, nil
	case err := <-errCh:
		return zero, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// GetAndUpdate atomically reads and conditionally replaces the value for
// key, running fn on the worker goroutine that owns key so it never
// interleaves with any other update to the same key. Also a free function
// for the same type-parameter reason as Get.
func GetAndUpdate[K comparable, V any, R any](ctx context.Context, s *Store[K, V], key K, fn func(value V, present bool) UpdateResult[V, R], opts ...CallOption[V]) (R, error) {
	var zero R
	if s.srv.stopped.Load() {
		return zero, ErrShutdown
	}
	o := resolveCallOptions(opts)

	reply := make(chan R, 1)
	errCh := make(chan error, 1)
	r := &request[K, V]{
		kind:       reqUpdate,
		key:        key,
		priority:   o.priority,
		timeout:    o.timeout,
		insertedAt: time.Now(),
		traceID:    uuid.Must(uuid.NewV7()).String(),
		execute: func(cur box[V]) box[V] {
			v, present := resolveValue(cur, o)
			result := fn(v, present)
			reply <- result.Reply
			return result.Action.apply(cur)
		},
		onExpire:  func() { errCh <- fmt.Errorf("store: GetAndUpdate(%v): %w", key, ErrExpired) },
		onTooLong: func() { errCh <- fmt.Errorf("store: GetAndUpdate(%v): %w", key, ErrTooLong) },
	}
	s.srv.dispatch(r)

	select {
	case v := <-reply:
		return v, nil
	case err := <-errCh:
		return zero, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Cast fires an update at key without waiting for a reply: the request
// still goes through the same worker ordering as GetAndUpdate, it's simply
// not observed by the caller.
func (s *Store[K, V]) Cast(key K, fn func(value V, present bool) Action[V], opts ...CallOption[V]) error {
	if s.srv.stopped.Load() {
		return ErrShutdown
	}
	o := resolveCallOptions(opts)

	s.srv.dispatch(&request[K, V]{
		kind:       reqUpdate,
		key:        key,
		priority:   o.priority,
		timeout:    o.timeout,
		insertedAt: time.Now(),
		traceID:    uuid.Must(uuid.NewV7()).String(),
		execute: func(cur box[V]) box[V] {
			v, present := resolveValue(cur, o)
			return fn(v, present).apply(cur)
		},
	})
	return nil
}

// Put unconditionally sets key's value, creating a worker if none is live.
func (s *Store[K, V]) Put(key K, value V, opts ...CallOption[V]) error {
	return s.Cast(key, func(V, bool) Action[V] { return Set(value) }, opts...)
}

// Delete unconditionally clears key's value.
func (s *Store[K, V]) Delete(key K, opts ...CallOption[V]) error {
	return s.Cast(key, func(V, bool) Action[V] { return Drop[V]() }, opts...)
}

// Pop atomically removes and returns key's value, or the call's default
// (via WithInitial, else V's zero value) if it was already absent.
func Pop[K comparable, V any](ctx context.Context, s *Store[K, V], key K, opts ...CallOption[V]) (V, error) {
	return GetAndUpdate(ctx, s, key, func(v V, present bool) UpdateResult[V, V] {
		return Reply(v, Drop[V]())
	}, opts...)
}

// Take returns a snapshot of the current values for keys, omitting any
// key that is currently absent. It never creates state for a miss.
func (s *Store[K, V]) Take(keys []K) map[K]V {
	return s.srv.take(keys)
}

// MaxProcesses sets the read-parallelism budget for a single key,
// overriding the Store-wide default for that key only.
func (s *Store[K, V]) MaxProcesses(key K, n int) {
	s.srv.setMaxProcesses(key, n)
}

// Metrics returns a snapshot of the Store's operational counters.
func (s *Store[K, V]) Metrics() MetricsSnapshot {
	return s.srv.metrics.snapshot()
}

// Stop drains every live worker back to an idle cell and marks the Store
// closed to new requests, returning once every worker has exited or ctx
// expires first.
func (s *Store[K, V]) Stop(ctx context.Context) error {
	return s.srv.stop(ctx)
}

// resolveValue applies a call's WithInitial default to an absent box,
// matching §4.2's "callback sees the request's initial, not the zero
// value" rule.
func resolveValue[V any](cur box[V], o callOptions[V]) (V, bool) {
	if cur.present {
		return cur.value, true
	}
	if o.hasInit {
		return o.initial, false
	}
	var zero V
	return zero, false
}
