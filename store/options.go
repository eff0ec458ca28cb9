package store

import (
	"time"

	"github.com/tailored-agentic-units/keyedstore/observability"
)

// config holds a Store's construction-time settings, built from Option
// values the way kernel.Config is built from kernel.Option (functional
// options over an unexported struct, defaults applied before options run).
type config[K comparable, V any] struct {
	maxProcesses   int
	idleWait       time.Duration
	name           string
	observer       observability.Observer
	initialSources []map[K]V
}

// Option configures a Store at construction time.
type Option[K comparable, V any] func(*config[K, V])

// WithMaxProcesses sets the default read-parallelism budget applied to
// every key that hasn't had MaxProcesses called on it individually.
// The default is 5.
func WithMaxProcesses[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) {
		if n > 0 {
			c.maxProcesses = n
		}
	}
}

// WithIdleTimeout sets how long an idle worker waits on its mailbox before
// asking the server whether it may die back into a cell. The default is
// 15 seconds.
func WithIdleTimeout[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *config[K, V]) {
		if d > 0 {
			c.idleWait = d
		}
	}
}

// WithName attaches a name to the Store, included in every emitted Event
// so a process running several Stores can tell them apart in logs.
func WithName[K comparable, V any](name string) Option[K, V] {
	return func(c *config[K, V]) { c.name = name }
}

// WithObserver sets the Observer notified of the Store's lifecycle events.
// The default is a no-op observer.
func WithObserver[K comparable, V any](o observability.Observer) Option[K, V] {
	return func(c *config[K, V]) {
		if o != nil {
			c.observer = o
		}
	}
}

// callOptions configures a single Get/GetAndUpdate/Cast call.
type callOptions[V any] struct {
	priority Priority
	timeout  Timeout
	initial  V
	hasInit  bool
}

// CallOption configures a single call to Get, GetAndUpdate, or Cast.
type CallOption[V any] func(*callOptions[V])

// WithPriority routes this call through the given Priority band instead of
// Normal.
func WithPriority[V any](p Priority) CallOption[V] {
	return func(c *callOptions[V]) { c.priority = p }
}

// WithTimeout bounds this call with the given Timeout instead of Infinity.
func WithTimeout[V any](t Timeout) CallOption[V] {
	return func(c *callOptions[V]) { c.timeout = t }
}

// WithInitial supplies the value fed to the callback (or returned by Get)
// when the key is currently absent, instead of V's zero value.
func WithInitial[V any](v V) CallOption[V] {
	return func(c *callOptions[V]) {
		c.initial = v
		c.hasInit = true
	}
}

func resolveCallOptions[V any](opts []CallOption[V]) callOptions[V] {
	o := callOptions[V]{priority: NormalPriority(), timeout: InfiniteTimeout()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
