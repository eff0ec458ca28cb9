package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tailored-agentic-units/keyedstore/observability"
)

// server owns the key -> (cell | worker) routing table (§4.1). Every
// mutation of entries happens under mu; dispatch only ever holds mu long
// enough to look up or promote an entry, then hands off to whichever
// goroutine (read task or worker) will do the actual work.
type server[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[K, V]

	maxPDefault int
	idleWait    time.Duration
	name        string

	observer observability.Observer
	metrics  *metrics

	stopped atomic.Bool
	wg      sync.WaitGroup
}

func newServer[K comparable, V any](maxPDefault int, idleWait time.Duration, name string, observer observability.Observer) *server[K, V] {
	return &server[K, V]{
		entries:     make(map[K]*entry[K, V]),
		maxPDefault: maxPDefault,
		idleWait:    idleWait,
		name:        name,
		observer:    observer,
		metrics:     newMetrics(),
	}
}

// dispatch implements the routing rules of §4.1 for a single-key request.
func (s *server[K, V]) dispatch(r *request[K, V]) {
	s.mu.Lock()

	e, ok := s.entries[r.key]
	if !ok {
		if r.kind == reqGet {
			s.mu.Unlock()
			r.execute(box[V]{})
			return
		}
		e = &entry[K, V]{cell: newCell[V](s.maxPDefault)}
		s.entries[r.key] = e
	}

	if e.worker != nil {
		w := e.worker
		s.mu.Unlock()
		w.mailbox.push(workerMsg[K, V]{req: r})
		return
	}

	c := e.cell

	if r.kind == reqGet {
		if c.processes < c.maxProcesses {
			c.processes++
			snapshot := c.box
			s.mu.Unlock()
			s.metrics.readTasksActive.Add(1)
			go func() {
				defer s.readDone(r.key)
				r.execute(snapshot)
			}()
			return
		}
		if r.priority.isNow() {
			snapshot := c.box
			s.mu.Unlock()
			r.execute(snapshot)
			return
		}
	}

	w := s.promoteLocked(r.key, c)
	s.mu.Unlock()
	w.mailbox.push(workerMsg[K, V]{req: r})
}

// promoteLocked spawns a worker seeded with c's contents and installs it in
// place of the cell. Caller must hold s.mu.
func (s *server[K, V]) promoteLocked(key K, c *cell[V]) *worker[K, V] {
	w := newWorker(key, c, s)
	s.entries[key] = &entry[K, V]{worker: w}
	s.metrics.liveWorkers.Add(1)
	s.wg.Add(1)
	s.emit(EventWorkerSpawn, key, nil)
	go w.run()
	return w
}

// ensureWorker guarantees a worker owns key, promoting an existing cell
// (or a freshly materialized one) if necessary. Used by the coordinator
// (via shareAndWait) for get_upd keys.
func (s *server[K, V]) ensureWorker(key K) *worker[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry[K, V]{cell: newCell[V](s.maxPDefault)}
		s.entries[key] = e
	}
	if e.worker != nil {
		return e.worker
	}
	return s.promoteLocked(key, e.cell)
}

// readDone handles the {Done, k} message of §4.1 for a cell-owned read
// task (no worker involved). If the key was promoted to a worker in the
// meantime, the worker now owns that bookkeeping: it inherited this task in
// its processes count, so the completion is forwarded to its mailbox as a
// Done message.
func (s *server[K, V]) readDone(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if ok && e.worker != nil {
		e.worker.mailbox.push(workerMsg[K, V]{})
		return
	}
	s.metrics.readTasksActive.Add(-1)
	if !ok || e.cell == nil {
		return
	}
	e.cell.processes--
	if e.cell.idle() && e.cell.maxProcesses == s.maxPDefault {
		delete(s.entries, key)
		s.metrics.cellsGCed.Add(1)
		s.emit(EventCellGC, key, nil)
	}
}

// requestDeath implements the MayIDie? handshake of §4.1. It returns true
// (Continue) if messages had already arrived in w's mailbox by the time
// the server could look, and false (Die) once it has committed w's final
// state back into the map as a cell.
func (s *server[K, V]) requestDeath(w *worker[K, V]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pending := w.mailbox.drain(); len(pending) > 0 {
		w.placeAll(pending)
		return true
	}

	c := &cell[V]{box: w.box, maxProcesses: w.maxProcesses}
	s.entries[w.key] = &entry[K, V]{cell: c}
	if c.idle() && c.maxProcesses == s.maxPDefault {
		delete(s.entries, w.key)
		s.metrics.cellsGCed.Add(1)
	}

	s.metrics.liveWorkers.Add(-1)
	s.wg.Done()
	s.emit(EventWorkerDie, w.key, nil)
	return false
}

// reclaimCrashed implements the worker-crash branch of §4.1's failure
// model: the map entry becomes an empty default cell and the crash is
// logged via the observer, but the server itself keeps running.
func (s *server[K, V]) reclaimCrashed(key K, cause any) {
	s.mu.Lock()
	s.entries[key] = &entry[K, V]{cell: newCell[V](s.maxPDefault)}
	s.metrics.liveWorkers.Add(-1)
	s.mu.Unlock()

	s.wg.Done()
	s.emit(EventWorkerCrashed, key, map[string]any{"cause": cause})
}

// peekOrShare implements the only_get branch of the coordinator's prepare
// phase (§4.3): read straight from the cell when no worker is live, or ask
// the live worker to share without disturbing its exclusive state. An
// entirely untouched key never gets a cell materialized for it, per the
// resolved Open Question in §9 (a Get never creates state for a miss).
func (s *server[K, V]) peekOrShare(key K, priority Priority) (V, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		var zero V
		return zero, false
	}
	if e.worker == nil {
		v, present := e.cell.box.value, e.cell.box.present
		s.mu.Unlock()
		return v, present
	}
	w := e.worker
	s.mu.Unlock()
	return shareFromWorker(w, priority)
}

// shareAndWait implements the get_upd branch of the coordinator's prepare
// phase: ensure a worker, then send it a share-and-wait request at
// {avg,+1} priority. The returned channels are the worker's collect
// report and the coordinator's publish decision.
func (s *server[K, V]) shareAndWait(key K, timeout Timeout) (<-chan shareValue[K, V], chan<- Action[V]) {
	w := s.ensureWorker(key)
	collect := make(chan shareValue[K, V], 1)
	decision := make(chan Action[V], 1)
	w.mailbox.push(workerMsg[K, V]{req: &request[K, V]{
		kind:       reqShareWait,
		key:        key,
		priority:   avgPriority(1),
		timeout:    timeout,
		insertedAt: time.Now(),
		share:      collect,
		decision:   decision,
	}})
	return collect, decision
}

// applyAction issues the only_upd branch's internal update request at
// {avg,+1} priority (§4.3 Phase 4).
func (s *server[K, V]) applyAction(key K, action Action[V]) {
	s.dispatch(&request[K, V]{
		kind:       reqUpdate,
		key:        key,
		priority:   avgPriority(1),
		timeout:    InfiniteTimeout(),
		insertedAt: time.Now(),
		execute: func(cur box[V]) box[V] {
			return action.apply(cur)
		},
	})
}

// setMaxProcesses implements the MaxProcesses op: advisory, applied
// immediately to a cell, or delivered urgently to a live worker so new
// spawns respect it right away while already-running read tasks finish
// under the old budget (the resolved Open Question of §9).
func (s *server[K, V]) setMaxProcesses(key K, n int) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry[K, V]{cell: newCell[V](s.maxPDefault)}
		s.entries[key] = e
	}
	if e.worker == nil {
		e.cell.maxProcesses = n
		s.mu.Unlock()
		return
	}
	w := e.worker
	s.mu.Unlock()
	w.mailbox.push(workerMsg[K, V]{req: &request[K, V]{
		kind:            reqSetMaxProcesses,
		key:             key,
		priority:        UrgentPriority(),
		timeout:         InfiniteTimeout(),
		insertedAt:      time.Now(),
		newMaxProcesses: n,
	}})
}

// take implements the snapshot op: existing keys only, no state created.
func (s *server[K, V]) take(keys []K) map[K]V {
	out := make(map[K]V, len(keys))
	for _, k := range keys {
		if v, ok := s.peekOrShare(k, NormalPriority()); ok {
			out[k] = v
		}
	}
	return out
}

// stop marks the server closed to new work and waits for every live
// worker to drain and die, or for ctx to expire first.
func (s *server[K, V]) stop(ctx context.Context) error {
	s.stopped.Store(true)

	s.mu.Lock()
	for _, e := range s.entries {
		if e.worker != nil {
			e.worker.mailbox.wake()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *server[K, V]) emit(t observability.EventType, key any, extra map[string]any) {
	data := map[string]any{"key": key}
	if s.name != "" {
		data["store"] = s.name
	}
	for k, v := range extra {
		data[k] = v
	}
	s.observer.OnEvent(context.Background(), observability.Event{
		Type:      t,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "store.server",
		Data:      data,
	})
}

// shareFromWorker asks a live worker to report its current value without
// mutating it, reusing the ordinary Get read-parallel path (share never
// competes for the exclusive update slot).
func shareFromWorker[K comparable, V any](w *worker[K, V], priority Priority) (V, bool) {
	reply := make(chan shareValue[K, V], 1)
	w.mailbox.push(workerMsg[K, V]{req: &request[K, V]{
		kind:       reqGet,
		key:        w.key,
		priority:   priority,
		timeout:    InfiniteTimeout(),
		insertedAt: time.Now(),
		readOnly:   true,
		execute: func(cur box[V]) box[V] {
			reply <- shareValue[K, V]{key: w.key, value: cur.value, present: cur.present}
			return cur
		},
	}})
	sv := <-reply
	return sv.value, sv.present
}
