package store

import (
	"math/rand"
	"time"
)

// workerMsg is what lands in a worker's mailbox: either a new request, or
// (when req is nil) a read-parallel task reporting completion.
type workerMsg[K comparable, V any] struct {
	req *request[K, V]
}

// worker is the per-key serial executor of §4.2. It owns box, processes,
// and maxProcesses outright — no mutex guards them, because only the
// worker's own goroutine (running loop) ever touches them. Everything else
// reaches a worker only by pushing into its mailbox.
type worker[K comparable, V any] struct {
	key K
	srv *server[K, V]

	box          box[V]
	processes    int
	maxProcesses int
	idleWait     time.Duration

	urgent []*request[K, V]
	normal []*request[K, V]

	mailbox *mailbox[workerMsg[K, V]]
}

func newWorker[K comparable, V any](key K, seed *cell[V], srv *server[K, V]) *worker[K, V] {
	return &worker[K, V]{
		key:          key,
		srv:          srv,
		box:          seed.box,
		processes:    seed.processes,
		maxProcesses: seed.maxProcesses,
		idleWait:     srv.idleWait,
		mailbox:      newMailbox[workerMsg[K, V]](),
	}
}

// run is the goroutine entry point. A panic anywhere in the loop (a user
// callback panicking inline, not a read-parallel child — those are
// isolated in their own goroutine) is reported to the server as a crash:
// the server reclaims the key as an empty cell rather than letting the
// panic take the whole process down, matching §4.1's failure model.
func (w *worker[K, V]) run() {
	defer func() {
		if rec := recover(); rec != nil {
			w.mailbox.close()
			w.srv.reclaimCrashed(w.key, rec)
		}
	}()
	w.loop()
}

// loop implements the mailbox drain protocol of §4.2: block up to idleWait
// when both queues are empty, otherwise non-blocking-drain-then-dispatch-one.
func (w *worker[K, V]) loop() {
	for {
		if len(w.urgent) == 0 && len(w.normal) == 0 {
			if w.srv.stopped.Load() {
				if !w.drainForShutdown() {
					return
				}
				continue
			}

			if woke := w.mailbox.wait(w.idleWait); !woke {
				if w.processes > 0 {
					// Read tasks still in flight; their completions are
					// the only messages we're waiting for, so dying now
					// would strand their Done notifications. See DESIGN.md,
					// "Don't die while read tasks are outstanding".
					continue
				}
				if !w.srv.requestDeath(w) {
					return
				}
				w.idleWait = jitterUp(w.idleWait)
				continue
			}
			w.placeAll(w.mailbox.drain())
			continue
		}

		w.placeAll(w.mailbox.drain())
		if !w.dispatchOne() {
			// Front of queue is a readOnly Get waiting on a free budget
			// slot. Block until something changes: a slot freeing (a
			// spawned read's self-push) or a new arrival.
			w.mailbox.wait(w.idleWait)
			w.placeAll(w.mailbox.drain())
		}
	}
}

// drainForShutdown handles the Stop() fast path: once the server has
// marked itself stopped, a worker with empty queues dies as soon as its
// in-flight read tasks (if any) finish, instead of waiting out idleWait.
// Returns false once the worker has died.
func (w *worker[K, V]) drainForShutdown() bool {
	if w.processes > 0 {
		w.mailbox.wait(shutdownPollInterval)
		w.placeAll(w.mailbox.drain())
		return true
	}
	return w.srv.requestDeath(w)
}

const shutdownPollInterval = 5 * time.Millisecond

// placeAll classifies freshly drained mailbox messages into the urgent and
// normal deques, or (for read-task completions) decrements processes
// inline. {Avg,+k} priority requests are appended to normal exactly like
// plain Normal ones: a FIFO queue ordered by arrival time already gives an
// avg-priority request the "ahead of normal traffic enqueued after it,
// behind normal traffic enqueued before it" guarantee §4.3 asks for, so no
// separate treatment is needed.
func (w *worker[K, V]) placeAll(msgs []workerMsg[K, V]) {
	for _, m := range msgs {
		if m.req == nil {
			w.processes--
			w.srv.metrics.readTasksActive.Add(-1)
			continue
		}
		r := m.req
		if r.priority.isUrgent() || r.priority.isNow() {
			w.urgent = append([]*request[K, V]{r}, w.urgent...)
		} else {
			w.normal = append(w.normal, r)
		}
	}
}

// dispatchOne implements the selection rule: urgent-then-normal, with the
// read-parallel exception for Get requests under budget. A readOnly Get
// that is front-of-queue but over budget is left in place and reported as
// not dispatched, rather than run inline: running it on the worker's own
// goroutine would let it execute alongside the already-spawned reads,
// exceeding max_processes instead of respecting it. The worker waits for a
// read to finish (a self-mailbox Done push) and retries.
func (w *worker[K, V]) dispatchOne() bool {
	var r *request[K, V]
	if len(w.urgent) > 0 {
		r = w.urgent[0]
	} else if len(w.normal) > 0 {
		r = w.normal[0]
	} else {
		return false
	}

	if r.kind == reqGet && r.readOnly && w.processes >= w.maxProcesses {
		return false
	}

	if len(w.urgent) > 0 {
		w.urgent = w.urgent[1:]
	} else {
		w.normal = w.normal[1:]
	}

	if r.expired(time.Now()) {
		w.srv.metrics.requestsExpired.Add(1)
		w.srv.emit(EventRequestExpired, w.key, map[string]any{"trace_id": r.traceID})
		if r.onExpire != nil {
			r.onExpire()
		}
		return true
	}

	switch {
	case r.kind == reqGet && r.readOnly:
		w.spawnRead(r)
	case r.kind == reqSetMaxProcesses:
		old := w.maxProcesses
		w.maxProcesses = r.newMaxProcesses
		w.srv.emit(EventMaxProcessesUpdate, w.key, map[string]any{"old": old, "new": r.newMaxProcesses})
	case r.kind == reqShareWait:
		w.handleShareWait(r)
	default:
		w.runInline(r)
	}
	return true
}

// spawnRead hands a Get callback to its own goroutine bound to an
// immutable snapshot of box, incrementing processes so the budget is
// enforced, and decrementing it again via a mailbox self-notification once
// the goroutine finishes (the rearchitected, explicit form of the
// process-dictionary-based {info: Done} signal from the design notes).
func (w *worker[K, V]) spawnRead(r *request[K, V]) {
	w.processes++
	w.srv.metrics.readTasksActive.Add(1)
	snapshot := w.box
	go func() {
		defer w.mailbox.push(workerMsg[K, V]{})
		r.execute(snapshot)
	}()
}

// runInline executes a GetAndUpdate-class callback on the worker's own
// goroutine, enforcing Break(d) if requested.
// Go has no way to preempt a running goroutine; "kill" is rendered as
// abandoning the callback's goroutine and moving on without its result,
// which is observably equivalent from the caller's side (the box is left
// unchanged and the caller sees ErrTooLong) even though the orphaned
// goroutine keeps running to completion in the background.
func (w *worker[K, V]) runInline(r *request[K, V]) {
	if !r.timeout.breaks() {
		w.box = r.execute(w.box)
		return
	}

	deadline, _ := r.timeout.deadline(time.Now())
	budget := time.Until(deadline)
	if budget <= 0 {
		budget = time.Nanosecond
	}

	result := make(chan box[V], 1)
	cur := w.box
	go func() { result <- r.execute(cur) }()

	select {
	case newBox := <-result:
		w.box = newBox
	case <-time.After(budget):
		w.srv.metrics.requestsTooLong.Add(1)
		w.srv.emit(EventRequestTooLong, w.key, map[string]any{"trace_id": r.traceID})
		if r.onTooLong != nil {
			r.onTooLong()
		}
	}
}

// handleShareWait implements the multi-key coordinator's atomicity
// guarantee for a get_upd key: emit the current value, then block — no
// other request on this worker is processed — until the publish decision
// arrives.
func (w *worker[K, V]) handleShareWait(r *request[K, V]) {
	sv := shareValue[K, V]{key: w.key}
	if w.box.present {
		sv.value, sv.present = w.box.value, true
	}

	select {
	case r.share <- sv:
	case <-time.After(shareSendTimeout):
		return
	}

	var timeoutCh <-chan time.Time
	if deadline, ok := r.timeout.deadline(r.insertedAt); ok {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case action := <-r.decision:
		w.box = action.apply(w.box)
	case <-timeoutCh:
		w.srv.emit(EventTransactionFailed, w.key, map[string]any{"reason": "publish timeout"})
	}
}

const shareSendTimeout = 2 * time.Second

func jitterUp(d time.Duration) time.Duration {
	extra := time.Duration(rand.Int63n(int64(d/4 + 1)))
	return d + extra
}
