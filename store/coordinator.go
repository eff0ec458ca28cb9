package store

import (
	"time"

	"github.com/google/uuid"
)

// TxResult is what a multi-key transaction callback returns: a single reply
// plus a map of per-key actions. It collapses §4.3's Phase 3 interpretation
// table (`ret` | `{ret}` | `{ret,:drop}` | `{ret,[v1..vn]}` | `{ret,map}` |
// `[a1..an]`) into one shape: a missing entry in Actions means Keep (the
// `{ret}` row's "for all keys in upd_set -> :id"), and any key present in
// Actions that isn't in the transaction's upd_set is a caller bug reported
// as ErrUnknownKey rather than silently ignored.
type TxResult[K comparable, V any, R any] struct {
	Reply   R
	Actions map[K]Action[V]
}

// TxFunc is a multi-key transaction callback: it receives the current
// values for the transaction's get_set (upd_set-only keys are absent from
// the map, since nothing reads them) and decides a reply plus per-key
// actions for upd_set.
type TxFunc[K comparable, V any, R any] func(values map[K]V) TxResult[K, V, R]

// txOptions configures a multi-key transaction. The zero value is Infinite
// timeout with no defaults, matching GetAndUpdate's single-key defaults.
type txOptions[K comparable, V any] struct {
	timeout  Timeout
	defaults map[K]V
}

// TxOption configures a call to GetAndUpdateMany.
type TxOption[K comparable, V any] func(*txOptions[K, V])

// WithTxTimeout bounds how long the coordinator waits to collect shares
// from get_upd workers before failing the transaction with ErrWorkerCrashed.
func WithTxTimeout[K comparable, V any](t Timeout) TxOption[K, V] {
	return func(o *txOptions[K, V]) { o.timeout = t }
}

// WithTxDefault supplies the value fed to the callback for a get_set key
// that is currently absent, mirroring GetAndUpdate's per-call default.
func WithTxDefault[K comparable, V any](key K, v V) TxOption[K, V] {
	return func(o *txOptions[K, V]) {
		if o.defaults == nil {
			o.defaults = make(map[K]V)
		}
		o.defaults[key] = v
	}
}

// txWait tracks one get_upd key's outstanding share-and-wait handshake
// across the collect and publish phases.
type txWait[K comparable, V any] struct {
	key      K
	collect  <-chan shareValue[K, V]
	decision chan<- Action[V]
}

// GetAndUpdateMany runs the four-phase multi-key transaction protocol of
// §4.3 over getSet and updSet: prepare (classify into only_get/get_upd/
// only_upd and fan the reads out), collect (wait on every get_upd share),
// callback (invoke fn once against a consistent snapshot), publish (send
// each worker its per-key action). It is a free function, not a Store
// method, because R is independent of the Store's own K, V type parameters
// and Go methods cannot introduce additional type parameters.
func GetAndUpdateMany[K comparable, V any, R any](s *Store[K, V], getSet, updSet []K, fn TxFunc[K, V, R], opts ...TxOption[K, V]) (R, error) {
	var zero R
	if s.srv.stopped.Load() {
		return zero, ErrShutdown
	}

	o := txOptions[K, V]{timeout: InfiniteTimeout()}
	for _, opt := range opts {
		opt(&o)
	}

	onlyGet, getUpd, onlyUpd := partitionKeys(getSet, updSet)
	traceID := uuid.Must(uuid.NewV7()).String()
	s.srv.metrics.transactions.Add(1)
	s.srv.emit(EventTransactionStart, nil, map[string]any{
		"trace_id": traceID,
		"get_set":  len(getSet),
		"upd_set":  len(updSet),
	})

	// Phase 1 — prepare.
	values := make(map[K]V, len(getSet))
	for _, k := range onlyGet {
		if v, present := s.srv.peekOrShare(k, NormalPriority()); present {
			values[k] = v
		} else if d, ok := o.defaults[k]; ok {
			values[k] = d
		}
	}

	waiting := make([]txWait[K, V], 0, len(getUpd))
	for _, k := range getUpd {
		collect, decision := s.srv.shareAndWait(k, o.timeout)
		waiting = append(waiting, txWait[K, V]{key: k, collect: collect, decision: decision})
	}

	// Phase 2 — collect.
	deadline, hasDeadline := o.timeout.deadline(time.Now())
	var timeoutCh <-chan time.Time
	if hasDeadline {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	collected := make([]txWait[K, V], 0, len(waiting))
	for _, p := range waiting {
		select {
		case sv := <-p.collect:
			if sv.present {
				values[p.key] = sv.value
			} else if d, ok := o.defaults[p.key]; ok {
				values[p.key] = d
			}
			collected = append(collected, p)
		case <-timeoutCh:
			s.abortTransaction(collected, waiting)
			s.srv.metrics.transactionsErr.Add(1)
			s.srv.emit(EventTransactionFailed, nil, map[string]any{"trace_id": traceID, "reason": "collect timeout"})
			return zero, ErrWorkerCrashed
		}
	}

	// Phase 3 — callback, invoked once against the assembled snapshot.
	result := fn(values)

	// Phase 4 — publish. Validate before sending anything so a bad
	// Actions entry doesn't leave some workers blocked and others freed.
	updSetIndex := make(map[K]struct{}, len(updSet))
	for _, k := range updSet {
		updSetIndex[k] = struct{}{}
	}
	for k := range result.Actions {
		if _, ok := updSetIndex[k]; !ok {
			s.abortTransaction(collected, waiting)
			s.srv.metrics.transactionsErr.Add(1)
			s.srv.emit(EventCallbackError, k, map[string]any{"trace_id": traceID})
			return zero, &CallbackError{Key: k, Err: ErrUnknownKey}
		}
	}

	for _, p := range collected {
		action, ok := result.Actions[p.key]
		if !ok {
			action = Keep[V]()
		}
		p.decision <- action
	}
	for _, k := range onlyUpd {
		action, ok := result.Actions[k]
		if !ok {
			continue
		}
		s.srv.applyAction(k, action)
	}

	s.srv.emit(EventTransactionDone, nil, map[string]any{"trace_id": traceID})
	return result.Reply, nil
}

// abortTransaction implements §4.3's failure path: broadcast :id (Keep) to
// every get_upd worker still blocked in share-and-wait, collected or not,
// so a mid-transaction failure never leaves a worker stuck holding its
// slot forever.
func (s *Store[K, V]) abortTransaction(collected, waiting []txWait[K, V]) {
	for _, p := range waiting {
		select {
		case p.decision <- Keep[V]():
		default:
		}
	}
}

// partitionKeys implements §4.3's only_get = get_set\upd_set,
// get_upd = get_set∩upd_set, only_upd = upd_set\get_set split.
func partitionKeys[K comparable](getSet, updSet []K) (onlyGet, getUpd, onlyUpd []K) {
	inUpd := make(map[K]struct{}, len(updSet))
	for _, k := range updSet {
		inUpd[k] = struct{}{}
	}
	inGet := make(map[K]struct{}, len(getSet))
	for _, k := range getSet {
		inGet[k] = struct{}{}
		if _, ok := inUpd[k]; ok {
			getUpd = append(getUpd, k)
		} else {
			onlyGet = append(onlyGet, k)
		}
	}
	for _, k := range updSet {
		if _, ok := inGet[k]; !ok {
			onlyUpd = append(onlyUpd, k)
		}
	}
	return
}

// UpdateEach applies an independent per-key callback across keys, still
// under the same atomicity guarantee as GetAndUpdateMany (every key is
// treated as get_upd), but giving each key its own reply instead of one
// shared reply — the "[a1..an], each its own {g} or {g,v'}" row of §4.3's
// table, rendered as a map so there is no positional length to mismatch.
func UpdateEach[K comparable, V any, R any](s *Store[K, V], keys []K, fn func(key K, value V, present bool) PerKeyUpdate[V, R], opts ...TxOption[K, V]) (map[K]R, error) {
	if s.srv.stopped.Load() {
		return nil, ErrShutdown
	}

	o := txOptions[K, V]{timeout: InfiniteTimeout()}
	for _, opt := range opts {
		opt(&o)
	}

	type pending struct {
		key      K
		collect  <-chan shareValue[K, V]
		decision chan<- Action[V]
	}
	waiting := make([]pending, 0, len(keys))
	for _, k := range keys {
		collect, decision := s.srv.shareAndWait(k, o.timeout)
		waiting = append(waiting, pending{key: k, collect: collect, decision: decision})
	}

	deadline, hasDeadline := o.timeout.deadline(time.Now())
	var timeoutCh <-chan time.Time
	if hasDeadline {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	replies := make(map[K]R, len(keys))
	for _, p := range waiting {
		select {
		case sv := <-p.collect:
			value, present := sv.value, sv.present
			if !present {
				if d, ok := o.defaults[p.key]; ok {
					value, present = d, true
				}
			}
			result := fn(p.key, value, present)
			p.decision <- result.Action
			replies[p.key] = result.Reply
		case <-timeoutCh:
			for _, rest := range waiting {
				select {
				case rest.decision <- Keep[V]():
				default:
				}
			}
			return nil, ErrWorkerCrashed
		}
	}
	return replies, nil
}
