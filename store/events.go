package store

import "github.com/tailored-agentic-units/keyedstore/observability"

// Event types emitted by a Store during its lifetime. Mirrors
// kernel.EventRunStart et al.: one constant per notable transition, fed
// into whatever Observer the Store was configured with.
const (
	EventWorkerSpawn        observability.EventType = "store.worker.spawn"
	EventWorkerDie          observability.EventType = "store.worker.die"
	EventWorkerCrashed      observability.EventType = "store.worker.crashed"
	EventCellGC             observability.EventType = "store.cell.gc"
	EventRequestExpired     observability.EventType = "store.request.expired"
	EventRequestTooLong     observability.EventType = "store.request.too_long"
	EventCallbackError      observability.EventType = "store.callback.error"
	EventTransactionStart   observability.EventType = "store.transaction.start"
	EventTransactionFailed  observability.EventType = "store.transaction.failed"
	EventTransactionDone    observability.EventType = "store.transaction.done"
	EventMaxProcessesUpdate observability.EventType = "store.max_processes.update"
)
