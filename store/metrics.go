package store

import "sync/atomic"

// MetricsSnapshot is a point-in-time read of a Store's operational counters.
type MetricsSnapshot struct {
	LiveWorkers     int64
	CellsGCed       int64
	RequestsExpired int64
	RequestsTooLong int64
	ReadTasksActive int64
	Transactions    int64
	TransactionsErr int64
}

// metrics tracks operational counters for a Store, grounded on
// orchestrate/hub's atomic-counter Metrics/MetricsSnapshot pattern.
type metrics struct {
	liveWorkers     atomic.Int64
	cellsGCed       atomic.Int64
	requestsExpired atomic.Int64
	requestsTooLong atomic.Int64
	readTasksActive atomic.Int64
	transactions    atomic.Int64
	transactionsErr atomic.Int64
}

func newMetrics() *metrics { return &metrics{} }

func (m *metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		LiveWorkers:     m.liveWorkers.Load(),
		CellsGCed:       m.cellsGCed.Load(),
		RequestsExpired: m.requestsExpired.Load(),
		RequestsTooLong: m.requestsTooLong.Load(),
		ReadTasksActive: m.readTasksActive.Load(),
		Transactions:    m.transactions.Load(),
		TransactionsErr: m.transactionsErr.Load(),
	}
}
