package journal

import (
	"errors"

	"github.com/iidesho/ledger/metrics"
)

var (
	appendCount   = metrics.NewCounterVec("journal_append_events_total", "events appended to the journal", "backend")
	conflictCount = metrics.NewCounterVec("journal_append_conflicts_total", "appends rejected by the optimistic concurrency check", "backend")
	failureCount  = metrics.NewCounterVec("journal_failures_total", "journal calls that failed with a storage error", "backend", "op")
	readCount     = metrics.NewCounterVec("journal_read_records_total", "records read from the journal", "backend", "kind")
)

// ObserveAppend records the outcome of one Append call for the given backend.
func ObserveAppend(backend string, events int, err error) {
	switch {
	case err == nil:
		appendCount.Add(float64(events), backend)
	case errors.Is(err, ErrConflict):
		conflictCount.Inc(backend)
	case errors.Is(err, ErrStorageUnavailable):
		failureCount.Inc(backend, "append")
	}
}

// ObserveRead records records returned from ReadStream ("stream") or ReadAll ("all").
func ObserveRead(backend, kind string, records int, err error) {
	if err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			failureCount.Inc(backend, kind)
		}
		return
	}
	readCount.Add(float64(records), backend, kind)
}
