package aggregate

import (
	"context"
	"errors"

	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/metrics"
)

var retryCount = metrics.NewCounterVec("aggregate_conflict_retries_total", "units of work rerun after an optimistic concurrency conflict")

// Retry runs op and reruns the whole of it when it fails with a journal
// conflict, at most retries more times. Any other error, rejections
// included, is returned at once. When the budget is spent the last conflict
// is returned.
func Retry[T any](ctx context.Context, retries int, op func(ctx context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		out, err := op(ctx)
		if err == nil || !errors.Is(err, journal.ErrConflict) || attempt >= retries {
			return out, err
		}
		if cerr := ctx.Err(); cerr != nil {
			return out, err
		}
		retryCount.Inc()
		log.WithError(err).Debug("retrying after conflict", "attempt", attempt+1, "retries", retries)
	}
}
