package projection

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/metrics"
	"github.com/iidesho/ledger/offset"
	"github.com/iidesho/ledger/serde"
)

var ErrRetriesExhausted = errors.New("projection handler retries exhausted")

var (
	processedCount = metrics.NewCounterVec("projection_events_processed_total", "events handled by a projection", "projection")
	failedCount    = metrics.NewCounterVec("projection_handler_failures_total", "handler calls that returned an error", "projection")
	offsetGauge    = metrics.NewGaugeVec("projection_offset", "last committed journal position of a projection", "projection")
)

// Delivery is one current event handed to a projection handler together with
// the record it was decoded from. A legacy record that upcasts into several
// events is delivered once per event, all with the same record.
type Delivery[E any] struct {
	Event  E
	Record journal.Record
}

// Handler updates a read model. Records are delivered at least once, so a
// handler has to tolerate seeing a record again after a failure or restart.
type Handler[E any] func(ctx context.Context, d Delivery[E]) error

// Projection feeds every record of the journal to a handler and commits its
// offset after each handled record. Only one Run per projection id may be
// active at a time.
type Projection[E any] struct {
	id       string
	reader   journal.Reader
	offsets  offset.Store
	registry *serde.Registry[E]
	handler  Handler[E]
	opts     []Option
	o        options
	position atomic.Uint64
}

func New[E any](
	id string,
	reader journal.Reader,
	offsets offset.Store,
	registry *serde.Registry[E],
	handler Handler[E],
	opts ...Option,
) *Projection[E] {
	return &Projection[E]{
		id:       id,
		reader:   reader,
		offsets:  offsets,
		registry: registry,
		handler:  handler,
		opts:     opts,
		o:        newOptions(opts),
	}
}

func (p *Projection[E]) ID() string {
	return p.id
}

// Position is the last offset committed by Run.
func (p *Projection[E]) Position() journal.Position {
	return journal.Position(p.position.Load())
}

var errStopped = errors.New("projection stopped")

// Run processes records until ctx is cancelled, which returns nil after the
// record in flight is handled and committed. It returns an error when the
// offset can not be loaded or saved, a record has an unknown manifest or the
// retry limit is reached. A handled record whose offset was not saved is
// delivered again by the next Run.
func (p *Projection[E]) Run(ctx context.Context) error {
	pos, err := p.offsets.Load(ctx, p.id)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("loading offset for projection %q: %w", p.id, err)
	}
	p.position.Store(uint64(pos))
	offsetGauge.Set(float64(pos), p.id)
	log.Info("starting projection", "projection", p.id, "offset", pos)

	s := Open(ctx, p.reader, pos, p.opts...)
	defer s.Close()
	for rec := range s.Events() {
		err = p.process(ctx, rec)
		if errors.Is(err, errStopped) {
			break
		}
		if err != nil {
			log.WithError(err).Error("stopping projection", "projection", p.id, "position", rec.Position)
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.Info("projection stopped", "projection", p.id, "offset", p.Position())
	return nil
}

func (p *Projection[E]) process(ctx context.Context, rec journal.Record) error {
	events, err := p.registry.Decode(rec)
	if err != nil {
		return fmt.Errorf("projection %q decoding position %d: %w", p.id, rec.Position, err)
	}
	work := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		err = p.handle(work, rec, events)
		if err == nil {
			break
		}
		failedCount.Inc(p.id)
		log.WithError(err).Warning("handling record", "projection", p.id, "position", rec.Position, "attempt", attempt)
		if p.o.retryLimit > 0 && attempt > p.o.retryLimit {
			return fmt.Errorf("%w: projection %q position %d: %w", ErrRetriesExhausted, p.id, rec.Position, err)
		}
		select {
		case <-ctx.Done():
			return errStopped
		case <-time.After(p.o.retryDelay):
		}
	}
	processedCount.Add(float64(len(events)), p.id)
	if err = p.offsets.Save(work, p.id, rec.Position); err != nil {
		return fmt.Errorf("projection %q saving offset %d: %w", p.id, rec.Position, err)
	}
	p.position.Store(uint64(rec.Position))
	offsetGauge.Set(float64(rec.Position), p.id)
	return nil
}

func (p *Projection[E]) handle(ctx context.Context, rec journal.Record, events []E) error {
	for _, e := range events {
		if err := p.handler(ctx, Delivery[E]{Event: e, Record: rec}); err != nil {
			return err
		}
	}
	return nil
}
