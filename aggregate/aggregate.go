// Package aggregate recovers state from a stream, persists new events with an
// optimistic concurrency check and reruns decisions on conflicts.
package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/ledger/cache"
	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/serde"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const DefaultRetries = 3

// Fold applies one current event to a state. It must handle every pair the
// domain can produce and return an error for the ones it can not.
type Fold[S, E any] func(state S, event E) (S, error)

// Versioned is a state together with the seq of the last event folded into it.
type Versioned[S any] struct {
	State S
	Seq   uint64
}

type Aggregate[S, E any] struct {
	journal  journal.Journal
	registry *serde.Registry[E]
	initial  S
	fold     Fold[S, E]
	cache    cache.Cache[S]
	retries  int
}

type Option func(*options)

type options struct {
	cache   any
	retries int
}

// WithCache uses c as a hint when recovering.
func WithCache[S any](c cache.Cache[S]) Option {
	return func(o *options) { o.cache = c }
}

// WithRetries sets how often Execute reruns after a conflict.
func WithRetries(n int) Option {
	return func(o *options) { o.retries = n }
}

func New[S, E any](
	j journal.Journal,
	registry *serde.Registry[E],
	initial S,
	fold Fold[S, E],
	opts ...Option,
) *Aggregate[S, E] {
	o := options{retries: DefaultRetries}
	for _, opt := range opts {
		opt(&o)
	}
	var c cache.Cache[S] = cache.Noop[S]{}
	if o.cache != nil {
		typed, ok := o.cache.(cache.Cache[S])
		if !ok {
			panic(fmt.Sprintf("aggregate: cache %T does not hold %T", o.cache, initial))
		}
		c = typed
	}
	if o.retries < 0 {
		o.retries = 0
	}
	return &Aggregate[S, E]{
		journal:  j,
		registry: registry,
		initial:  initial,
		fold:     fold,
		cache:    c,
		retries:  o.retries,
	}
}

// Recover returns the current state of the stream. A cached entry is only a
// starting point, the journal is always read after its seq.
func (a *Aggregate[S, E]) Recover(ctx context.Context, streamID string) (Versioned[S], error) {
	base := Versioned[S]{State: a.initial}
	cached, hit := a.cache.Get(streamID)
	if hit {
		base = Versioned[S]{State: cached.State, Seq: cached.Seq}
	}
	recs, err := a.journal.ReadStream(ctx, streamID, base.Seq+1)
	if err != nil {
		return base, err
	}
	v, err := a.replay(base, recs)
	if err != nil {
		a.cache.Invalidate(streamID)
		return Versioned[S]{State: a.initial}, err
	}
	if !hit || v.Seq != base.Seq {
		a.cache.Set(streamID, cache.Entry[S]{State: v.State, Seq: v.Seq})
	}
	return v, nil
}

func (a *Aggregate[S, E]) replay(v Versioned[S], recs []journal.Record) (Versioned[S], error) {
	for _, rec := range recs {
		if rec.Seq != v.Seq+1 {
			return v, fmt.Errorf("%w: stream %q expected seq %d, read %d", ErrSeqGap, rec.StreamID, v.Seq+1, rec.Seq)
		}
		events, err := a.registry.Decode(rec)
		if err != nil {
			return v, fmt.Errorf("stream %q seq %d: %w", rec.StreamID, rec.Seq, err)
		}
		for _, e := range events {
			v.State, err = a.fold(v.State, e)
			if err != nil {
				return v, fmt.Errorf("stream %q seq %d: %w", rec.StreamID, rec.Seq, err)
			}
		}
		v.Seq = rec.Seq
	}
	return v, nil
}

// Persist appends events after base.Seq and folds them onto base. On a
// conflict the cached entry for the stream is dropped and the conflict is
// returned with base unchanged.
func (a *Aggregate[S, E]) Persist(ctx context.Context, streamID string, base Versioned[S], events ...E) (Versioned[S], error) {
	if len(events) == 0 {
		return base, nil
	}
	serialized, err := a.registry.SerializeAll(events)
	if err != nil {
		return base, err
	}
	last, err := a.journal.Append(ctx, streamID, base.Seq, serialized...)
	if err != nil {
		if errors.Is(err, journal.ErrConflict) {
			a.cache.Invalidate(streamID)
		}
		return base, err
	}
	state := base.State
	for _, e := range events {
		current, err := a.registry.Upcast(e)
		if err != nil {
			a.cache.Invalidate(streamID)
			return base, err
		}
		for _, ce := range current {
			state, err = a.fold(state, ce)
			if err != nil {
				a.cache.Invalidate(streamID)
				return base, fmt.Errorf("folding persisted events: %w", err)
			}
		}
	}
	v := Versioned[S]{State: state, Seq: last}
	a.cache.Set(streamID, cache.Entry[S]{State: v.State, Seq: v.Seq})
	return v, nil
}

// Execute recovers the stream, lets decide produce events from the state and
// persists them. The three steps are rerun on conflicts.
func (a *Aggregate[S, E]) Execute(
	ctx context.Context,
	streamID string,
	decide func(state S) ([]E, error),
) (Versioned[S], error) {
	return Retry(ctx, a.retries, func(ctx context.Context) (Versioned[S], error) {
		v, err := a.Recover(ctx, streamID)
		if err != nil {
			return v, err
		}
		events, err := decide(v.State)
		if err != nil {
			return v, err
		}
		return a.Persist(ctx, streamID, v, events...)
	})
}
