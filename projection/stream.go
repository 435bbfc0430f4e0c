// Package projection reads the journal in global order and keeps read models
// up to date, resuming from a stored offset after restarts.
package projection

import (
	"context"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/ledger/journal"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultBatchSize    = 256
	DefaultRetryDelay   = time.Second
)

type Option func(*options)

type options struct {
	pollInterval time.Duration
	batchSize    int
	retryLimit   int
	retryDelay   time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		retryDelay:   DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	if o.retryLimit < 0 {
		o.retryLimit = 0
	}
	if o.retryDelay < 0 {
		o.retryDelay = 0
	}
	return o
}

// WithPollInterval sets how long the stream waits before polling again once
// it has caught up.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithBatchSize sets the most records read per poll.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithRetryLimit sets how often a failing handler is retried for one record
// before Run gives up. 0 retries forever.
func WithRetryLimit(n int) Option {
	return func(o *options) { o.retryLimit = n }
}

func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// Stream delivers journal records after a position, in position order, by
// polling the reader from a single goroutine.
type Stream struct {
	events chan journal.Record
	cancel context.CancelFunc
	done   chan struct{}
}

func Open(ctx context.Context, reader journal.Reader, after journal.Position, opts ...Option) *Stream {
	o := newOptions(opts)
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan journal.Record),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.poll(ctx, reader, after, o)
	return s
}

// Events is closed once the stream stops.
func (s *Stream) Events() <-chan journal.Record {
	return s.events
}

// Close stops polling and waits for an in flight poll to return.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

func (s *Stream) poll(ctx context.Context, reader journal.Reader, after journal.Position, o options) {
	defer close(s.done)
	defer close(s.events)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		recs, err := reader.ReadAll(ctx, after, o.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warning("polling journal", "after", after)
			timer.Reset(o.pollInterval)
			continue
		}
		for _, rec := range recs {
			if rec.Position <= after {
				log.Warning("skipping record that is not after the stream position", "position", rec.Position, "after", after)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case s.events <- rec:
				after = rec.Position
			}
		}
		if len(recs) >= o.batchSize {
			timer.Reset(0)
			continue
		}
		timer.Reset(o.pollInterval)
	}
}
