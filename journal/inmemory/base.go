package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/ledger/journal"
)

const backend = "inmemory"

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

type appendRequest struct {
	streamID string
	expected uint64
	events   []journal.Event
	status   chan<- appendStatus
}

type appendStatus struct {
	lastSeq uint64
	err     error
}

// Journal keeps every record in process memory. All appends go through a
// single writer goroutine, the expected sequence check and the write happen
// in the same step there.
type Journal struct {
	ctx     context.Context
	cancel  context.CancelFunc
	writes  chan appendRequest
	done    chan struct{}
	dbLock  *sync.RWMutex
	db      []journal.Record
	streams map[string][]int
}

func Init(ctx context.Context) (j *Journal, err error) {
	ctx, cancel := context.WithCancel(ctx)
	j = &Journal{
		ctx:     ctx,
		cancel:  cancel,
		writes:  make(chan appendRequest),
		done:    make(chan struct{}),
		dbLock:  &sync.RWMutex{},
		db:      make([]journal.Record, 0),
		streams: make(map[string][]int),
	}
	go j.writeStream()
	return
}

func (j *Journal) writeStream() {
	defer close(j.done)
	for {
		select {
		case <-j.ctx.Done():
			return
		case req := <-j.writes:
			req.status <- j.write(req)
		}
	}
}

func (j *Journal) write(req appendRequest) appendStatus {
	j.dbLock.Lock()
	defer j.dbLock.Unlock()
	indexes := j.streams[req.streamID]
	actual := uint64(len(indexes))
	if actual != req.expected {
		return appendStatus{
			err: &journal.ConflictError{
				StreamID: req.streamID,
				Expected: req.expected,
				Actual:   actual,
			},
		}
	}
	now := time.Now()
	for i, e := range req.events {
		j.db = append(j.db, journal.Record{
			Event:    e,
			StreamID: req.streamID,
			Seq:      req.expected + uint64(i) + 1,
			Position: journal.Position(len(j.db) + 1),
			Created:  now,
		})
		indexes = append(indexes, len(j.db)-1)
	}
	j.streams[req.streamID] = indexes
	log.Trace("appended events", "stream", req.streamID, "last_seq", len(indexes))
	return appendStatus{lastSeq: uint64(len(indexes))}
}

func (j *Journal) Append(
	ctx context.Context,
	streamID string,
	expectedLastSeq uint64,
	events ...journal.Event,
) (lastSeq uint64, err error) {
	defer func() {
		journal.ObserveAppend(backend, len(events), err)
	}()
	if err = journal.ValidateAppend(streamID, events); err != nil {
		return
	}
	events, err = journal.WithIDs(events)
	if err != nil {
		return
	}
	status := make(chan appendStatus, 1)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-j.done:
		return 0, journal.ErrClosed
	case j.writes <- appendRequest{
		streamID: streamID,
		expected: expectedLastSeq,
		events:   events,
		status:   status,
	}:
	}
	s := <-status
	return s.lastSeq, s.err
}

func (j *Journal) ReadStream(
	ctx context.Context,
	streamID string,
	fromSeq uint64,
) ([]journal.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.dbLock.RLock()
	defer j.dbLock.RUnlock()
	indexes := j.streams[streamID]
	if fromSeq == 0 {
		fromSeq = 1
	}
	if fromSeq > uint64(len(indexes)) {
		journal.ObserveRead(backend, "stream", 0, nil)
		return []journal.Record{}, nil
	}
	out := make([]journal.Record, 0, uint64(len(indexes))-fromSeq+1)
	for _, i := range indexes[fromSeq-1:] {
		out = append(out, j.db[i])
	}
	journal.ObserveRead(backend, "stream", len(out), nil)
	return out, nil
}

func (j *Journal) ReadAll(
	ctx context.Context,
	after journal.Position,
	limit int,
) ([]journal.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.dbLock.RLock()
	defer j.dbLock.RUnlock()
	if after >= journal.Position(len(j.db)) {
		journal.ObserveRead(backend, "all", 0, nil)
		return []journal.Record{}, nil
	}
	records := j.db[after:]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	out := make([]journal.Record, len(records))
	copy(out, records)
	journal.ObserveRead(backend, "all", len(out), nil)
	return out, nil
}

func (j *Journal) LastSeq(ctx context.Context, streamID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j.dbLock.RLock()
	defer j.dbLock.RUnlock()
	return uint64(len(j.streams[streamID])), nil
}

// End returns the position of the newest record.
func (j *Journal) End() journal.Position {
	j.dbLock.RLock()
	defer j.dbLock.RUnlock()
	return journal.Position(len(j.db))
}

func (j *Journal) Head(ctx context.Context) (journal.Position, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return j.End(), nil
}

// Close stops the writer after any append it is working on has finished.
func (j *Journal) Close() error {
	j.cancel()
	<-j.done
	return nil
}
