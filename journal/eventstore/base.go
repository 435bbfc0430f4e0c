// Package eventstore stores the journal in EventStoreDB. Streams map one to
// one, seq is the event number plus one and the global position is the
// prepare position of the event in $all, so positions are sparse.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/EventStore/EventStore-Client-Go/esdb"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/ledger/journal"
)

const (
	backend     = "eventstore"
	readBatch   = 1000
	defaultPort = "2113"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

type Journal struct {
	c      *esdb.Client
	lock   sync.RWMutex
	closed bool
}

// Open connects to an insecure single node. The address is host or
// host:port, port 2113 is used when it is left out.
func Open(address string) (*Journal, error) {
	settings, err := esdb.ParseConnectionString(connectionString(address))
	if err != nil {
		return nil, err
	}
	c, err := esdb.NewClient(settings)
	if err != nil {
		return nil, journal.Unavailable("connect", err)
	}
	return &Journal{c: c}, nil
}

func connectionString(address string) string {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, defaultPort)
	}
	return fmt.Sprintf("esdb://%s?tls=false", address)
}

func expectedRevision(lastSeq uint64) esdb.ExpectedRevision {
	if lastSeq == 0 {
		return esdb.NoStream{}
	}
	return esdb.Revision(lastSeq - 1)
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
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return 0, journal.ErrClosed
	}
	data := make([]esdb.EventData, len(events))
	for i, e := range events {
		data[i] = esdb.EventData{
			EventID:     e.ID,
			ContentType: esdb.BinaryContentType,
			EventType:   e.Manifest,
			Data:        e.Payload,
			Metadata:    e.Metadata,
		}
	}
	_, err = j.c.AppendToStream(ctx, streamID, esdb.AppendToStreamOptions{
		ExpectedRevision: expectedRevision(expectedLastSeq),
	}, data...)
	if err == nil {
		return expectedLastSeq + uint64(len(events)), nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	// The client reports a wrong expected revision as an ordinary error, the
	// stream head tells whether it was one.
	actual, lerr := j.lastSeq(ctx, streamID)
	if lerr != nil {
		log.WithError(lerr).Debug("reading stream head after failed append", "stream", streamID)
		return 0, journal.Unavailable("append", err)
	}
	if actual != expectedLastSeq {
		return 0, &journal.ConflictError{StreamID: streamID, Expected: expectedLastSeq, Actual: actual}
	}
	return 0, journal.Unavailable("append", err)
}

func (j *Journal) ReadStream(
	ctx context.Context,
	streamID string,
	fromSeq uint64,
) (out []journal.Record, err error) {
	defer func() {
		journal.ObserveRead(backend, "stream", len(out), err)
	}()
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return nil, journal.ErrClosed
	}
	if fromSeq == 0 {
		fromSeq = 1
	}
	out = []journal.Record{}
	from := fromSeq - 1
	for {
		batch, err := j.readStreamBatch(ctx, streamID, from)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < readBatch {
			return out, nil
		}
		from = batch[len(batch)-1].Seq
	}
}

func (j *Journal) readStreamBatch(ctx context.Context, streamID string, revision uint64) ([]journal.Record, error) {
	rs, err := j.c.ReadStream(ctx, streamID, esdb.ReadStreamOptions{
		Direction: esdb.Forwards,
		From:      esdb.Revision(revision),
	}, readBatch)
	if errors.Is(err, esdb.ErrStreamNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, journal.Unavailable("read stream", err)
	}
	defer rs.Close()
	out := make([]journal.Record, 0)
	for {
		e, err := rs.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if errors.Is(err, esdb.ErrStreamNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, journal.Unavailable("read stream", err)
		}
		out = append(out, toRecord(e.OriginalEvent()))
	}
}

func (j *Journal) ReadAll(
	ctx context.Context,
	after journal.Position,
	limit int,
) (out []journal.Record, err error) {
	defer func() {
		journal.ObserveRead(backend, "all", len(out), err)
	}()
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return nil, journal.ErrClosed
	}
	out = []journal.Record{}
	if after == journal.End {
		return
	}
	if limit <= 0 {
		limit = readBatch
	}
	return pageAll(after, limit, func(from esdb.AllPosition) ([]*esdb.RecordedEvent, error) {
		return j.readAllBatch(ctx, from)
	})
}

// pageAll reads $all page by page until limit records outside the system
// streams are collected or a short page marks the end. Pages may start with
// the entry they were read from.
func pageAll(
	after journal.Position,
	limit int,
	read func(from esdb.AllPosition) ([]*esdb.RecordedEvent, error),
) ([]journal.Record, error) {
	out := []journal.Record{}
	seen := uint64(after)
	var from esdb.AllPosition = esdb.Start{}
	if after != journal.Start {
		from = esdb.Position{Commit: seen, Prepare: seen}
	}
	for {
		batch, err := read(from)
		if err != nil {
			return nil, err
		}
		for _, re := range batch {
			if re.Position.Prepare <= seen {
				continue
			}
			seen = re.Position.Prepare
			if isSystem(re) {
				continue
			}
			out = append(out, toRecord(re))
			if len(out) == limit {
				return out, nil
			}
		}
		if len(batch) < readBatch {
			return out, nil
		}
		from = batch[len(batch)-1].Position
	}
}

func (j *Journal) readAllBatch(ctx context.Context, from esdb.AllPosition) ([]*esdb.RecordedEvent, error) {
	rs, err := j.c.ReadAll(ctx, esdb.ReadAllOptions{
		Direction: esdb.Forwards,
		From:      from,
	}, readBatch)
	if err != nil {
		return nil, journal.Unavailable("read all", err)
	}
	defer rs.Close()
	out := make([]*esdb.RecordedEvent, 0, readBatch)
	for {
		e, err := rs.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, journal.Unavailable("read all", err)
		}
		out = append(out, e.OriginalEvent())
	}
}

func isSystem(e *esdb.RecordedEvent) bool {
	return strings.HasPrefix(e.EventType, "$") || strings.HasPrefix(e.StreamID, "$")
}

func toRecord(e *esdb.RecordedEvent) journal.Record {
	return journal.Record{
		Event: journal.Event{
			ID:       e.EventID,
			Manifest: e.EventType,
			Payload:  e.Data,
			Metadata: e.UserMetadata,
		},
		StreamID: e.StreamID,
		Seq:      e.EventNumber + 1,
		Position: journal.Position(e.Position.Prepare),
		Created:  e.CreatedDate,
	}
}

func (j *Journal) LastSeq(ctx context.Context, streamID string) (uint64, error) {
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return 0, journal.ErrClosed
	}
	return j.lastSeq(ctx, streamID)
}

func (j *Journal) lastSeq(ctx context.Context, streamID string) (uint64, error) {
	rs, err := j.c.ReadStream(ctx, streamID, esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}, 1)
	if errors.Is(err, esdb.ErrStreamNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, journal.Unavailable("last seq", err)
	}
	defer rs.Close()
	e, err := rs.Recv()
	if errors.Is(err, esdb.ErrStreamNotFound) || errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil {
		return 0, journal.Unavailable("last seq", err)
	}
	return e.OriginalEvent().EventNumber + 1, nil
}

func (j *Journal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.c.Close()
}
