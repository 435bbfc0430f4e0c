package ondisk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/ledger/bcts"
	"github.com/iidesho/ledger/journal"
)

const (
	backend = "ondisk"
	// txnRetries bounds how often a write is redone after badger reports a
	// transaction conflict. Every append touches the position key, so
	// concurrent appends on different streams also collide here.
	txnRetries = 64
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// Journal stores records in a badger database. One append is one badger
// transaction holding the stream head, the seq index entries, the records
// and the global position.
type Journal struct {
	db     *badger.DB
	lock   sync.RWMutex
	closed bool
}

func Open(dir string) (*Journal, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(badgerLogger{}))
	if err != nil {
		return nil, journal.Unavailable("open", err)
	}
	return &Journal{db: db}, nil
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
	for range txnRetries {
		if err = ctx.Err(); err != nil {
			return 0, err
		}
		err = j.db.Update(func(txn *badger.Txn) error {
			return appendTxn(txn, streamID, expectedLastSeq, events)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		log.Debug("retrying append after transaction conflict", "stream", streamID)
	}
	var ce *journal.ConflictError
	switch {
	case err == nil:
		return expectedLastSeq + uint64(len(events)), nil
	case errors.As(err, &ce):
		return 0, err
	default:
		return 0, journal.Unavailable("append", err)
	}
}

func appendTxn(txn *badger.Txn, streamID string, expected uint64, events []journal.Event) error {
	actual, err := getUint64(txn, headKey(streamID))
	if err != nil {
		return err
	}
	if actual != expected {
		return &journal.ConflictError{StreamID: streamID, Expected: expected, Actual: actual}
	}
	pos, err := getUint64(txn, positionKey)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i, e := range events {
		pos++
		r := storeRecord{
			Event:    e,
			StreamID: streamID,
			Seq:      expected + uint64(i) + 1,
			Position: journal.Position(pos),
			Created:  now,
		}
		data, err := bcts.Write(r)
		if err != nil {
			return err
		}
		if err = txn.Set(recordKey(r.Position), data); err != nil {
			return err
		}
		if err = txn.Set(seqKey(streamID, r.Seq), encodeUint64(pos)); err != nil {
			return err
		}
	}
	if err = txn.Set(headKey(streamID), encodeUint64(expected+uint64(len(events)))); err != nil {
		return err
	}
	return txn.Set(positionKey, encodeUint64(pos))
}

func getUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return decodeUint64(v)
}

func getRecord(txn *badger.Txn, p journal.Position) (journal.Record, error) {
	item, err := txn.Get(recordKey(p))
	if err != nil {
		return journal.Record{}, fmt.Errorf("record at position %d: %w", p, err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return journal.Record{}, err
	}
	r, err := bcts.Read[storeRecord](data)
	return journal.Record(r), err
}

func (j *Journal) ReadStream(
	ctx context.Context,
	streamID string,
	fromSeq uint64,
) (out []journal.Record, err error) {
	defer func() {
		journal.ObserveRead(backend, "stream", len(out), err)
	}()
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return nil, journal.ErrClosed
	}
	if fromSeq == 0 {
		fromSeq = 1
	}
	out = []journal.Record{}
	err = j.db.View(func(txn *badger.Txn) error {
		prefix := seqPrefix(streamID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(seqKey(streamID, fromSeq)); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			pos, err := decodeUint64(v)
			if err != nil {
				return err
			}
			r, err := getRecord(txn, journal.Position(pos))
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, journal.Unavailable("read stream", err)
	}
	return
}

func (j *Journal) ReadAll(
	ctx context.Context,
	after journal.Position,
	limit int,
) (out []journal.Record, err error) {
	defer func() {
		journal.ObserveRead(backend, "all", len(out), err)
	}()
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return nil, journal.ErrClosed
	}
	out = []journal.Record{}
	if after == journal.End {
		return
	}
	err = j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(recordKey(after + 1)); it.ValidForPrefix(recordPrefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			r, err := bcts.Read[storeRecord](data)
			if err != nil {
				return err
			}
			out = append(out, journal.Record(r))
		}
		return nil
	})
	if err != nil {
		return nil, journal.Unavailable("read all", err)
	}
	return
}

func (j *Journal) LastSeq(ctx context.Context, streamID string) (seq uint64, err error) {
	if err = ctx.Err(); err != nil {
		return 0, err
	}
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return 0, journal.ErrClosed
	}
	err = j.db.View(func(txn *badger.Txn) error {
		seq, err = getUint64(txn, headKey(streamID))
		return err
	})
	if err != nil {
		return 0, journal.Unavailable("last seq", err)
	}
	return
}

func (j *Journal) Head(ctx context.Context) (pos journal.Position, err error) {
	if err = ctx.Err(); err != nil {
		return 0, err
	}
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return 0, journal.ErrClosed
	}
	err = j.db.View(func(txn *badger.Txn) error {
		p, err := getUint64(txn, positionKey)
		pos = journal.Position(p)
		return err
	})
	if err != nil {
		return 0, journal.Unavailable("head", err)
	}
	return
}

// Close waits for in-flight calls and closes the database.
func (j *Journal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{}) {
	log.Error(fmt.Sprintf(f, v...))
}

func (badgerLogger) Warningf(f string, v ...interface{}) {
	log.Warning(fmt.Sprintf(f, v...))
}

func (badgerLogger) Infof(f string, v ...interface{}) {
	log.Debug(fmt.Sprintf(f, v...))
}

func (badgerLogger) Debugf(f string, v ...interface{}) {
	log.Trace(fmt.Sprintf(f, v...))
}
