package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/ledger/journal"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const busyRetries = 5

const recordColumns = "position, stream_id, seq, event_id, manifest, payload, metadata, created_at"

// Journal appends inside one transaction that first locks the journal_head
// row. Positions are taken from that row, so they are dense and become
// visible in the order they were assigned.
type Journal struct {
	db      *sql.DB
	dialect Dialect
	lock    sync.RWMutex
	closed  bool
}

// New creates the schema if needed. The journal owns db from here on and
// closes it on Close.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Journal, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, journal.Unavailable("ping", err)
	}
	for _, stmt := range dialect.Schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, journal.Unavailable("create schema", err)
		}
	}
	log.Debug("journal schema ready", "dialect", dialect.Name())
	return &Journal{db: db, dialect: dialect}, nil
}

// DB exposes the pool so offsets and read models can share it.
func (j *Journal) DB() *sql.DB {
	return j.db
}

func (j *Journal) Append(
	ctx context.Context,
	streamID string,
	expectedLastSeq uint64,
	events ...journal.Event,
) (lastSeq uint64, err error) {
	defer func() {
		journal.ObserveAppend(j.dialect.Name(), len(events), err)
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
	for attempt := 0; ; attempt++ {
		err = j.appendTx(ctx, streamID, expectedLastSeq, events)
		if attempt >= busyRetries || !j.dialect.IsBusy(err) {
			break
		}
		log.Debug("retrying append on busy database", "stream", streamID, "attempt", attempt)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	var ce *journal.ConflictError
	switch {
	case err == nil:
		return expectedLastSeq + uint64(len(events)), nil
	case errors.As(err, &ce):
		return 0, err
	case j.dialect.IsUniqueViolation(err):
		// Someone else got the seq first, only possible if a writer bypassed
		// the head lock.
		actual, lerr := j.lastSeq(ctx, streamID)
		if lerr != nil {
			return 0, journal.Unavailable("append", lerr)
		}
		return 0, &journal.ConflictError{StreamID: streamID, Expected: expectedLastSeq, Actual: actual}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 0, err
	default:
		return 0, journal.Unavailable("append", err)
	}
}

func (j *Journal) appendTx(ctx context.Context, streamID string, expected uint64, events []journal.Event) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var head uint64
	err = tx.QueryRowContext(ctx,
		"SELECT position FROM journal_head WHERE id = 1"+j.dialect.ForUpdate(),
	).Scan(&head)
	if err != nil {
		return fmt.Errorf("lock journal head: %w", err)
	}
	var actual uint64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM journal WHERE stream_id = ?",
		streamID,
	).Scan(&actual)
	if err != nil {
		return fmt.Errorf("read stream head: %w", err)
	}
	if actual != expected {
		return &journal.ConflictError{StreamID: streamID, Expected: expected, Actual: actual}
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO journal ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().UTC().UnixNano()
	for i, e := range events {
		head++
		_, err = stmt.ExecContext(ctx,
			head,
			streamID,
			expected+uint64(i)+1,
			e.ID.String(),
			e.Manifest,
			nonNil(e.Payload),
			nonNil(e.Metadata),
			now,
		)
		if err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, "UPDATE journal_head SET position = ? WHERE id = 1", head); err != nil {
		return err
	}
	return tx.Commit()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (j *Journal) ReadStream(
	ctx context.Context,
	streamID string,
	fromSeq uint64,
) (out []journal.Record, err error) {
	defer func() {
		journal.ObserveRead(j.dialect.Name(), "stream", len(out), err)
	}()
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return nil, journal.ErrClosed
	}
	out, err = j.query(ctx,
		"SELECT "+recordColumns+" FROM journal WHERE stream_id = ? AND seq >= ? ORDER BY seq ASC",
		streamID, fromSeq,
	)
	if err != nil {
		return nil, j.readErr("read stream", err)
	}
	return
}

func (j *Journal) ReadAll(
	ctx context.Context,
	after journal.Position,
	limit int,
) (out []journal.Record, err error) {
	defer func() {
		journal.ObserveRead(j.dialect.Name(), "all", len(out), err)
	}()
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return nil, journal.ErrClosed
	}
	if after == journal.End {
		return []journal.Record{}, nil
	}
	q := "SELECT " + recordColumns + " FROM journal WHERE position > ? ORDER BY position ASC"
	args := []any{uint64(after)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	out, err = j.query(ctx, q, args...)
	if err != nil {
		return nil, j.readErr("read all", err)
	}
	return
}

func (j *Journal) readErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return journal.Unavailable(op, err)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]journal.Record, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []journal.Record{}
	for rows.Next() {
		var (
			r       journal.Record
			eventID string
			created int64
		)
		err = rows.Scan(&r.Position, &r.StreamID, &r.Seq, &eventID, &r.Manifest, &r.Payload, &r.Metadata, &created)
		if err != nil {
			return nil, err
		}
		r.ID, err = uuid.FromString(eventID)
		if err != nil {
			return nil, fmt.Errorf("event id at position %d: %w", r.Position, err)
		}
		r.Created = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (j *Journal) LastSeq(ctx context.Context, streamID string) (uint64, error) {
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return 0, journal.ErrClosed
	}
	seq, err := j.lastSeq(ctx, streamID)
	if err != nil {
		return 0, j.readErr("last seq", err)
	}
	return seq, nil
}

func (j *Journal) lastSeq(ctx context.Context, streamID string) (seq uint64, err error) {
	err = j.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM journal WHERE stream_id = ?",
		streamID,
	).Scan(&seq)
	return
}

// Head reads the position kept in journal_head.
func (j *Journal) Head(ctx context.Context) (pos journal.Position, err error) {
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return 0, journal.ErrClosed
	}
	err = j.db.QueryRowContext(ctx, "SELECT position FROM journal_head WHERE id = 1").Scan(&pos)
	if err != nil {
		return 0, j.readErr("head", err)
	}
	return
}

// Close waits for in-flight calls and closes the pool.
func (j *Journal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
