package journal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

// Event is a serialized event as it crosses the storage boundary. The journal
// never looks inside Payload or Metadata.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Manifest string    `json:"manifest"`
	Payload  []byte    `json:"payload"`
	Metadata []byte    `json:"metadata"`
}

// Record is a stored event together with where it lives in its own stream and
// in the journal as a whole.
type Record struct {
	Event

	StreamID string    `json:"stream_id"`
	Seq      uint64    `json:"seq"`
	Position Position  `json:"position"`
	Created  time.Time `json:"created"`
}

// Position is the global, journal wide, position of a record. It is assigned
// on append, never reused and never decreases.
type Position uint64

const (
	Start Position = 0
	End   Position = math.MaxUint64
)

var (
	ErrConflict           = errors.New("optimistic concurrency conflict")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNoEvents           = errors.New("no events to append")
	ErrInvalidStream      = errors.New("stream id is required")
	ErrClosed             = errors.New("journal is closed")
)

// ConflictError is returned by Append when the stream moved on from the
// sequence number the writer based its decision on.
type ConflictError struct {
	StreamID string
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"%s: stream %q expected last seq %d, actual %d",
		ErrConflict.Error(), e.StreamID, e.Expected, e.Actual,
	)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// Unavailable wraps a backend failure so callers can match it with
// errors.Is(err, ErrStorageUnavailable) while keeping the cause.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

type Reader interface {
	// ReadStream returns the records of one stream with Seq >= fromSeq in
	// ascending order. A stream that does not exist reads as empty.
	ReadStream(ctx context.Context, streamID string, fromSeq uint64) ([]Record, error)
	// ReadAll returns at most limit records across all streams positioned
	// strictly after the given position, in ascending position order.
	ReadAll(ctx context.Context, after Position, limit int) ([]Record, error)
}

// Header is implemented by readers that know their newest position without
// reading every record.
type Header interface {
	Head(ctx context.Context) (Position, error)
}

type Journal interface {
	Reader

	// Append writes all events contiguously after expectedLastSeq or nothing.
	// It fails with a *ConflictError when the stream's last sequence number is
	// not expectedLastSeq at write time.
	Append(ctx context.Context, streamID string, expectedLastSeq uint64, events ...Event) (newLastSeq uint64, err error)
	LastSeq(ctx context.Context, streamID string) (uint64, error)
	Close() error
}

// ValidateAppend holds the argument checks every backend shares.
func ValidateAppend(streamID string, events []Event) error {
	if strings.TrimSpace(streamID) == "" {
		return ErrInvalidStream
	}
	if len(events) == 0 {
		return ErrNoEvents
	}
	for i, e := range events {
		if e.Manifest == "" {
			return fmt.Errorf("event %d: manifest is required", i)
		}
	}
	return nil
}

// WithIDs fills in missing event ids with time ordered v7 uuids.
func WithIDs(events []Event) ([]Event, error) {
	out := make([]Event, len(events))
	for i, e := range events {
		if e.ID.IsNil() {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			e.ID = id
		}
		out[i] = e
	}
	return out, nil
}

// Head returns the position of the last record in r, or Start for an empty
// journal. Readers that are not a Header are read in full.
func Head(ctx context.Context, r Reader) (Position, error) {
	if h, ok := r.(Header); ok {
		return h.Head(ctx)
	}
	var after Position
	for {
		batch, err := r.ReadAll(ctx, after, 1000)
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			return after, nil
		}
		after = batch[len(batch)-1].Position
	}
}
