// Package journaltest holds the behaviour every journal backend has to show.
package journaltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/ledger/journal"
)

// Factory returns an empty journal. Streams are named uniquely per run so a
// factory may hand out a shared backend.
type Factory func(t *testing.T) journal.Journal

func Run(t *testing.T, newJournal Factory) {
	t.Run("append assigns contiguous seq", func(t *testing.T) {
		testContiguous(t, newJournal(t))
	})
	t.Run("stale expected seq conflicts", func(t *testing.T) {
		testConflict(t, newJournal(t))
	})
	t.Run("missing stream reads empty", func(t *testing.T) {
		testMissing(t, newJournal(t))
	})
	t.Run("invalid appends", func(t *testing.T) {
		testInvalid(t, newJournal(t))
	})
	t.Run("read stream from seq", func(t *testing.T) {
		testReadFrom(t, newJournal(t))
	})
	t.Run("read all in position order", func(t *testing.T) {
		testReadAll(t, newJournal(t))
	})
	t.Run("concurrent appenders", func(t *testing.T) {
		testConcurrent(t, newJournal(t))
	})
}

var runCounter uint64
var runLock sync.Mutex

// StreamID returns a stream id that has not been used by this process.
func StreamID(prefix string) string {
	runLock.Lock()
	defer runLock.Unlock()
	runCounter++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), runCounter)
}

func Events(n int, manifest string) []journal.Event {
	out := make([]journal.Event, n)
	for i := range out {
		out[i] = journal.Event{
			ID:       uuid.Must(uuid.NewV7()),
			Manifest: manifest,
			Payload:  []byte(fmt.Sprintf(`{"n":%d}`, i)),
			Metadata: []byte(`{}`),
		}
	}
	return out
}

func testContiguous(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	stream := StreamID("contiguous")
	last, err := j.Append(ctx, stream, 0, Events(2, "Test.V1")...)
	if err != nil {
		t.Fatal(err)
	}
	if last != 2 {
		t.Fatalf("first append returned last seq %d, expected 2", last)
	}
	last, err = j.Append(ctx, stream, 2, Events(3, "Test.V1")...)
	if err != nil {
		t.Fatal(err)
	}
	if last != 5 {
		t.Fatalf("second append returned last seq %d, expected 5", last)
	}
	recs, err := j.ReadStream(ctx, stream, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 5 {
		t.Fatalf("read %d records, expected 5", len(recs))
	}
	for i, r := range recs {
		if r.Seq != uint64(i+1) {
			t.Errorf("record %d has seq %d", i, r.Seq)
		}
		if r.StreamID != stream {
			t.Errorf("record %d has stream %q", i, r.StreamID)
		}
		if r.Manifest != "Test.V1" {
			t.Errorf("record %d has manifest %q", i, r.Manifest)
		}
		if i > 0 && r.Position <= recs[i-1].Position {
			t.Errorf("record %d position %d is not after %d", i, r.Position, recs[i-1].Position)
		}
	}
	seq, err := j.LastSeq(ctx, stream)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 5 {
		t.Errorf("last seq is %d, expected 5", seq)
	}
}

func testConflict(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	stream := StreamID("conflict")
	if _, err := j.Append(ctx, stream, 0, Events(2, "Test.V1")...); err != nil {
		t.Fatal(err)
	}
	_, err := j.Append(ctx, stream, 1, Events(3, "Test.V1")...)
	if !errors.Is(err, journal.ErrConflict) {
		t.Fatalf("stale append returned %v, expected a conflict", err)
	}
	var ce *journal.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("conflict %v is not a ConflictError", err)
	}
	if ce.Expected != 1 || ce.Actual != 2 || ce.StreamID != stream {
		t.Errorf("conflict details %+v", *ce)
	}
	_, err = j.Append(ctx, stream, 0, Events(1, "Test.V1")...)
	if !errors.Is(err, journal.ErrConflict) {
		t.Errorf("append to existing stream with zero expected returned %v", err)
	}
	_, err = j.Append(ctx, stream, 5, Events(1, "Test.V1")...)
	if !errors.Is(err, journal.ErrConflict) {
		t.Errorf("append ahead of stream returned %v", err)
	}
	recs, err := j.ReadStream(ctx, stream, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("failed appends left %d records, expected 2", len(recs))
	}
}

func testMissing(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	stream := StreamID("missing")
	recs, err := j.ReadStream(ctx, stream, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("missing stream returned %d records", len(recs))
	}
	seq, err := j.LastSeq(ctx, stream)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 {
		t.Errorf("missing stream has last seq %d", seq)
	}
}

func testInvalid(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	if _, err := j.Append(ctx, StreamID("invalid"), 0); !errors.Is(err, journal.ErrNoEvents) {
		t.Errorf("empty append returned %v", err)
	}
	if _, err := j.Append(ctx, "", 0, Events(1, "Test.V1")...); !errors.Is(err, journal.ErrInvalidStream) {
		t.Errorf("append without stream returned %v", err)
	}
}

func testReadFrom(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	stream := StreamID("from")
	if _, err := j.Append(ctx, stream, 0, Events(4, "Test.V1")...); err != nil {
		t.Fatal(err)
	}
	recs, err := j.ReadStream(ctx, stream, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Seq != 3 || recs[1].Seq != 4 {
		t.Errorf("read from 3 returned %d records", len(recs))
	}
	recs, err = j.ReadStream(ctx, stream, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("read past the end returned %d records", len(recs))
	}
}

func testReadAll(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	a := StreamID("all-a")
	b := StreamID("all-b")
	start, err := journal.Head(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(ctx, a, 0, Events(2, "Test.V1")...); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(ctx, b, 0, Events(1, "Test.V1")...); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(ctx, a, 2, Events(1, "Test.V1")...); err != nil {
		t.Fatal(err)
	}
	var recs []journal.Record
	after := start
	for {
		batch, err := j.ReadAll(ctx, after, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) > 2 {
			t.Fatalf("read all returned %d records with limit 2", len(batch))
		}
		if len(batch) == 0 {
			break
		}
		for _, r := range batch {
			if r.Position <= after {
				t.Fatalf("position %d returned when reading after %d", r.Position, after)
			}
			after = r.Position
			if r.StreamID == a || r.StreamID == b {
				recs = append(recs, r)
			}
		}
	}
	head, err := journal.Head(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	if head != after {
		t.Errorf("head is %d, last record read is at %d", head, after)
	}
	expected := []struct {
		stream string
		seq    uint64
	}{{a, 1}, {a, 2}, {b, 1}, {a, 3}}
	if len(recs) != len(expected) {
		t.Fatalf("read all returned %d of our records, expected %d", len(recs), len(expected))
	}
	for i, e := range expected {
		if recs[i].StreamID != e.stream || recs[i].Seq != e.seq {
			t.Errorf("record %d is %s/%d, expected %s/%d", i, recs[i].StreamID, recs[i].Seq, e.stream, e.seq)
		}
	}
}

func testConcurrent(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	stream := StreamID("concurrent")
	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := j.Append(ctx, stream, 0, Events(1, "Test.V1")...)
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, journal.ErrConflict):
			conflicts++
		default:
			t.Errorf("concurrent append returned %v", err)
		}
	}
	if ok != 1 || conflicts != writers-1 {
		t.Errorf("%d appends succeeded and %d conflicted, expected 1 and %d", ok, conflicts, writers-1)
	}
	recs, err := j.ReadStream(ctx, stream, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("stream holds %d records after concurrent appends", len(recs))
	}
}
