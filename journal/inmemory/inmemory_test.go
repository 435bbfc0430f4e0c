package inmemory

import (
	"context"
	"errors"
	"testing"

	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/journal/journaltest"
)

func TestConformance(t *testing.T) {
	journaltest.Run(t, func(t *testing.T) journal.Journal {
		j, err := Init(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { j.Close() })
		return j
	})
}

func TestDensePositions(t *testing.T) {
	j, err := Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	ctx := context.Background()
	if _, err = j.Append(ctx, "a", 0, journaltest.Events(3, "Test.V1")...); err != nil {
		t.Fatal(err)
	}
	if _, err = j.Append(ctx, "b", 0, journaltest.Events(2, "Test.V1")...); err != nil {
		t.Fatal(err)
	}
	recs, err := j.ReadAll(ctx, journal.Start, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range recs {
		if r.Position != journal.Position(i+1) {
			t.Errorf("record %d has position %d", i, r.Position)
		}
	}
	if j.End() != 5 {
		t.Errorf("end is %d, expected 5", j.End())
	}
}

func TestClosed(t *testing.T) {
	j, err := Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err = j.Close(); err != nil {
		t.Fatal(err)
	}
	_, err = j.Append(context.Background(), "closed", 0, journaltest.Events(1, "Test.V1")...)
	if !errors.Is(err, journal.ErrClosed) {
		t.Errorf("append after close returned %v", err)
	}
}

func TestHeadMatchesFullRead(t *testing.T) {
	j, err := Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	ctx := context.Background()
	if _, err = j.Append(ctx, "a", 0, journaltest.Events(1500, "Test.V1")...); err != nil {
		t.Fatal(err)
	}
	fast, err := journal.Head(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	// Hides Head so the records are paged through.
	full, err := journal.Head(ctx, struct{ journal.Reader }{j})
	if err != nil {
		t.Fatal(err)
	}
	if fast != 1500 || full != 1500 {
		t.Errorf("head read as %d, paged to %d, expected 1500", fast, full)
	}
}
