package ondisk

import (
	"context"
	"errors"
	"testing"

	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/journal/journaltest"
)

func TestConformance(t *testing.T) {
	journaltest.Run(t, func(t *testing.T) journal.Journal {
		j, err := Open(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { j.Close() })
		return j
	})
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	j, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = j.Append(ctx, "reopen", 0, journaltest.Events(3, "Test.V1")...); err != nil {
		t.Fatal(err)
	}
	if err = j.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err = j.LastSeq(ctx, "reopen"); !errors.Is(err, journal.ErrClosed) {
		t.Errorf("read after close returned %v", err)
	}

	j, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	seq, err := j.LastSeq(ctx, "reopen")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 3 {
		t.Fatalf("last seq after reopen is %d, expected 3", seq)
	}
	if _, err = j.Append(ctx, "other", 0, journaltest.Events(1, "Test.V1")...); err != nil {
		t.Fatal(err)
	}
	recs, err := j.ReadAll(ctx, journal.Start, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4 {
		t.Fatalf("read %d records after reopen, expected 4", len(recs))
	}
	if recs[3].Position != 4 || recs[3].StreamID != "other" {
		t.Errorf("new record got position %d in stream %q", recs[3].Position, recs[3].StreamID)
	}
	if recs[0].Payload == nil || recs[0].ID.IsNil() {
		t.Error("stored record lost its payload or id")
	}
}
