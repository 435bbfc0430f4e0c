package projection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/journal/inmemory"
	"github.com/iidesho/ledger/offset"
	"github.com/iidesho/ledger/serde"
)

type noteEvent interface{ isNote() }

type noted struct {
	Text string `json:"text"`
}

// notedTwice is a legacy variant that upcasts into two noted events.
type notedTwice struct {
	Text string `json:"text"`
}

func (noted) isNote()      {}
func (notedTwice) isNote() {}

func newRegistry(t *testing.T) *serde.Registry[noteEvent] {
	r := serde.NewRegistry[noteEvent]()
	err := errors.Join(
		serde.Register[noteEvent, noted](r, "Noted.V2"),
		serde.RegisterLegacy(r, "Noted.V1", func(e notedTwice) []noteEvent {
			return []noteEvent{noted{Text: e.Text}, noted{Text: e.Text}}
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newJournal(t *testing.T) *inmemory.Journal {
	j, err := inmemory.Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func appendNotes(t *testing.T, j journal.Journal, r *serde.Registry[noteEvent], stream string, expected uint64, events ...noteEvent) {
	serialized, err := r.SerializeAll(events)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = j.Append(context.Background(), stream, expected, serialized...); err != nil {
		t.Fatal(err)
	}
}

type recorder struct {
	lock  sync.Mutex
	texts []string
	recs  []journal.Record
}

func (r *recorder) handle(_ context.Context, d Delivery[noteEvent]) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.texts = append(r.texts, d.Event.(noted).Text)
	r.recs = append(r.recs, d.Record)
	return nil
}

func (r *recorder) len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.texts)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func start(p *Projection[noteEvent]) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- p.Run(ctx) }()
	return cancel, errs
}

func TestStreamOrderAndPaging(t *testing.T) {
	j := newJournal(t)
	r := newRegistry(t)
	appendNotes(t, j, r, "a", 0, noted{"1"}, noted{"2"})
	appendNotes(t, j, r, "b", 0, noted{"3"})
	appendNotes(t, j, r, "a", 2, noted{"4"}, noted{"5"})

	s := Open(context.Background(), j, 1, WithBatchSize(2), WithPollInterval(time.Millisecond))
	var got []journal.Position
	for rec := range s.Events() {
		got = append(got, rec.Position)
		if len(got) == 4 {
			break
		}
	}
	s.Close()
	for i, p := range got {
		if p != journal.Position(i+2) {
			t.Errorf("record %d has position %d, expected %d", i, p, i+2)
		}
	}
	if _, open := <-s.Events(); open {
		t.Error("events channel open after close")
	}
}

func TestStreamPicksUpNewRecords(t *testing.T) {
	j := newJournal(t)
	r := newRegistry(t)
	s := Open(context.Background(), j, journal.Start, WithPollInterval(time.Millisecond))
	defer s.Close()
	appendNotes(t, j, r, "a", 0, noted{"1"})
	select {
	case rec := <-s.Events():
		if rec.Position != 1 {
			t.Errorf("first record has position %d", rec.Position)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("record appended after open was never delivered")
	}
}

func TestRunProcessesAndCommits(t *testing.T) {
	j := newJournal(t)
	r := newRegistry(t)
	offsets := offset.NewInMemory()
	appendNotes(t, j, r, "a", 0, noted{"1"}, notedTwice{"2"})
	appendNotes(t, j, r, "b", 0, noted{"3"})

	var rec recorder
	p := New("notes", j, offsets, r, rec.handle, WithPollInterval(time.Millisecond))
	cancel, errs := start(p)
	waitFor(t, "projection to reach the head", func() bool { return p.Position() == j.End() })
	cancel()
	if err := <-errs; err != nil {
		t.Fatalf("run returned %v", err)
	}

	expected := []string{"1", "2", "2", "3"}
	if len(rec.texts) != len(expected) {
		t.Fatalf("handled %v, expected %v", rec.texts, expected)
	}
	for i := range expected {
		if rec.texts[i] != expected[i] {
			t.Errorf("event %d is %q, expected %q", i, rec.texts[i], expected[i])
		}
	}
	if rec.recs[1].Position != rec.recs[2].Position {
		t.Error("upcast events were delivered with different records")
	}
	saved, _ := offsets.Load(context.Background(), "notes")
	if saved != 3 {
		t.Errorf("saved offset is %d, expected 3", saved)
	}
}

func TestRunResumesFromOffset(t *testing.T) {
	j := newJournal(t)
	r := newRegistry(t)
	offsets := offset.NewInMemory()
	appendNotes(t, j, r, "a", 0, noted{"1"}, noted{"2"})

	var first recorder
	p := New("notes", j, offsets, r, first.handle, WithPollInterval(time.Millisecond))
	cancel, errs := start(p)
	waitFor(t, "first run", func() bool { return p.Position() == 2 })
	cancel()
	if err := <-errs; err != nil {
		t.Fatal(err)
	}

	appendNotes(t, j, r, "a", 2, noted{"3"})
	var second recorder
	p = New("notes", j, offsets, r, second.handle, WithPollInterval(time.Millisecond))
	cancel, errs = start(p)
	waitFor(t, "second run", func() bool { return p.Position() == 3 })
	cancel()
	if err := <-errs; err != nil {
		t.Fatal(err)
	}
	if len(second.texts) != 1 || second.texts[0] != "3" {
		t.Errorf("restarted projection handled %v, expected only the new record", second.texts)
	}
}

func TestRunRetriesFailingHandler(t *testing.T) {
	j := newJournal(t)
	r := newRegistry(t)
	appendNotes(t, j, r, "a", 0, noted{"1"})

	var calls atomic.Int32
	handler := func(context.Context, Delivery[noteEvent]) error {
		if calls.Add(1) < 3 {
			return errors.New("read model down")
		}
		return nil
	}
	p := New("notes", j, offset.NewInMemory(), r, handler,
		WithPollInterval(time.Millisecond), WithRetryDelay(time.Millisecond))
	cancel, errs := start(p)
	waitFor(t, "record to be committed", func() bool { return p.Position() == 1 })
	cancel()
	if err := <-errs; err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("handler ran %d times, expected 3", calls.Load())
	}
}

func TestRunRetryLimit(t *testing.T) {
	j := newJournal(t)
	r := newRegistry(t)
	appendNotes(t, j, r, "a", 0, noted{"1"})

	var calls atomic.Int32
	handler := func(context.Context, Delivery[noteEvent]) error {
		calls.Add(1)
		return errors.New("read model down")
	}
	p := New("notes", j, offset.NewInMemory(), r, handler,
		WithPollInterval(time.Millisecond), WithRetryDelay(time.Millisecond), WithRetryLimit(2))
	err := p.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("run returned %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("handler ran %d times, expected 3", calls.Load())
	}
	if p.Position() != journal.Start {
		t.Errorf("failed record was committed at %d", p.Position())
	}
}

func TestRunHaltsOnUnknownManifest(t *testing.T) {
	j := newJournal(t)
	r := newRegistry(t)
	appendNotes(t, j, r, "a", 0, noted{"1"})
	_, err := j.Append(context.Background(), "a", 1, journal.Event{Manifest: "Deleted.V1", Payload: []byte("{}")})
	if err != nil {
		t.Fatal(err)
	}
	var rec recorder
	p := New("notes", j, offset.NewInMemory(), r, rec.handle, WithPollInterval(time.Millisecond))
	err = p.Run(context.Background())
	if !errors.Is(err, serde.ErrUnknownEventType) {
		t.Fatalf("run returned %v", err)
	}
	if p.Position() != 1 || rec.len() != 1 {
		t.Errorf("projection stopped at %d after %d events", p.Position(), rec.len())
	}
}

func TestCancelFinishesInFlightHandler(t *testing.T) {
	j := newJournal(t)
	r := newRegistry(t)
	appendNotes(t, j, r, "a", 0, noted{"1"})
	offsets := offset.NewInMemory()

	entered := make(chan struct{})
	release := make(chan struct{})
	var handlerErr error
	handler := func(ctx context.Context, d Delivery[noteEvent]) error {
		close(entered)
		<-release
		handlerErr = ctx.Err()
		return nil
	}
	p := New("notes", j, offsets, r, handler, WithPollInterval(time.Millisecond))
	cancel, errs := start(p)
	<-entered
	cancel()
	close(release)
	if err := <-errs; err != nil {
		t.Fatal(err)
	}
	if handlerErr != nil {
		t.Errorf("handler context was cancelled: %v", handlerErr)
	}
	saved, _ := offsets.Load(context.Background(), "notes")
	if saved != 1 {
		t.Errorf("in flight record was not committed, offset is %d", saved)
	}
}

type unsavableOffsets struct {
	saves atomic.Int32
}

func (*unsavableOffsets) Load(context.Context, string) (journal.Position, error) {
	return journal.Start, nil
}

func (o *unsavableOffsets) Save(context.Context, string, journal.Position) error {
	o.saves.Add(1)
	return journal.Unavailable("save offset", errors.New("disk full"))
}

func TestRunHaltsWhenOffsetCanNotBeSaved(t *testing.T) {
	j := newJournal(t)
	r := newRegistry(t)
	appendNotes(t, j, r, "a", 0, noted{"1"}, noted{"2"}, noted{"3"})

	var rec recorder
	offsets := &unsavableOffsets{}
	p := New("notes", j, offsets, r, rec.handle, WithPollInterval(time.Millisecond))
	err := p.Run(context.Background())
	if !errors.Is(err, journal.ErrStorageUnavailable) {
		t.Fatalf("run returned %v", err)
	}
	if rec.len() != 1 || offsets.saves.Load() != 1 {
		t.Errorf("projection handled %d records and saved %d times after the first save failed", rec.len(), offsets.saves.Load())
	}
	if p.Position() != journal.Start {
		t.Errorf("unsaved offset reported as position %d", p.Position())
	}
}
