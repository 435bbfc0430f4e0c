package offset

import (
	"context"
	"testing"

	"github.com/iidesho/ledger/journal"
)

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	p, err := s.Load(ctx, "balances")
	if err != nil {
		t.Fatal(err)
	}
	if p != journal.Start {
		t.Fatalf("unsaved offset is %d", p)
	}
	for _, save := range []journal.Position{3, 8, 5} {
		if err = s.Save(ctx, "balances", save); err != nil {
			t.Fatal(err)
		}
	}
	p, err = s.Load(ctx, "balances")
	if err != nil {
		t.Fatal(err)
	}
	if p != 8 {
		t.Errorf("offset is %d after saving 3, 8 and 5, expected 8", p)
	}
	if p, _ = s.Load(ctx, "other"); p != journal.Start {
		t.Errorf("other projection sees offset %d", p)
	}
}

func TestInMemory(t *testing.T) {
	testStore(t, NewInMemory())
}

func TestStorage(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, s)
	if err = s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = NewStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	p, err := s.Load(context.Background(), "balances")
	if err != nil {
		t.Fatal(err)
	}
	if p != 8 {
		t.Errorf("offset after reopen is %d, expected 8", p)
	}
}
