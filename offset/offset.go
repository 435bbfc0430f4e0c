// Package offset stores how far each projection has read the journal.
// A saved offset never moves backwards.
package offset

import (
	"context"

	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/storage"
	"github.com/iidesho/ledger/sync"
)

type Store interface {
	// Load returns journal.Start for a projection that never saved.
	Load(ctx context.Context, projectionID string) (journal.Position, error)
	Save(ctx context.Context, projectionID string, p journal.Position) error
}

type InMemory struct {
	offsets *sync.Map[string, journal.Position]
}

func NewInMemory() *InMemory {
	return &InMemory{offsets: sync.NewMap[string, journal.Position]()}
}

func (s *InMemory) Load(ctx context.Context, projectionID string) (journal.Position, error) {
	p, _ := s.offsets.Get(projectionID)
	return p, ctx.Err()
}

func (s *InMemory) Save(ctx context.Context, projectionID string, p journal.Position) error {
	s.offsets.CompareAndSwap(projectionID, p, func(stored journal.Position) bool {
		return p > stored
	})
	return ctx.Err()
}

// Storage keeps offsets in an embedded nutsdb store.
type Storage struct {
	kv *storage.Storage[journal.Position]
}

func NewStorage(dir string) (*Storage, error) {
	kv, err := storage.Open[journal.Position](dir)
	if err != nil {
		return nil, journal.Unavailable("open offsets", err)
	}
	return &Storage{kv: kv}, nil
}

func (s *Storage) Load(ctx context.Context, projectionID string) (journal.Position, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p, err := s.kv.GetUInt64(projectionID)
	if err != nil {
		return 0, journal.Unavailable("load offset", err)
	}
	return journal.Position(p), nil
}

func (s *Storage) Save(ctx context.Context, projectionID string, p journal.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.kv.SetUInt64(projectionID, uint64(p)); err != nil {
		return journal.Unavailable("save offset", err)
	}
	return nil
}

func (s *Storage) Close() error {
	return s.kv.Close()
}
