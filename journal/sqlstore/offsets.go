package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iidesho/ledger/journal"
)

// Offsets keeps projection offsets in the same database as the journal, so
// every process reading from it shares them.
type Offsets struct {
	db      *sql.DB
	dialect Dialect
}

func NewOffsets(j *Journal) *Offsets {
	return &Offsets{db: j.db, dialect: j.dialect}
}

func (o *Offsets) Load(ctx context.Context, projectionID string) (journal.Position, error) {
	var p journal.Position
	err := o.db.QueryRowContext(ctx,
		"SELECT position FROM projection_offsets WHERE projection_id = ?",
		projectionID,
	).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Start, nil
	}
	if err != nil {
		return 0, journal.Unavailable("load offset", err)
	}
	return p, nil
}

func (o *Offsets) Save(ctx context.Context, projectionID string, p journal.Position) error {
	_, err := o.db.ExecContext(ctx, o.dialect.SaveOffset(), projectionID, uint64(p))
	if err != nil {
		return journal.Unavailable("save offset", err)
	}
	return nil
}
