package health

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/ledger/journal"
)

var (
	Version   string
	BuildTime string
	Name      = "ledger"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// Tracker reports how far each registered projection is behind the journal.
type Tracker struct {
	since       time.Time
	journal     journal.Reader
	lock        sync.Mutex
	projections map[string]func() journal.Position
}

func New(j journal.Reader) *Tracker {
	return &Tracker{
		since:       time.Now(),
		journal:     j,
		projections: make(map[string]func() journal.Position),
	}
}

// Track adds a projection by its id and a function returning its committed
// offset.
func (t *Tracker) Track(id string, position func() journal.Position) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.projections[id] = position
}

type Projection struct {
	Offset journal.Position `json:"offset"`
	Lag    uint64           `json:"lag"`
}

type Report struct {
	Status      string                `json:"status"`
	Name        string                `json:"name"`
	Version     string                `json:"version"`
	BuildTime   string                `json:"build_time"`
	Since       time.Time             `json:"running_since"`
	Now         time.Time             `json:"now"`
	Head        journal.Position      `json:"journal_head"`
	Projections map[string]Projection `json:"projections"`
}

// Report is DOWN when the journal can not be read.
func (t *Tracker) Report(ctx context.Context) Report {
	r := Report{
		Status:      "UP",
		Name:        Name,
		Version:     Version,
		BuildTime:   BuildTime,
		Since:       t.since,
		Now:         time.Now(),
		Projections: make(map[string]Projection),
	}
	head, err := journal.Head(ctx, t.journal)
	if log.WithError(err).Warning("reading journal head for health report") {
		r.Status = "DOWN"
		return r
	}
	r.Head = head
	t.lock.Lock()
	projections := maps.Clone(t.projections)
	t.lock.Unlock()
	for id, position := range projections {
		p := Projection{Offset: position()}
		if head > p.Offset {
			p.Lag = uint64(head - p.Offset)
		}
		r.Projections[id] = p
	}
	return r
}
