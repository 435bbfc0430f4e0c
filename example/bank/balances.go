package bank

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/iidesho/ledger/projection"
	"github.com/iidesho/ledger/storage"
)

// Balance is the read model row for one account. Seq is the last stream seq
// applied to it.
type Balance struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Seq    uint64 `json:"seq"`
}

// Balances is the projected view of every account balance. Handle can be
// given the same record more than once, a record at or below the stored seq
// is ignored.
type Balances interface {
	Handle(ctx context.Context, d projection.Delivery[Event]) error
	Get(ctx context.Context, id string) (Balance, error)
	All(ctx context.Context) ([]Balance, error)
}

func apply(b Balance, found bool, d projection.Delivery[Event]) (Balance, bool, error) {
	if found && d.Record.Seq <= b.Seq {
		return b, false, nil
	}
	switch e := d.Event.(type) {
	case AccountOpened:
		b = Balance{ID: e.ID, Amount: e.Balance}
	case MoneyDeposited:
		b.Amount += e.Amount
	case MoneyWithdrawn:
		b.Amount -= e.Amount
	default:
		return b, false, fmt.Errorf("balances can not apply %T", e)
	}
	b.Seq = d.Record.Seq
	return b, true, nil
}

func accountID(e Event) string {
	switch e := e.(type) {
	case AccountOpened:
		return e.ID
	case MoneyDeposited:
		return e.ID
	case MoneyWithdrawn:
		return e.ID
	case MoneyWithdrawnV1:
		return e.ID
	}
	return ""
}

type InMemoryBalances struct {
	lock     sync.RWMutex
	balances map[string]Balance
}

func NewInMemoryBalances() *InMemoryBalances {
	return &InMemoryBalances{balances: make(map[string]Balance)}
}

func (b *InMemoryBalances) Handle(_ context.Context, d projection.Delivery[Event]) error {
	id := accountID(d.Event)
	b.lock.Lock()
	defer b.lock.Unlock()
	stored, found := b.balances[id]
	next, write, err := apply(stored, found, d)
	if err != nil || !write {
		return err
	}
	b.balances[id] = next
	return nil
}

func (b *InMemoryBalances) Get(_ context.Context, id string) (Balance, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	bal, ok := b.balances[id]
	if !ok {
		return bal, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return bal, nil
}

func (b *InMemoryBalances) All(_ context.Context) ([]Balance, error) {
	b.lock.RLock()
	out := make([]Balance, 0, len(b.balances))
	for _, bal := range b.balances {
		out = append(out, bal)
	}
	b.lock.RUnlock()
	sortBalances(out)
	return out, nil
}

// StoredBalances keeps the read model in an embedded nutsdb store so it
// survives restarts together with a durable offset.
type StoredBalances struct {
	kv *storage.Storage[Balance]
}

func NewStoredBalances(dir string) (*StoredBalances, error) {
	kv, err := storage.Open[Balance](dir)
	if err != nil {
		return nil, err
	}
	return &StoredBalances{kv: kv}, nil
}

func (b *StoredBalances) Handle(_ context.Context, d projection.Delivery[Event]) error {
	return b.kv.Update(accountID(d.Event), func(stored Balance, found bool) (Balance, bool, error) {
		return apply(stored, found, d)
	})
}

func (b *StoredBalances) Get(_ context.Context, id string) (Balance, error) {
	bal, err := b.kv.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		return bal, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return bal, err
}

func (b *StoredBalances) All(_ context.Context) ([]Balance, error) {
	var out []Balance
	for _, bal := range b.kv.Range() {
		out = append(out, bal)
	}
	sortBalances(out)
	return out, nil
}

func (b *StoredBalances) Close() error {
	return b.kv.Close()
}

func sortBalances(bs []Balance) {
	slices.SortFunc(bs, func(a, b Balance) int {
		return strings.Compare(a.ID, b.ID)
	})
}
