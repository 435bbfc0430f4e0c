package bank

import (
	"context"
	"errors"
	"fmt"

	"github.com/iidesho/ledger/aggregate"
	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/serde"
)

// State is either Empty or Account.
type State interface {
	bankState()
}

type Empty struct{}

type Account struct {
	ID      string
	Balance int64
}

func (Empty) bankState()   {}
func (Account) bankState() {}

var ErrAccountNotFound = fmt.Errorf("account not found: %w", aggregate.ErrWrongStateVariant)

// Fold applies current bank events. Legacy events are upcast before they get
// here.
func Fold(s State, e Event) (State, error) {
	switch s := s.(type) {
	case Empty:
		switch e := e.(type) {
		case AccountOpened:
			return Account{ID: e.ID, Balance: e.Balance}, nil
		}
	case Account:
		switch e := e.(type) {
		case MoneyDeposited:
			s.Balance += e.Amount
			return s, nil
		case MoneyWithdrawn:
			s.Balance -= e.Amount
			return s, nil
		}
	}
	return s, aggregate.Unhandled(s, e)
}

func StreamID(accountID string) string {
	return "bank-account-" + accountID
}

func DecideOpen(id string, balance int64) func(State) ([]Event, error) {
	return func(s State) ([]Event, error) {
		if _, open := s.(Account); open {
			return nil, aggregate.Reject("account %s is already open", id)
		}
		if balance < 0 {
			return nil, aggregate.Reject("opening balance %d is negative", balance)
		}
		return []Event{AccountOpened{ID: id, Balance: balance}}, nil
	}
}

func DecideDeposit(amount int64) func(State) ([]Event, error) {
	return func(s State) ([]Event, error) {
		acc, err := account(s)
		if err != nil {
			return nil, err
		}
		if amount <= 0 {
			return nil, aggregate.Reject("deposit amount %d is not positive", amount)
		}
		return []Event{MoneyDeposited{ID: acc.ID, Amount: amount}}, nil
	}
}

func DecideWithdraw(amount int64) func(State) ([]Event, error) {
	return func(s State) ([]Event, error) {
		acc, err := account(s)
		if err != nil {
			return nil, err
		}
		if amount <= 0 {
			return nil, aggregate.Reject("withdrawal amount %d is not positive", amount)
		}
		if acc.Balance < amount {
			return nil, aggregate.Reject("insufficient funds: balance %d, requested %d", acc.Balance, amount)
		}
		return []Event{MoneyWithdrawn{ID: acc.ID, Amount: amount}}, nil
	}
}

func account(s State) (Account, error) {
	acc, err := aggregate.As[Account](s)
	if errors.Is(err, aggregate.ErrWrongStateVariant) {
		return acc, ErrAccountNotFound
	}
	return acc, err
}

// Accounts runs bank commands against the journal, one stream per account.
type Accounts struct {
	aggregate *aggregate.Aggregate[State, Event]
}

func NewAccounts(j journal.Journal, registry *serde.Registry[Event], opts ...aggregate.Option) *Accounts {
	return &Accounts{
		aggregate: aggregate.New[State, Event](j, registry, Empty{}, Fold, opts...),
	}
}

func (a *Accounts) Aggregate() *aggregate.Aggregate[State, Event] {
	return a.aggregate
}

func (a *Accounts) Open(ctx context.Context, id string, balance int64) (Account, error) {
	return a.execute(ctx, id, DecideOpen(id, balance))
}

func (a *Accounts) Deposit(ctx context.Context, id string, amount int64) (Account, error) {
	return a.execute(ctx, id, DecideDeposit(amount))
}

func (a *Accounts) Withdraw(ctx context.Context, id string, amount int64) (Account, error) {
	return a.execute(ctx, id, DecideWithdraw(amount))
}

func (a *Accounts) Get(ctx context.Context, id string) (Account, error) {
	v, err := a.aggregate.Recover(ctx, StreamID(id))
	if err != nil {
		return Account{}, err
	}
	acc, err := account(v.State)
	if err != nil {
		return acc, fmt.Errorf("%w: %s", err, id)
	}
	return acc, nil
}

func (a *Accounts) execute(ctx context.Context, id string, decide func(State) ([]Event, error)) (Account, error) {
	v, err := a.aggregate.Execute(ctx, StreamID(id), decide)
	if err != nil {
		return Account{}, fmt.Errorf("account %s: %w", id, err)
	}
	return account(v.State)
}
