// Package bank is a small account domain built on the ledger engine. It is
// used by the demo and by the end to end tests.
package bank

import (
	"errors"

	"github.com/iidesho/ledger/serde"
)

// Event is implemented by every bank event, current and legacy.
type Event interface {
	bankEvent()
}

type AccountOpened struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
}

type MoneyDeposited struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

type MoneyWithdrawn struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

// MoneyWithdrawnV1 carried the balance after the withdrawal. It is still
// read from old streams but never written.
type MoneyWithdrawnV1 struct {
	ID      string `json:"id"`
	Amount  int64  `json:"amount"`
	Balance int64  `json:"balance"`
}

func (AccountOpened) bankEvent()    {}
func (MoneyDeposited) bankEvent()   {}
func (MoneyWithdrawn) bankEvent()   {}
func (MoneyWithdrawnV1) bankEvent() {}

var (
	openedV1    = serde.Manifest("AccountOpened", 1)
	depositedV1 = serde.Manifest("MoneyDeposited", 1)
	withdrawnV1 = serde.Manifest("MoneyWithdrawn", 1)
	withdrawnV2 = serde.Manifest("MoneyWithdrawn", 2)
)

func upcastWithdrawn(e MoneyWithdrawnV1) []Event {
	return []Event{MoneyWithdrawn{ID: e.ID, Amount: e.Amount}}
}

// NewRegistry registers every bank event and validates the result.
func NewRegistry() (*serde.Registry[Event], error) {
	r := serde.NewRegistry[Event]()
	err := errors.Join(
		serde.Register[Event, AccountOpened](r, openedV1),
		serde.Register[Event, MoneyDeposited](r, depositedV1),
		serde.Register[Event, MoneyWithdrawn](r, withdrawnV2),
		serde.RegisterLegacy(r, withdrawnV1, upcastWithdrawn),
	)
	if err != nil {
		return nil, err
	}
	if err = r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
