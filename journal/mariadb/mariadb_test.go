package mariadb

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/journal/journaltest"
)

// Set LEDGER_TEST_MARIADB_DSN to run against a live server.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("LEDGER_TEST_MARIADB_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_MARIADB_DSN is not set")
	}
	journaltest.Run(t, func(t *testing.T) journal.Journal {
		j, err := Open(context.Background(), dsn)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { j.Close() })
		return j
	})
}

func TestErrorClassification(t *testing.T) {
	d := Dialect{}
	dup := &mysql.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"}
	if !d.IsUniqueViolation(errors.Join(errors.New("insert"), dup)) {
		t.Error("duplicate entry was not seen as a unique violation")
	}
	if d.IsBusy(dup) {
		t.Error("duplicate entry was seen as busy")
	}
	if !d.IsBusy(&mysql.MySQLError{Number: errDeadlockDetected}) {
		t.Error("deadlock was not seen as busy")
	}
	if d.IsUniqueViolation(errors.New("other")) {
		t.Error("plain error was seen as a unique violation")
	}
}
