package webserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/journal/inmemory"
	"github.com/iidesho/ledger/journal/journaltest"
	"github.com/iidesho/ledger/metrics"
	"github.com/iidesho/ledger/webserver/health"
)

func newServer(t *testing.T) (*Server, *inmemory.Journal) {
	j, err := inmemory.Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	h := health.New(j)
	h.Track("balances", func() journal.Position { return 1 })
	return Init(0, h), j
}

func TestHealth(t *testing.T) {
	serv, j := newServer(t)
	if _, err := j.Append(context.Background(), "s", 0, journaltest.Events(3, "Test.V1")...); err != nil {
		t.Fatal(err)
	}
	resp, err := serv.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}
	var r health.Report
	if err = json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatal(err)
	}
	if r.Status != "UP" || r.Head != 3 {
		t.Errorf("unexpected report %+v", r)
	}
	if p := r.Projections["balances"]; p.Offset != 1 || p.Lag != 2 {
		t.Errorf("balances projection reported as %+v", p)
	}
}

type downReader struct{}

func (downReader) ReadStream(context.Context, string, uint64) ([]journal.Record, error) {
	return nil, journal.Unavailable("read stream", errors.New("connection refused"))
}

func (downReader) ReadAll(context.Context, journal.Position, int) ([]journal.Record, error) {
	return nil, journal.Unavailable("read all", errors.New("connection refused"))
}

func TestHealthDown(t *testing.T) {
	serv := Init(0, health.New(downReader{}))
	resp, err := serv.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("health with an unreadable journal returned %d", resp.StatusCode)
	}
}

func TestPanicRecover(t *testing.T) {
	serv, _ := newServer(t)
	serv.API().Get("/panic", func(c *fiber.Ctx) error {
		panic("TEST")
	})
	resp, err := serv.App().Test(httptest.NewRequest(http.MethodGet, "/panic", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("panic returned %d, expected 500", resp.StatusCode)
	}
}

func TestMetrics(t *testing.T) {
	metrics.Init()
	t.Cleanup(func() { metrics.Registry = nil })
	serv, j := newServer(t)
	if _, err := j.Append(context.Background(), "s", 0, journaltest.Events(1, "Test.V1")...); err != nil {
		t.Fatal(err)
	}
	resp, err := serv.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "journal_append_events_total") {
		t.Errorf("metrics output is missing journal appends:\n%s", body)
	}
}
