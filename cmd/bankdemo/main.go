// Command bankdemo opens an account, withdraws from it concurrently and
// projects the balances of every account in the journal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/uuid"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/ledger/aggregate"
	"github.com/iidesho/ledger/cache"
	"github.com/iidesho/ledger/config"
	"github.com/iidesho/ledger/example/bank"
	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/journal/eventstore"
	"github.com/iidesho/ledger/journal/inmemory"
	"github.com/iidesho/ledger/journal/mariadb"
	"github.com/iidesho/ledger/journal/ondisk"
	"github.com/iidesho/ledger/journal/sqlite"
	"github.com/iidesho/ledger/journal/sqlstore"
	"github.com/iidesho/ledger/metrics"
	"github.com/iidesho/ledger/offset"
	"github.com/iidesho/ledger/projection"
	"github.com/iidesho/ledger/webserver"
	"github.com/iidesho/ledger/webserver/health"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		sbragi.WithError(err).Fatal("loading configuration")
	}
	dl, err := sbragi.NewLogger(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       cfg.Level(),
		ReplaceAttr: sbragi.ReplaceAttr,
	}))
	if err != nil {
		sbragi.WithError(err).Fatal("creating logger")
	}
	dl.SetDefault()
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, cfg); err != nil {
		sbragi.WithError(err).Error("bank demo failed")
		stop()
		os.Exit(1)
	}
	if cfg.PushGateway != "" {
		sbragi.WithError(metrics.Push(cfg.PushGateway, "bankdemo")).Error("pushing metrics", "url", cfg.PushGateway)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	j, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer j.Close()
	registry, err := bank.NewRegistry()
	if err != nil {
		return err
	}

	accounts := bank.NewAccounts(j, registry,
		aggregate.WithRetries(cfg.ConflictRetries),
		aggregate.WithCache[bank.State](cache.NewInMemory[bank.State](cache.WithName("accounts"), cache.WithMaxEntries(10_000))),
	)
	id := uuid.Must(uuid.NewV7()).String()
	acc, err := accounts.Open(ctx, id, 1000)
	if err != nil {
		return err
	}
	sbragi.Info("opened account", "account", acc.ID, "balance", acc.Balance)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = accounts.Withdraw(ctx, id, 100)
		}()
	}
	wg.Wait()
	if err = errors.Join(errs...); err != nil {
		return err
	}
	acc, err = accounts.Get(ctx, id)
	if err != nil {
		return err
	}
	sbragi.Info("withdrew twice", "account", acc.ID, "balance", acc.Balance)

	balances, offsets, closeReadModel, err := openReadModel(cfg, j)
	if err != nil {
		return err
	}
	defer closeReadModel()
	p := projection.New("bank-balances", j, offsets, registry, balances.Handle,
		projection.WithPollInterval(cfg.PollInterval),
		projection.WithBatchSize(cfg.BatchSize),
		projection.WithRetryLimit(cfg.RetryLimit),
		projection.WithRetryDelay(cfg.RetryDelay),
	)
	stopProjection, err := project(ctx, p, j)
	if err != nil {
		return err
	}
	defer func() {
		sbragi.WithError(stopProjection()).Error("stopping projection")
	}()

	all, err := balances.All(ctx)
	if err != nil {
		return err
	}
	for _, b := range all {
		fmt.Printf("%s\t%d\n", b.ID, b.Amount)
	}
	if cfg.HTTPPort == 0 {
		return nil
	}
	return serve(ctx, cfg.HTTPPort, j, p, balances)
}

// project starts p and returns once it has committed the head of the journal
// as it was when project was called. The returned function stops p.
func project(ctx context.Context, p *projection.Projection[bank.Event], j journal.Reader) (func() error, error) {
	head, err := journal.Head(ctx, j)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	stop := func() error {
		cancel()
		return <-done
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for p.Position() < head {
		select {
		case err = <-done:
			cancel()
			if err == nil {
				err = ctx.Err()
			}
			return nil, err
		case <-ticker.C:
		}
	}
	sbragi.Info("projection caught up", "projection", p.ID(), "offset", p.Position())
	return stop, nil
}

// serve exposes health, metrics and the projected balances until ctx is done.
func serve(ctx context.Context, port uint16, j journal.Reader, p *projection.Projection[bank.Event], balances bank.Balances) error {
	h := health.New(j)
	h.Track(p.ID(), p.Position)
	serv := webserver.Init(port, h)
	serv.API().Get("/accounts/:id", func(c *fiber.Ctx) error {
		b, err := balances.Get(c.UserContext(), c.Params("id"))
		if errors.Is(err, bank.ErrAccountNotFound) {
			return webserver.ErrorResponse(c, err.Error(), http.StatusNotFound)
		}
		if err != nil {
			return err
		}
		return c.JSON(b)
	})
	serv.API().Get("/accounts", func(c *fiber.Ctx) error {
		all, err := balances.All(c.UserContext())
		if err != nil {
			return err
		}
		return c.JSON(all)
	})
	errs := make(chan error, 1)
	go func() { errs <- serv.Run() }()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	return serv.Shutdown()
}

func openJournal(ctx context.Context, cfg config.Config) (journal.Journal, error) {
	sbragi.Info("opening journal", "backend", cfg.Backend)
	switch cfg.Backend {
	case config.OnDisk:
		return ondisk.Open(cfg.OnDiskDir)
	case config.SQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)
	case config.MariaDB:
		return mariadb.Open(ctx, cfg.MariaDBDSN)
	case config.EventStore:
		return eventstore.Open(cfg.EventStoreHost)
	default:
		return inmemory.Init(ctx)
	}
}

// openReadModel keeps the read model in memory, starting from the beginning
// of the journal, unless an offset directory is configured. Then both the
// balances and the offset survive restarts. SQL journals keep the offset in
// their own database.
func openReadModel(cfg config.Config, j journal.Journal) (bank.Balances, offset.Store, func(), error) {
	if cfg.OffsetDir == "" {
		return bank.NewInMemoryBalances(), offset.NewInMemory(), func() {}, nil
	}
	balances, err := bank.NewStoredBalances(filepath.Join(cfg.OffsetDir, "balances"))
	if err != nil {
		return nil, nil, nil, err
	}
	if sj, ok := j.(*sqlstore.Journal); ok {
		return balances, sqlstore.NewOffsets(sj), func() { balances.Close() }, nil
	}
	offsets, err := offset.NewStorage(filepath.Join(cfg.OffsetDir, "offsets"))
	if err != nil {
		balances.Close()
		return nil, nil, nil, err
	}
	return balances, offsets, func() {
		sbragi.WithError(offsets.Close()).Error("closing offsets")
		sbragi.WithError(balances.Close()).Error("closing balances")
	}, nil
}
