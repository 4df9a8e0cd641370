package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/retrier/internal/core/config"
	natsstore "github.com/vietddude/retrier/internal/infra/nats"
	redisclient "github.com/vietddude/retrier/internal/infra/redis"
	"github.com/vietddude/retrier/internal/infra/storage"
	"github.com/vietddude/retrier/internal/infra/storage/memory"
	"github.com/vietddude/retrier/internal/infra/storage/postgres"
)

// Stores holds the repositories selected by the store driver.
type Stores struct {
	Pending storage.PendingRepository
	Batches storage.BatchRepository // nil when the driver has no batch support
	Pinger  storage.Pinger
	DB      *postgres.DB // set for the postgres driver

	closers []func() error
}

// OpenStores connects the configured store driver. The postgres schema is
// migrated before use.
func OpenStores(ctx context.Context, cfg *config.AppConfig) (*Stores, error) {
	s := &Stores{}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		mem := memory.NewMemoryStorage()
		s.Pending = memory.NewPendingRepo(mem)
		s.Batches = memory.NewBatchRepo(mem)
		s.Pinger = mem

	case config.DriverPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.DB = db
		s.Pending = postgres.NewPendingRepo(db)
		s.Batches = postgres.NewBatchRepo(db)
		s.Pinger = db
		s.closers = append(s.closers, db.Close)

	case config.DriverRedis:
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.Pending = redisclient.NewPendingRepo(client)
		s.Batches = redisclient.NewBatchRepo(client)
		s.Pinger = client
		s.closers = append(s.closers, client.Close)

	case config.DriverNATS:
		repo, err := natsstore.Connect(ctx, cfg.NATS)
		if err != nil {
			return nil, err
		}
		s.Pending = repo
		s.Pinger = repo
		s.closers = append(s.closers, repo.Close)

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	return s, nil
}

// Close releases every connection.
func (s *Stores) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
