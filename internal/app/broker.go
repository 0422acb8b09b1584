package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bgpsight/mrt-broker/internal/api"
	"github.com/bgpsight/mrt-broker/internal/backup"
	"github.com/bgpsight/mrt-broker/internal/config"
	"github.com/bgpsight/mrt-broker/internal/crawler"
	"github.com/bgpsight/mrt-broker/internal/domain"
	"github.com/bgpsight/mrt-broker/internal/logger"
	"github.com/bgpsight/mrt-broker/internal/notifier"
	"github.com/bgpsight/mrt-broker/internal/scheduler"
	"github.com/bgpsight/mrt-broker/internal/store"
)

// Broker is the service runtime. It wires the catalog store, the collector
// crawler, the notification bus, the update scheduler, and the query API.
type Broker struct {
	cfg        *config.Config
	store      store.Store
	crawler    *crawler.Crawler
	notifier   notifier.Notifier
	scheduler  *scheduler.Scheduler
	api        *api.Server
	collectors []domain.Collector
}

// NewBroker builds the runtime from config. days forces the crawl window for
// every collector; zero resumes from the catalog's latest entry.
func NewBroker(ctx context.Context, cfg *config.Config, days int) (*Broker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	collectors, err := domain.LoadCollectors(cfg.CollectorsFile)
	if err != nil {
		return nil, fmt.Errorf("load collector catalog: %w", err)
	}
	logger.S.Infow("collector catalog loaded", "count", len(collectors))

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open catalog store: %w", err)
	}

	fetcher := crawler.NewRetryingFetcher(cfg.CrawlerMaxRetries, cfg.CrawlerBackoffMs)
	cr := crawler.New(fetcher, cfg.CrawlerMonthConcurrency)

	nt := notifier.New(notifier.Options{
		URL:         cfg.NatsURL,
		User:        cfg.NatsUser,
		Password:    cfg.NatsPassword,
		RootSubject: cfg.NatsRootSubject,
	})

	sched, err := scheduler.New(cfg, st, cr, nt, collectors)
	if err != nil {
		st.Close()
		nt.Close()
		return nil, err
	}
	sched.DaysOverride = days

	return &Broker{
		cfg:        cfg,
		store:      st,
		crawler:    cr,
		notifier:   nt,
		scheduler:  sched,
		api:        api.New(st),
		collectors: collectors,
	}, nil
}

// Run starts the update loop and, once the first cycle has completed, the
// query API. It returns when the context is canceled.
func (b *Broker) Run(ctx context.Context) error {
	defer b.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.scheduler.Run(gctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-b.scheduler.Ready():
		}
		addr := fmt.Sprintf("%s:%d", b.cfg.APIHost, b.cfg.APIPort)
		return b.api.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		return b.api.Shutdown(context.Background())
	})

	return g.Wait()
}

// RunUpdate performs a single update cycle and returns.
func (b *Broker) RunUpdate(ctx context.Context) error {
	defer b.close()
	b.scheduler.RunOnce(ctx)
	return nil
}

// RunBackup copies the catalog to the configured or given destination.
func (b *Broker) RunBackup(ctx context.Context, to string, force bool) error {
	defer b.close()
	if to == "" {
		to = b.cfg.BackupTo
	}
	if to == "" {
		return fmt.Errorf("no backup destination configured")
	}
	if b.cfg.UsePostgres() {
		return fmt.Errorf("backup applies to the embedded catalog only")
	}
	return backup.Run(ctx, b.cfg.DBPath, to, force)
}

func (b *Broker) close() {
	b.notifier.Close()
	if err := b.store.Close(); err != nil {
		logger.S.Errorw("catalog store close failed", "error", err)
	}
}
