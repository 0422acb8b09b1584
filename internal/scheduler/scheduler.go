package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bgpsight/mrt-broker/internal/backup"
	"github.com/bgpsight/mrt-broker/internal/config"
	"github.com/bgpsight/mrt-broker/internal/crawler"
	"github.com/bgpsight/mrt-broker/internal/domain"
	"github.com/bgpsight/mrt-broker/internal/logger"
	"github.com/bgpsight/mrt-broker/internal/notifier"
	"github.com/bgpsight/mrt-broker/internal/store"
)

const (
	// MinUpdateInterval guards against polling storms on the archive servers.
	MinUpdateInterval = 300 * time.Second

	analyzeInterval = 24 * time.Hour
)

// Scheduler drives the periodic update loop: crawl all collectors with
// bounded concurrency, insert results, notify, record meta, heartbeat, and
// back up the catalog on its own cadence.
type Scheduler struct {
	cfg        *config.Config
	store      store.Store
	crawler    *crawler.Crawler
	notifier   notifier.Notifier
	collectors []domain.Collector

	// DaysOverride, when positive, forces every collector's crawl start to
	// today minus that many days instead of resuming from the stored latest.
	DaysOverride int

	http        *resty.Client
	ready       chan struct{}
	readyOnce   sync.Once
	lastBackup  time.Time
	lastAnalyze time.Time
}

// New builds a scheduler. The update interval must be at least five minutes.
func New(cfg *config.Config, st store.Store, cr *crawler.Crawler, nt notifier.Notifier, collectors []domain.Collector) (*Scheduler, error) {
	if cfg.UpdateInterval < MinUpdateInterval {
		return nil, fmt.Errorf("update interval must be at least %s, got %s", MinUpdateInterval, cfg.UpdateInterval)
	}
	httpClient := resty.New()
	httpClient.SetTimeout(30 * time.Second)
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		crawler:    cr,
		notifier:   nt,
		collectors: collectors,
		http:       httpClient,
		ready:      make(chan struct{}),
	}, nil
}

// Ready is closed once the first update cycle (and, when configured, the
// first backup) has completed, so the API does not serve a stale catalog.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

// Run executes update cycles until the context is canceled. The first cycle
// starts immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.S.Infow("update loop starting",
		"collectors", len(s.collectors),
		"update_interval", s.cfg.UpdateInterval.String(),
		"collector_concurrency", s.cfg.CrawlerCollectorConcurrency,
	)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.S.Infow("update loop exiting", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full update cycle. Collector-level failures are logged
// and suppressed so one flaky archive does not poison the cycle.
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()

	if err := s.registerCollectors(ctx); err != nil {
		logger.S.Errorw("collector registration failed", "error", err)
		return
	}

	fromDate, err := s.resolveFromDate(ctx)
	if err != nil {
		logger.S.Errorw("resolve crawl start date failed", "error", err)
		return
	}

	var totalInserted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.CrawlerCollectorConcurrency)
	for _, collector := range s.collectors {
		collector := collector
		g.Go(func() error {
			records, err := s.crawler.Crawl(gctx, collector, fromDate)
			if err != nil {
				logger.S.Errorw("collector crawl failed", "collector", collector.ID, "error", err)
				return nil
			}
			inserted, err := s.store.InsertItems(gctx, records, true)
			if err != nil {
				logger.S.Errorw("insert crawled records failed", "collector", collector.ID, "error", err)
				return nil
			}
			totalInserted.Add(int64(len(inserted)))
			if len(inserted) > 0 {
				if err := s.notifier.Publish(gctx, inserted); err != nil {
					logger.S.Errorw("notification publish failed", "collector", collector.ID, "error", err)
				}
			}
			logger.S.Infow("collector updated", "collector", collector.ID, "discovered", len(records), "inserted", len(inserted))
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start)
	if _, err := s.store.InsertMeta(ctx, int32(duration.Seconds()), int32(totalInserted.Load())); err != nil {
		logger.S.Errorw("insert update meta failed", "error", err)
	}
	if _, err := s.store.CleanupMeta(ctx, s.cfg.MetaRetentionDays); err != nil {
		logger.S.Errorw("cleanup update meta failed", "error", err)
	}

	logger.S.Infow("update cycle finished",
		"duration", duration.String(),
		"inserted", totalInserted.Load(),
	)

	s.pingHeartbeat(ctx, s.cfg.HeartbeatURL)
	s.maybeAnalyze(ctx)
	s.maybeBackup(ctx)

	s.readyOnce.Do(func() { close(s.ready) })
}

// registerCollectors upserts any configured collector the store does not know
// yet and refreshes the cache when something changed.
func (s *Scheduler) registerCollectors(ctx context.Context) error {
	known := make(map[string]bool)
	for _, c := range s.store.Collectors() {
		known[c.ID] = true
	}

	added := 0
	for _, c := range s.collectors {
		if known[c.ID] {
			continue
		}
		if err := s.store.InsertCollector(ctx, c); err != nil {
			return err
		}
		added++
	}
	if added > 0 {
		logger.S.Infow("registered new collectors", "count", added)
		return s.store.ReloadCollectors(ctx)
	}
	return nil
}

// resolveFromDate picks the crawl start: the override window, the stored
// latest minus one day (the overlap absorbs clock skew between collectors),
// or thirty days back for an empty catalog.
func (s *Scheduler) resolveFromDate(ctx context.Context) (*time.Time, error) {
	if s.DaysOverride > 0 {
		d := time.Now().UTC().AddDate(0, 0, -s.DaysOverride)
		return &d, nil
	}

	latest, err := s.store.LatestTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		d := time.Now().UTC().AddDate(0, 0, -30)
		logger.S.Infow("empty catalog, bootstrapping", "from_date", d.Format("2006-01-02"))
		return &d, nil
	}
	d := latest.AddDate(0, 0, -1)
	logger.S.Infow("resuming crawl from latest in catalog minus one day", "from_date", d.Format("2006-01-02"))
	return &d, nil
}

// pingHeartbeat GETs a liveness URL, best effort.
func (s *Scheduler) pingHeartbeat(ctx context.Context, url string) {
	if url == "" {
		return
	}
	if _, err := s.http.R().SetContext(ctx).Get(url); err != nil {
		logger.S.Warnw("heartbeat ping failed", "url", url, "error", err)
		return
	}
	logger.S.Debugw("heartbeat pinged", "url", url)
}

// maybeAnalyze refreshes planner statistics once a day.
func (s *Scheduler) maybeAnalyze(ctx context.Context) {
	if time.Since(s.lastAnalyze) < analyzeInterval {
		return
	}
	if err := s.store.Analyze(ctx); err != nil {
		logger.S.Warnw("analyze failed", "error", err)
		return
	}
	s.lastAnalyze = time.Now()
}

// maybeBackup runs the backup routine when a destination is configured and
// the interval elapsed. An unset lastBackup (first cycle) backs up
// immediately. The networked backend has no file to copy, so backups only
// apply to the embedded catalog.
func (s *Scheduler) maybeBackup(ctx context.Context) {
	if s.cfg.BackupTo == "" || s.cfg.UsePostgres() {
		return
	}
	interval := time.Duration(s.cfg.BackupIntervalHours) * time.Hour
	if !s.lastBackup.IsZero() && time.Since(s.lastBackup) < interval {
		return
	}

	logger.S.Infow("backing up catalog", "to", s.cfg.BackupTo)
	if err := backup.Run(ctx, s.cfg.DBPath, s.cfg.BackupTo, true); err != nil {
		logger.S.Errorw("backup failed", "error", err)
		return
	}
	s.lastBackup = time.Now()
	s.pingHeartbeat(ctx, s.cfg.BackupHeartbeatURL)
}
