package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bgpsight/mrt-broker/internal/config"
	"github.com/bgpsight/mrt-broker/internal/domain"
)

// Package store provides the durable catalog of discovered MRT files.

const (
	// DefaultPageSize applies when a search's page is given without a size.
	DefaultPageSize = 100
	// MaxPageSize caps one search page.
	MaxPageSize = 1000
)

var (
	ErrPageNumber = errors.New("page number start from 1")
	ErrPageSize   = errors.New("maximum page size is 1000")
)

// Store is the catalog contract shared by the embedded sqlite backend and the
// networked postgres backend. All methods are safe for concurrent use; writes
// are serialized by the backend.
type Store interface {
	Close() error

	// Collectors returns a snapshot of the cached collector set.
	Collectors() []domain.Collector
	ReloadCollectors(ctx context.Context) error
	InsertCollector(ctx context.Context, c domain.Collector) error

	// InsertItems inserts records in batches, silently skipping rows whose
	// logical key already exists, and returns only the newly inserted subset.
	// When updateLatest is set the latest table is refreshed from that subset.
	InsertItems(ctx context.Context, items []domain.FileRecord, updateLatest bool) ([]domain.FileRecord, error)
	// UpdateLatest applies the monotonic conditional upsert. With bootstrap
	// set, the upsert source is derived from the whole files table instead of
	// items.
	UpdateLatest(ctx context.Context, items []domain.FileRecord, bootstrap bool) error

	Search(ctx context.Context, q SearchQuery) (*SearchResult, error)
	LatestFiles(ctx context.Context) ([]domain.FileRecord, error)
	LatestTimestamp(ctx context.Context) (*time.Time, error)

	InsertMeta(ctx context.Context, durationSeconds, insertCount int32) (*domain.UpdateMeta, error)
	LatestMeta(ctx context.Context) (*domain.UpdateMeta, error)
	CleanupMeta(ctx context.Context, retentionDays int) (int64, error)

	// Analyze refreshes the backend's planner statistics.
	Analyze(ctx context.Context) error
}

// Open selects the catalog backend: postgres when the database connection
// parameters are fully configured, the embedded sqlite file otherwise.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.UsePostgres() {
		return OpenPostgres(ctx, cfg.PostgresDSN(), cfg.DBPoolSize)
	}
	return OpenSqlite(ctx, cfg.DBPath)
}

// SearchQuery carries the catalog search filters. Zero values mean "no
// filter"; Page==0 together with PageSize==0 returns the full result set.
type SearchQuery struct {
	Collectors []string
	Project    string
	DataType   string
	TsStart    *time.Time
	TsEnd      *time.Time
	Page       int
	PageSize   int
}

// Validate rejects out-of-range pagination. Filter normalization errors
// surface from the query builder instead, since they depend on alias tables.
func (q SearchQuery) Validate() error {
	if q.Page < 0 {
		return ErrPageNumber
	}
	if q.PageSize > MaxPageSize {
		return ErrPageSize
	}
	return nil
}

// SearchResult is one page of catalog search output.
type SearchResult struct {
	Items    []domain.FileRecord `json:"data"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	Total    int64               `json:"total"`
}

// cachedCollector is a collectors-table row, carrying the numeric key used by
// the files table.
type cachedCollector struct {
	ID              int64
	Name            string
	URL             string
	Project         string
	UpdatesInterval int64
}

func (c cachedCollector) toDomain() domain.Collector {
	return domain.Collector{
		ID:              c.Name,
		Project:         c.Project,
		URL:             c.URL,
		UpdatesInterval: c.UpdatesInterval,
	}
}

// collectorCache holds the collectors table in memory so row construction can
// re-derive URLs without touching the database. Read under a shared lock,
// replaced wholesale under an exclusive one.
type collectorCache struct {
	mu         sync.RWMutex
	collectors []cachedCollector
}

func (cc *collectorCache) snapshot() []cachedCollector {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	out := make([]cachedCollector, len(cc.collectors))
	copy(out, cc.collectors)
	return out
}

func (cc *collectorCache) replace(collectors []cachedCollector) {
	cc.mu.Lock()
	cc.collectors = collectors
	cc.mu.Unlock()
}

func (cc *collectorCache) byName() map[string]cachedCollector {
	out := make(map[string]cachedCollector)
	for _, c := range cc.snapshot() {
		out[c.Name] = c
	}
	return out
}

func (cc *collectorCache) byID() map[int64]cachedCollector {
	out := make(map[int64]cachedCollector)
	for _, c := range cc.snapshot() {
		out[c.ID] = c
	}
	return out
}

// buildWhereClauses translates the query filters into SQL fragments over
// files_view. Both backends store timestamps as unix seconds, so the clauses
// are backend-neutral.
func buildWhereClauses(q SearchQuery) ([]string, error) {
	var clauses []string

	if len(q.Collectors) > 0 {
		quoted := make([]string, 0, len(q.Collectors))
		for _, c := range q.Collectors {
			quoted = append(quoted, "'"+strings.ReplaceAll(c, "'", "''")+"'")
		}
		clauses = append(clauses, fmt.Sprintf("collector_name IN (%s)", strings.Join(quoted, ",")))
	}

	if q.Project != "" {
		project, err := domain.NormalizeProject(q.Project)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, fmt.Sprintf("project_name='%s'", project))
	}

	if q.DataType != "" {
		dataType, err := domain.NormalizeDataType(q.DataType)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, fmt.Sprintf("data_type='%s'", dataType))
	}

	switch {
	case q.TsStart != nil && q.TsEnd == nil:
		clauses = append(clauses, tsStartClause(q.TsStart.Unix()))
	case q.TsStart == nil && q.TsEnd != nil:
		clauses = append(clauses, tsEndClause(q.TsEnd.Unix()))
	case q.TsStart != nil && q.TsEnd != nil:
		end := *q.TsEnd
		if q.TsStart.Equal(end) {
			end = end.Add(time.Second)
		}
		clauses = append(clauses, tsStartClause(q.TsStart.Unix()), tsEndClause(end.Unix()))
	}

	return clauses, nil
}

// tsStartClause matches files still covering data at ts: updates files start
// up to one updates interval earlier, ribs are point-in-time snapshots.
func tsStartClause(ts int64) string {
	return fmt.Sprintf(
		"((project_name='ripe-ris' AND data_type='updates' AND ts_start > %d) OR (project_name='route-views' AND data_type='updates' AND ts_start > %d) OR (data_type='rib' AND ts_start >= %d))",
		ts-domain.RipeRisUpdatesInterval, ts-domain.RouteViewsUpdatesInterval, ts,
	)
}

func tsEndClause(ts int64) string {
	return fmt.Sprintf("ts_start < %d", ts)
}

// limitClause computes LIMIT/OFFSET. limit 0 means no pagination.
func limitClause(page, pageSize int) string {
	var limit, offset int
	switch {
	case page > 0 && pageSize > 0:
		limit, offset = pageSize, pageSize*(page-1)
	case page > 0:
		limit, offset = DefaultPageSize, DefaultPageSize*(page-1)
	case pageSize > 0:
		limit, offset = pageSize, 0
	}
	if limit == 0 {
		return ""
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

func whereClause(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}

var transientErrMarkers = []string{"connection", "EOF", "server login", "failed to connect"}

// isTransientErr reports whether a driver failure is worth retrying.
func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range transientErrMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// withInsertRetry runs fn up to 3 times with 1s then 2s backoff on transient
// driver errors. Non-transient errors propagate immediately.
func withInsertRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(1<<(attempt-1)) * time.Second)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := fn(); err != nil {
			if isTransientErr(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("insert failed after 3 retries: %w", lastErr)
}
