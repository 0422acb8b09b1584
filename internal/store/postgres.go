package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/bgpsight/mrt-broker/internal/domain"
	"github.com/bgpsight/mrt-broker/internal/logger"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS meta(
    update_ts BIGINT,
    update_duration INTEGER,
    insert_count INTEGER
);

CREATE TABLE IF NOT EXISTS collectors (
    id SERIAL PRIMARY KEY,
    name TEXT,
    url TEXT,
    project TEXT,
    updates_interval BIGINT,
    CONSTRAINT collectors_unique_pk UNIQUE (project, name)
);

CREATE TABLE IF NOT EXISTS files(
    ts_start BIGINT,
    collector_id INTEGER,
    data_type TEXT,
    rough_size BIGINT,
    exact_size BIGINT,
    CONSTRAINT files_unique_pk UNIQUE (collector_id, ts_start, data_type)
);

CREATE TABLE IF NOT EXISTS latest(
    ts_start BIGINT,
    collector_name TEXT,
    data_type TEXT,
    rough_size BIGINT,
    exact_size BIGINT,
    CONSTRAINT latest_unique_pk UNIQUE (collector_name, data_type)
);

CREATE INDEX IF NOT EXISTS idx_files_ts_start ON files(ts_start);

CREATE OR REPLACE VIEW files_view AS
SELECT
    f.ts_start, f.rough_size, f.exact_size, f.data_type,
    c.name AS collector_name,
    c.url AS collector_url,
    c.project AS project_name,
    c.updates_interval AS updates_interval
FROM collectors c
JOIN files f ON c.id = f.collector_id;
`

const postgresInsertBatchSize = 500

// PostgresStore is the networked catalog backend. The pool is sized for
// serverless databases: few connections, short idle timeout, short lifetime,
// health check before acquire.
type PostgresStore struct {
	pool  *pgxpool.Pool
	cache collectorCache
}

// OpenPostgres connects to the networked catalog using the given DSN and pool
// size.
func OpenPostgres(ctx context.Context, dsn string, poolSize int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 3
	}
	cfg.MaxConns = int32(poolSize)
	cfg.MinConns = 0
	cfg.MaxConnIdleTime = 10 * time.Second
	cfg.MaxConnLifetime = 60 * time.Second
	cfg.HealthCheckPeriod = 5 * time.Second

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	logger.S.Infow("postgres pool created", "max_conns", poolSize)

	s := &PostgresStore{pool: pool}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}
	if err := s.ReloadCollectors(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Collectors() []domain.Collector {
	cached := s.cache.snapshot()
	out := make([]domain.Collector, 0, len(cached))
	for _, c := range cached {
		out = append(out, c.toDomain())
	}
	return out
}

func (s *PostgresStore) ReloadCollectors(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, "SELECT id, name, url, project, updates_interval FROM collectors")
	if err != nil {
		return fmt.Errorf("load collectors: %w", err)
	}
	defer rows.Close()

	var collectors []cachedCollector
	for rows.Next() {
		var c cachedCollector
		if err := rows.Scan(&c.ID, &c.Name, &c.URL, &c.Project, &c.UpdatesInterval); err != nil {
			return fmt.Errorf("scan collector: %w", err)
		}
		collectors = append(collectors, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load collectors: %w", err)
	}
	s.cache.replace(collectors)
	return nil
}

func (s *PostgresStore) InsertCollector(ctx context.Context, c domain.Collector) error {
	project, err := domain.NormalizeProject(c.Project)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO collectors (project, name, url, updates_interval) VALUES ($1, $2, $3, $4)
         ON CONFLICT (project, name) DO NOTHING`,
		project, c.ID, c.URL, domain.ProjectUpdatesInterval(project),
	)
	if err != nil {
		return fmt.Errorf("insert collector %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) InsertItems(ctx context.Context, items []domain.FileRecord, updateLatest bool) ([]domain.FileRecord, error) {
	if len(items) == 0 {
		return nil, nil
	}

	idToInfo := s.cache.byID()
	nameToID := make(map[string]int64)
	for id, c := range idToInfo {
		nameToID[c.Name] = id
	}

	logger.S.Debugw("inserting items", "count", len(items))
	var inserted []domain.FileRecord

	// Batches run sequentially to keep connection pressure low on serverless
	// databases.
	for start := 0; start < len(items); start += postgresInsertBatchSize {
		end := start + postgresInsertBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		values := make([]string, 0, len(batch))
		for _, item := range batch {
			collectorID, ok := nameToID[item.CollectorID]
			if !ok {
				continue
			}
			values = append(values, fmt.Sprintf(
				"(%d, %d, '%s', %d, %d)",
				item.TsStart.Unix(), collectorID, item.DataType, item.RoughSize, item.ExactSize,
			))
		}
		if len(values) == 0 {
			continue
		}

		query := fmt.Sprintf(
			`INSERT INTO files (ts_start, collector_id, data_type, rough_size, exact_size)
             VALUES %s
             ON CONFLICT DO NOTHING
             RETURNING ts_start, collector_id, data_type, rough_size, exact_size`,
			strings.Join(values, ", "),
		)

		var batchInserted []domain.FileRecord
		err := withInsertRetry(ctx, func() error {
			batchInserted = batchInserted[:0]
			rows, err := s.pool.Query(ctx, query)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var (
					ts          int64
					collectorID int64
					dataType    string
					roughSize   int64
					exactSize   int64
				)
				if err := rows.Scan(&ts, &collectorID, &dataType, &roughSize, &exactSize); err != nil {
					return err
				}
				collector, ok := idToInfo[collectorID]
				if !ok {
					continue
				}
				batchInserted = append(batchInserted, recordFromRow(collector, ts, dataType, roughSize, exactSize))
			}
			return rows.Err()
		})
		if err != nil {
			return nil, fmt.Errorf("insert files batch: %w", err)
		}
		inserted = append(inserted, batchInserted...)
	}

	logger.S.Debugw("inserted items", "count", len(inserted))
	if updateLatest && len(inserted) > 0 {
		if err := s.UpdateLatest(ctx, inserted, false); err != nil {
			return nil, err
		}
	}
	return inserted, nil
}

func (s *PostgresStore) UpdateLatest(ctx context.Context, items []domain.FileRecord, bootstrap bool) error {
	var source string
	if bootstrap {
		source = `
            SELECT
                MAX(ts_start) AS ts_start,
                collector_name,
                data_type,
                MAX(rough_size) AS rough_size,
                MAX(exact_size) AS exact_size
            FROM files_view
            GROUP BY collector_name, data_type`
	} else {
		if len(items) == 0 {
			return nil
		}
		values := make([]string, 0, len(items))
		for _, item := range items {
			values = append(values, fmt.Sprintf(
				"(%d, '%s', '%s', %d, %d)",
				item.TsStart.Unix(), item.CollectorID, item.DataType, item.RoughSize, item.ExactSize,
			))
		}
		source = " VALUES " + strings.Join(values, ", ")
	}

	query := fmt.Sprintf(`
        INSERT INTO latest (ts_start, collector_name, data_type, rough_size, exact_size)
        %s
        ON CONFLICT (collector_name, data_type)
        DO UPDATE SET
            ts_start = CASE WHEN excluded.ts_start > latest.ts_start THEN excluded.ts_start ELSE latest.ts_start END,
            rough_size = CASE WHEN excluded.ts_start > latest.ts_start THEN excluded.rough_size ELSE latest.rough_size END,
            exact_size = CASE WHEN excluded.ts_start > latest.ts_start THEN excluded.exact_size ELSE latest.exact_size END;`,
		source,
	)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("update latest: %w", err)
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	clauses, err := buildWhereClauses(q)
	if err != nil {
		return nil, err
	}
	where := whereClause(clauses)

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM files_view %s", where)
	if err := s.pool.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, fmt.Errorf("count query: %w", err)
	}

	dataQuery := fmt.Sprintf(`
        SELECT collector_name, ts_start, data_type, rough_size, exact_size
        FROM files_view
        %s
        ORDER BY ts_start ASC, data_type, collector_name
        %s`,
		where, limitClause(q.Page, q.PageSize),
	)

	byName := s.cache.byName()
	rows, err := s.pool.Query(ctx, dataQuery)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var records []domain.FileRecord
	for rows.Next() {
		var (
			name      string
			ts        int64
			dataType  string
			roughSize int64
			exactSize int64
		)
		if err := rows.Scan(&name, &ts, &dataType, &roughSize, &exactSize); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		collector, ok := byName[name]
		if !ok {
			continue
		}
		records = append(records, recordFromRow(collector, ts, dataType, roughSize, exactSize))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}

	page, pageSize := q.Page, q.PageSize
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	return &SearchResult{Items: records, Page: page, PageSize: pageSize, Total: total}, nil
}

func (s *PostgresStore) LatestFiles(ctx context.Context) ([]domain.FileRecord, error) {
	byName := s.cache.byName()
	rows, err := s.pool.Query(ctx, "SELECT ts_start, collector_name, data_type, rough_size, exact_size FROM latest")
	if err != nil {
		return nil, fmt.Errorf("latest query: %w", err)
	}
	defer rows.Close()

	var records []domain.FileRecord
	for rows.Next() {
		var (
			ts        int64
			name      string
			dataType  string
			roughSize int64
			exactSize int64
		)
		if err := rows.Scan(&ts, &name, &dataType, &roughSize, &exactSize); err != nil {
			return nil, fmt.Errorf("scan latest row: %w", err)
		}
		collector, ok := byName[name]
		if !ok {
			continue
		}
		records = append(records, recordFromRow(collector, ts, dataType, roughSize, exactSize))
	}
	return records, rows.Err()
}

func (s *PostgresStore) LatestTimestamp(ctx context.Context) (*time.Time, error) {
	var ts *int64
	if err := s.pool.QueryRow(ctx, "SELECT MAX(ts_start) FROM files").Scan(&ts); err != nil {
		return nil, fmt.Errorf("latest timestamp: %w", err)
	}
	if ts == nil {
		return nil, nil
	}
	t := time.Unix(*ts, 0).UTC()
	return &t, nil
}

func (s *PostgresStore) InsertMeta(ctx context.Context, durationSeconds, insertCount int32) (*domain.UpdateMeta, error) {
	now := time.Now().Unix()
	meta := domain.UpdateMeta{UpdateTs: now, UpdateDuration: durationSeconds, InsertCount: insertCount}
	_, err := s.pool.Exec(ctx,
		"INSERT INTO meta (update_ts, update_duration, insert_count) VALUES ($1, $2, $3)",
		meta.UpdateTs, meta.UpdateDuration, meta.InsertCount,
	)
	if err != nil {
		return nil, fmt.Errorf("insert meta: %w", err)
	}
	return &meta, nil
}

func (s *PostgresStore) LatestMeta(ctx context.Context) (*domain.UpdateMeta, error) {
	var meta domain.UpdateMeta
	err := s.pool.QueryRow(ctx,
		"SELECT update_ts, update_duration, insert_count FROM meta ORDER BY update_ts DESC LIMIT 1",
	).Scan(&meta.UpdateTs, &meta.UpdateDuration, &meta.InsertCount)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest meta: %w", err)
	}
	return &meta, nil
}

func (s *PostgresStore) CleanupMeta(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := s.pool.Exec(ctx, "DELETE FROM meta WHERE update_ts < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup meta: %w", err)
	}
	return res.RowsAffected(), nil
}

func (s *PostgresStore) Analyze(ctx context.Context) error {
	logger.S.Info("running postgres ANALYZE...")
	for _, table := range []string{"files", "collectors"} {
		if _, err := s.pool.Exec(ctx, "ANALYZE "+table); err != nil {
			return fmt.Errorf("analyze %s: %w", table, err)
		}
	}
	logger.S.Info("running postgres ANALYZE...done")
	return nil
}
