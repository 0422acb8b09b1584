package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bgpsight/mrt-broker/internal/domain"
	"github.com/bgpsight/mrt-broker/internal/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS meta(
    update_ts INTEGER,
    update_duration INTEGER,
    insert_count INTEGER
);

CREATE TABLE IF NOT EXISTS collectors (
    id INTEGER PRIMARY KEY,
    name TEXT,
    url TEXT,
    project TEXT,
    updates_interval INTEGER
);

CREATE TABLE IF NOT EXISTS files(
    ts_start INTEGER,
    collector_id INTEGER,
    data_type TEXT,
    rough_size INTEGER,
    exact_size INTEGER,
    CONSTRAINT files_unique_pk UNIQUE (collector_id, ts_start, data_type)
);

CREATE TABLE IF NOT EXISTS latest(
    ts_start INTEGER,
    collector_name TEXT,
    data_type TEXT,
    rough_size INTEGER,
    exact_size INTEGER,
    CONSTRAINT latest_unique_pk UNIQUE (collector_name, data_type)
);

CREATE INDEX IF NOT EXISTS idx_files_ts_start ON files(ts_start);

CREATE VIEW IF NOT EXISTS files_view AS
SELECT
    f.ts_start, f.rough_size, f.exact_size, f.data_type,
    c.name AS collector_name,
    c.url AS collector_url,
    c.project AS project_name,
    c.updates_interval AS updates_interval
FROM collectors c
JOIN files f ON c.id = f.collector_id;
`

const sqliteInsertBatchSize = 1000

// SqliteStore is the embedded catalog backend: a single sqlite file in WAL
// mode, one writer and many readers sharing the pool.
type SqliteStore struct {
	db    *sql.DB
	path  string
	cache collectorCache
}

// OpenSqlite opens (creating if needed) the sqlite catalog at path.
func OpenSqlite(ctx context.Context, path string) (*SqliteStore, error) {
	logger.InfoObj("open sqlite catalog", "path", path)

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; sqlite serializes anyway, this avoids SQLITE_BUSY
	// churn under concurrent inserts.
	db.SetMaxOpenConns(1)

	s := &SqliteStore{db: db, path: path}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	if err := s.ReloadCollectors(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file location, used by the backup routine.
func (s *SqliteStore) Path() string { return s.path }

func (s *SqliteStore) Close() error { return s.db.Close() }

func (s *SqliteStore) Collectors() []domain.Collector {
	cached := s.cache.snapshot()
	out := make([]domain.Collector, 0, len(cached))
	for _, c := range cached {
		out = append(out, c.toDomain())
	}
	return out
}

func (s *SqliteStore) ReloadCollectors(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, url, project, updates_interval FROM collectors")
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

func (s *SqliteStore) InsertCollector(ctx context.Context, c domain.Collector) error {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM collectors WHERE name = ?", c.ID).Scan(&count); err != nil {
		return fmt.Errorf("check collector %s: %w", c.ID, err)
	}
	if count > 0 {
		return nil
	}

	project, err := domain.NormalizeProject(c.Project)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO collectors (name, url, project, updates_interval) VALUES (?, ?, ?, ?)",
		c.ID, c.URL, project, domain.ProjectUpdatesInterval(project),
	)
	if err != nil {
		return fmt.Errorf("insert collector %s: %w", c.ID, err)
	}
	return nil
}

func (s *SqliteStore) InsertItems(ctx context.Context, items []domain.FileRecord, updateLatest bool) ([]domain.FileRecord, error) {
	if len(items) == 0 {
		return nil, nil
	}

	nameToID := make(map[string]int64)
	idToInfo := s.cache.byID()
	for id, c := range idToInfo {
		nameToID[c.Name] = id
	}

	logger.DebugObj("inserting items", "count", len(items))
	var inserted []domain.FileRecord

	for start := 0; start < len(items); start += sqliteInsertBatchSize {
		end := start + sqliteInsertBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		var sb strings.Builder
		args := make([]any, 0, len(batch)*5)
		for i, item := range batch {
			collectorID, ok := nameToID[item.CollectorID]
			if !ok {
				return nil, fmt.Errorf("unknown collector %s, reload collectors first", item.CollectorID)
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?)")
			args = append(args, item.TsStart.Unix(), collectorID, item.DataType, item.RoughSize, item.ExactSize)
		}

		query := fmt.Sprintf(
			`INSERT OR IGNORE INTO files (ts_start, collector_id, data_type, rough_size, exact_size) VALUES %s
             RETURNING ts_start, collector_id, data_type, rough_size, exact_size`,
			sb.String(),
		)

		var batchInserted []domain.FileRecord
		err := withInsertRetry(ctx, func() error {
			batchInserted = batchInserted[:0]
			rows, err := s.db.QueryContext(ctx, query, args...)
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

	logger.DebugObj("inserted items", "count", len(inserted))
	if updateLatest {
		if err := s.UpdateLatest(ctx, inserted, false); err != nil {
			return nil, err
		}
	}

	s.forceCheckpoint(ctx)
	return inserted, nil
}

// forceCheckpoint truncates the WAL after large batches so the main file stays
// backup-friendly.
func (s *SqliteStore) forceCheckpoint(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		logger.WarnObj("wal checkpoint failed", "error", err.Error())
	}
}

func (s *SqliteStore) UpdateLatest(ctx context.Context, items []domain.FileRecord, bootstrap bool) error {
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

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update latest: %w", err)
	}
	return nil
}

func (s *SqliteStore) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
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
	if err := s.db.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
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
	rows, err := s.db.QueryContext(ctx, dataQuery)
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

func (s *SqliteStore) LatestFiles(ctx context.Context) ([]domain.FileRecord, error) {
	byName := s.cache.byName()
	rows, err := s.db.QueryContext(ctx, "SELECT ts_start, collector_name, data_type, rough_size, exact_size FROM latest")
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

func (s *SqliteStore) LatestTimestamp(ctx context.Context) (*time.Time, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(ts_start) FROM files").Scan(&ts); err != nil {
		return nil, fmt.Errorf("latest timestamp: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := time.Unix(ts.Int64, 0).UTC()
	return &t, nil
}

func (s *SqliteStore) InsertMeta(ctx context.Context, durationSeconds, insertCount int32) (*domain.UpdateMeta, error) {
	now := time.Now().Unix()
	meta := domain.UpdateMeta{UpdateTs: now, UpdateDuration: durationSeconds, InsertCount: insertCount}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO meta (update_ts, update_duration, insert_count) VALUES (?, ?, ?)",
		meta.UpdateTs, meta.UpdateDuration, meta.InsertCount,
	)
	if err != nil {
		return nil, fmt.Errorf("insert meta: %w", err)
	}
	return &meta, nil
}

func (s *SqliteStore) LatestMeta(ctx context.Context) (*domain.UpdateMeta, error) {
	var meta domain.UpdateMeta
	err := s.db.QueryRowContext(ctx,
		"SELECT update_ts, update_duration, insert_count FROM meta ORDER BY update_ts DESC LIMIT 1",
	).Scan(&meta.UpdateTs, &meta.UpdateDuration, &meta.InsertCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest meta: %w", err)
	}
	return &meta, nil
}

func (s *SqliteStore) CleanupMeta(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := s.db.ExecContext(ctx, "DELETE FROM meta WHERE update_ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup meta: %w", err)
	}
	return res.RowsAffected()
}

func (s *SqliteStore) Analyze(ctx context.Context) error {
	logger.InfoObj("running sqlite ANALYZE", "table", "all")
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}

// recordFromRow rebuilds a full FileRecord from a stored row, re-deriving the
// canonical URL and ts_end from the collector metadata.
func recordFromRow(c cachedCollector, ts int64, dataType string, roughSize, exactSize int64) domain.FileRecord {
	tsStart := time.Unix(ts, 0).UTC()
	url, tsEnd := domain.InferURL(c.toDomain(), tsStart, dataType)
	return domain.FileRecord{
		TsStart:     tsStart,
		TsEnd:       tsEnd,
		CollectorID: c.Name,
		DataType:    dataType,
		URL:         url,
		RoughSize:   roughSize,
		ExactSize:   exactSize,
	}
}
