package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bgpsight/mrt-broker/internal/domain"
	"github.com/bgpsight/mrt-broker/internal/store"
)

// stubStore serves canned results and records the last search query.
type stubStore struct {
	searchResult *store.SearchResult
	searchErr    error
	lastQuery    store.SearchQuery

	latestFiles []domain.FileRecord
	latestTs    *time.Time
	latestTsErr error
	meta        *domain.UpdateMeta
}

func (s *stubStore) Close() error                                        { return nil }
func (s *stubStore) Collectors() []domain.Collector                      { return nil }
func (s *stubStore) ReloadCollectors(context.Context) error              { return nil }
func (s *stubStore) InsertCollector(context.Context, domain.Collector) error { return nil }
func (s *stubStore) InsertItems(context.Context, []domain.FileRecord, bool) ([]domain.FileRecord, error) {
	return nil, nil
}
func (s *stubStore) UpdateLatest(context.Context, []domain.FileRecord, bool) error { return nil }
func (s *stubStore) Search(_ context.Context, q store.SearchQuery) (*store.SearchResult, error) {
	s.lastQuery = q
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.searchResult, nil
}
func (s *stubStore) LatestFiles(context.Context) ([]domain.FileRecord, error) {
	return s.latestFiles, nil
}
func (s *stubStore) LatestTimestamp(context.Context) (*time.Time, error) {
	return s.latestTs, s.latestTsErr
}
func (s *stubStore) InsertMeta(context.Context, int32, int32) (*domain.UpdateMeta, error) {
	return nil, nil
}
func (s *stubStore) LatestMeta(context.Context) (*domain.UpdateMeta, error) { return s.meta, nil }
func (s *stubStore) CleanupMeta(context.Context, int) (int64, error)        { return 0, nil }
func (s *stubStore) Analyze(context.Context) error                          { return nil }

func doRequest(t *testing.T, st store.Store, target string) *httptest.ResponseRecorder {
	t.Helper()
	srv := New(st)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestSearchHappyPath(t *testing.T) {
	ts := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	st := &stubStore{
		searchResult: &store.SearchResult{
			Items: []domain.FileRecord{{
				TsStart:     ts,
				TsEnd:       ts,
				CollectorID: "rrc00",
				DataType:    domain.TypeRib,
				URL:         "https://data.ris.ripe.net/rrc00/2023.05/bview.20230501.0000.gz",
			}},
			Page:     1,
			PageSize: 100,
			Total:    1,
		},
		meta: &domain.UpdateMeta{UpdateTs: 1700000000, UpdateDuration: 12},
	}

	rec := doRequest(t, st, "/v2/search?collector_id=rrc00,rrc01&data_type=rib&ts_start=2023-05-01")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Count    int64               `json:"count"`
		Page     int                 `json:"page"`
		PageSize int                 `json:"page_size"`
		Data     []domain.FileRecord `json:"data"`
		Meta     *struct {
			LatestUpdateTs       int64 `json:"latest_update_ts"`
			LatestUpdateDuration int32 `json:"latest_update_duration"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 || len(resp.Data) != 1 || resp.Data[0].CollectorID != "rrc00" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Meta == nil || resp.Meta.LatestUpdateTs != 1700000000 {
		t.Fatalf("missing update meta in response: %+v", resp.Meta)
	}

	q := st.lastQuery
	if len(q.Collectors) != 2 || q.Collectors[0] != "rrc00" || q.Collectors[1] != "rrc01" {
		t.Fatalf("collector filter not parsed: %+v", q.Collectors)
	}
	if q.DataType != "rib" || q.TsStart == nil || !q.TsStart.Equal(ts) {
		t.Fatalf("filters not parsed: %+v", q)
	}
	if q.Page != 1 || q.PageSize != store.DefaultPageSize {
		t.Fatalf("unexpected default pagination: page=%d size=%d", q.Page, q.PageSize)
	}
}

func TestSearchDurationWidensRange(t *testing.T) {
	st := &stubStore{searchResult: &store.SearchResult{Page: 1, PageSize: 100}}

	rec := doRequest(t, st, "/v2/search?ts_start=2023-05-01T00:00:00Z&duration=2h")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	q := st.lastQuery
	if q.TsStart == nil || q.TsEnd == nil {
		t.Fatalf("duration did not widen range: %+v", q)
	}
	if got := q.TsEnd.Sub(*q.TsStart); got != 2*time.Hour {
		t.Fatalf("widened range is %v, want 2h", got)
	}
}

func TestSearchRejectsBadPagination(t *testing.T) {
	st := &stubStore{searchResult: &store.SearchResult{}}

	rec := doRequest(t, st, "/v2/search?page=0")
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "page number start from 1") {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, st, "/v2/search?page_size=1001")
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "maximum page size is 1000") {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestSearchRejectsBadTimestamp(t *testing.T) {
	st := &stubStore{searchResult: &store.SearchResult{}}
	rec := doRequest(t, st, "/v2/search?ts_start=yesterday")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestSearchMapsStoreErrors(t *testing.T) {
	st := &stubStore{searchErr: errors.New("unknown project: bogus")}
	rec := doRequest(t, st, "/v2/search?project=bogus")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("input error should be 400, got %d", rec.Code)
	}

	st = &stubStore{searchErr: errors.New("disk exploded")}
	rec = doRequest(t, st, "/v2/search")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("backend error should be 500, got %d", rec.Code)
	}
}

func TestLatest(t *testing.T) {
	ts := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	st := &stubStore{latestFiles: []domain.FileRecord{
		{TsStart: ts, CollectorID: "rrc00", DataType: domain.TypeRib},
		{TsStart: ts, CollectorID: "rrc00", DataType: domain.TypeUpdates},
	}}

	rec := doRequest(t, st, "/v2/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Count int64               `json:"count"`
		Data  []domain.FileRecord `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 || len(resp.Data) != 2 {
		t.Fatalf("unexpected latest response %+v", resp)
	}
}

func TestLatestDailyRibsFilter(t *testing.T) {
	midnight := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	st := &stubStore{latestFiles: []domain.FileRecord{
		{TsStart: midnight, CollectorID: "rrc00", DataType: domain.TypeRib},
		{TsStart: midnight.Add(8 * time.Hour), CollectorID: "rrc00", DataType: domain.TypeRib},
		{TsStart: midnight, CollectorID: "rrc00", DataType: domain.TypeUpdates},
	}}

	rec := doRequest(t, st, "/v2/latest?daily_ribs=true")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Count int64               `json:"count"`
		Data  []domain.FileRecord `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 || len(resp.Data) != 1 || resp.Data[0].DataType != domain.TypeRib {
		t.Fatalf("daily_ribs filter failed: %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	rec := doRequest(t, &stubStore{}, "/v2/health")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "database not bootstrapped") {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	fresh := time.Now().Add(-time.Minute)
	st := &stubStore{latestTs: &fresh}
	rec = doRequest(t, st, "/v2/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "database is healthy") {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	stale := time.Now().Add(-2 * time.Hour)
	st = &stubStore{latestTs: &stale}
	rec = doRequest(t, st, "/v2/health?max_age_seconds=3600")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "too old") {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, st, "/v2/health?max_age_seconds=abc")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
}
