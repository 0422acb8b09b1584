package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bgpsight/mrt-broker/internal/config"
	"github.com/bgpsight/mrt-broker/internal/crawler"
	"github.com/bgpsight/mrt-broker/internal/domain"
	"github.com/bgpsight/mrt-broker/internal/store"
)

type stubFetcher struct {
	pages map[string]string
}

func (s *stubFetcher) FetchBody(_ context.Context, url string) (string, error) {
	body, ok := s.pages[url]
	if !ok {
		return "", fmt.Errorf("no page for %s", url)
	}
	return body, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	published []domain.FileRecord
}

func (n *recordingNotifier) Publish(_ context.Context, items []domain.FileRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, items...)
	return nil
}

func (n *recordingNotifier) Close() {}

// currentMonthListing builds a single-month archive fixture dated inside the
// default 30-day bootstrap window, so the month survives the crawl cutoff.
func currentMonthListing() (month, listing string) {
	now := time.Now().UTC()
	month = now.Format("2006.01")
	stamp := now.Format("200601") + "01"
	listing = fmt.Sprintf(`<html><body><pre><a href="../">../</a>
<a href="bview.%[1]s.0000.gz">bview.%[1]s.0000.gz</a>     01:00     12M
<a href="updates.%[1]s.0005.gz">updates.%[1]s.0005.gz</a>   01:05     98K
</pre></body></html>`, stamp)
	return month, listing
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		CrawlerCollectorConcurrency: 2,
		UpdateInterval:              300 * time.Second,
		MetaRetentionDays:           30,
		DBPath:                      filepath.Join(t.TempDir(), "catalog.sqlite3"),
	}
}

func TestNewRejectsShortInterval(t *testing.T) {
	cfg := testConfig(t)
	cfg.UpdateInterval = time.Minute
	if _, err := New(cfg, nil, nil, nil, nil); err == nil {
		t.Fatal("expected error for sub-minimum update interval")
	}
}

func TestRunOnceFullCycle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	st, err := store.OpenSqlite(ctx, cfg.DBPath)
	if err != nil {
		t.Fatalf("OpenSqlite: %v", err)
	}
	defer st.Close()

	collectors := []domain.Collector{{
		ID:              "rrc00",
		Project:         domain.ProjectRipeRis,
		URL:             "https://data.ris.ripe.net/rrc00",
		UpdatesInterval: domain.RipeRisUpdatesInterval,
	}}
	month, listing := currentMonthListing()
	fetcher := &stubFetcher{pages: map[string]string{
		"https://data.ris.ripe.net/rrc00":           fmt.Sprintf(`<a href="%s/">%s/</a>`, month, month),
		"https://data.ris.ripe.net/rrc00/" + month:  listing,
	}}
	nt := &recordingNotifier{}

	s, err := New(cfg, st, crawler.New(fetcher, 2), nt, collectors)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.RunOnce(ctx)

	select {
	case <-s.Ready():
	default:
		t.Fatal("Ready not closed after first cycle")
	}

	res, err := st.Search(ctx, store.SearchQuery{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 2 {
		t.Fatalf("expected 2 indexed files, got %d", res.Total)
	}

	if len(nt.published) != 2 {
		t.Fatalf("expected 2 published records, got %d", len(nt.published))
	}

	meta, err := st.LatestMeta(ctx)
	if err != nil {
		t.Fatalf("LatestMeta: %v", err)
	}
	if meta == nil || meta.InsertCount != 2 {
		t.Fatalf("unexpected update meta %+v", meta)
	}

	latest, err := st.LatestFiles(ctx)
	if err != nil {
		t.Fatalf("LatestFiles: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected latest entries per data type, got %d", len(latest))
	}

	// second cycle discovers nothing new and publishes nothing
	s.RunOnce(ctx)
	if len(nt.published) != 2 {
		t.Fatalf("duplicate cycle republished records: %d", len(nt.published))
	}
}

func TestResolveFromDate(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	st, err := store.OpenSqlite(ctx, cfg.DBPath)
	if err != nil {
		t.Fatalf("OpenSqlite: %v", err)
	}
	defer st.Close()

	s, err := New(cfg, st, crawler.New(&stubFetcher{}, 1), &recordingNotifier{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// empty catalog: thirty days back
	d, err := s.resolveFromDate(ctx)
	if err != nil {
		t.Fatalf("resolveFromDate: %v", err)
	}
	if want := time.Now().UTC().AddDate(0, 0, -30); d.Sub(want) > time.Minute || want.Sub(*d) > time.Minute {
		t.Fatalf("expected ~30 days back, got %v", d)
	}

	// stored latest: resume one day earlier
	if err := st.InsertCollector(ctx, domain.Collector{
		ID: "rrc00", Project: domain.ProjectRipeRis, URL: "https://data.ris.ripe.net/rrc00",
	}); err != nil {
		t.Fatalf("InsertCollector: %v", err)
	}
	if err := st.ReloadCollectors(ctx); err != nil {
		t.Fatalf("ReloadCollectors: %v", err)
	}
	latest := time.Date(2023, 5, 10, 16, 0, 0, 0, time.UTC)
	if _, err := st.InsertItems(ctx, []domain.FileRecord{{
		TsStart: latest, TsEnd: latest, CollectorID: "rrc00", DataType: domain.TypeRib,
	}}, false); err != nil {
		t.Fatalf("InsertItems: %v", err)
	}
	d, err = s.resolveFromDate(ctx)
	if err != nil {
		t.Fatalf("resolveFromDate: %v", err)
	}
	if !d.Equal(latest.AddDate(0, 0, -1)) {
		t.Fatalf("expected latest minus one day, got %v", d)
	}

	// override wins over the stored latest
	s.DaysOverride = 5
	d, err = s.resolveFromDate(ctx)
	if err != nil {
		t.Fatalf("resolveFromDate: %v", err)
	}
	if want := time.Now().UTC().AddDate(0, 0, -5); d.Sub(want) > time.Minute || want.Sub(*d) > time.Minute {
		t.Fatalf("expected ~5 days back with override, got %v", d)
	}
}
