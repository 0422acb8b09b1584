package crawler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bgpsight/mrt-broker/internal/domain"
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

const routeviewsRibsListing = `<html><body><table>
<tr><th><a href="?C=N;O=A">Name</a></th><th>Last modified</th><th>Size</th></tr>
<tr><td><a href="/route-views.bdix/bgpdata/2022.10/">Parent Directory</a></td><td>&nbsp;</td><td>-</td></tr>
<tr><td><a href="rib.20221001.0000.bz2">rib.20221001.0000.bz2</a></td><td>2022-10-01 02:01</td><td>173M</td></tr>
</table></body></html>`

func TestCrawlRipeRisCollector(t *testing.T) {
	collector := domain.Collector{
		ID:              "rrc00",
		Project:         domain.ProjectRipeRis,
		URL:             "https://data.ris.ripe.net/rrc00",
		UpdatesInterval: domain.RipeRisUpdatesInterval,
	}
	fetcher := &stubFetcher{pages: map[string]string{
		"https://data.ris.ripe.net/rrc00":         `<a href="2022.11/">2022.11/</a>`,
		"https://data.ris.ripe.net/rrc00/2022.11": ripeOldListing,
	}}

	c := New(fetcher, 2)
	records, err := c.Crawl(context.Background(), collector, nil)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}

	var updates, ribs int
	for _, r := range records {
		if r.CollectorID != "rrc00" {
			t.Fatalf("unexpected collector id %q", r.CollectorID)
		}
		switch r.DataType {
		case domain.TypeUpdates:
			updates++
			if got := r.TsEnd.Sub(r.TsStart); got != 300*time.Second {
				t.Fatalf("expected 300s updates coverage, got %v", got)
			}
		case domain.TypeRib:
			ribs++
			if !r.TsEnd.Equal(r.TsStart) {
				t.Fatalf("rib ts_end should equal ts_start, got %v / %v", r.TsStart, r.TsEnd)
			}
		}
	}
	if updates != 2 || ribs != 2 {
		t.Fatalf("expected 2 updates and 2 ribs, got %d and %d", updates, ribs)
	}
}

func TestCrawlRouteViewsCollector(t *testing.T) {
	collector := domain.Collector{
		ID:              "route-views.bdix",
		Project:         domain.ProjectRouteViews,
		URL:             "http://archive.routeviews.org/route-views.bdix",
		UpdatesInterval: domain.RouteViewsUpdatesInterval,
	}
	root := "http://archive.routeviews.org/route-views.bdix/bgpdata"
	fetcher := &stubFetcher{pages: map[string]string{
		root:                      `<a href="2022.10/">2022.10/</a>`,
		root + "/2022.10/RIBS":    routeviewsRibsListing,
		root + "/2022.10/UPDATES": routeviewsListing,
	}}

	c := New(fetcher, 2)
	records, err := c.Crawl(context.Background(), collector, nil)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}

	var updates int
	for _, r := range records {
		if !strings.HasPrefix(r.URL, "https://") {
			t.Fatalf("expected https url, got %s", r.URL)
		}
		if r.DataType == domain.TypeUpdates {
			updates++
			if got := r.TsEnd.Sub(r.TsStart); got != 900*time.Second {
				t.Fatalf("expected 900s updates coverage, got %v", got)
			}
		}
	}
	if updates != 4 {
		t.Fatalf("expected 4 updates records, got %d", updates)
	}
}

func TestCrawlFailsWhenMonthPageFails(t *testing.T) {
	collector := domain.Collector{
		ID:              "rrc01",
		Project:         domain.ProjectRipeRis,
		URL:             "https://data.ris.ripe.net/rrc01",
		UpdatesInterval: domain.RipeRisUpdatesInterval,
	}
	fetcher := &stubFetcher{pages: map[string]string{
		"https://data.ris.ripe.net/rrc01": `<a href="2022.10/">2022.10/</a>
<a href="2022.11/">2022.11/</a>`,
		"https://data.ris.ripe.net/rrc01/2022.10": ripeNewListing,
		// 2022.11 page intentionally missing
	}}

	c := New(fetcher, 1)
	if _, err := c.Crawl(context.Background(), collector, nil); err == nil {
		t.Fatal("expected crawl error when a month page fails")
	}
}

func TestCrawlSkipsMonthsBeforeFromDate(t *testing.T) {
	collector := domain.Collector{
		ID:              "rrc00",
		Project:         domain.ProjectRipeRis,
		URL:             "https://data.ris.ripe.net/rrc00",
		UpdatesInterval: domain.RipeRisUpdatesInterval,
	}
	fetcher := &stubFetcher{pages: map[string]string{
		"https://data.ris.ripe.net/rrc00": `<a href="2001.01/">2001.01/</a>
<a href="2022.11/">2022.11/</a>`,
		// the 2001.01 page is absent on purpose: it must never be fetched
		"https://data.ris.ripe.net/rrc00/2022.11": ripeOldListing,
	}}

	from := time.Date(2022, 11, 10, 0, 0, 0, 0, time.UTC)
	c := New(fetcher, 2)
	records, err := c.Crawl(context.Background(), collector, &from)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records from the single crawled month, got %d", len(records))
	}
}
