package crawler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bgpsight/mrt-broker/internal/domain"
	"github.com/bgpsight/mrt-broker/internal/logger"
)

var fileTimePattern = regexp.MustCompile(`(\d{8}\.\d{4})\.(?:gz|bz2)`)

// Crawler discovers MRT archive files for one collector at a time by walking
// its month directory listings.
type Crawler struct {
	fetcher          Fetcher
	monthConcurrency int
}

// New wires a crawler with the given fetcher and per-collector month fan-out
// limit.
func New(fetcher Fetcher, monthConcurrency int) *Crawler {
	if monthConcurrency <= 0 {
		monthConcurrency = 2
	}
	return &Crawler{fetcher: fetcher, monthConcurrency: monthConcurrency}
}

// Crawl lists every month directory of the collector at or after fromDate and
// returns the file records found. A nil fromDate crawls the full archive. Any
// month page failure fails the whole collector; the caller decides whether
// that poisons anything else.
func (c *Crawler) Crawl(ctx context.Context, collector domain.Collector, fromDate *time.Time) ([]domain.FileRecord, error) {
	root := collector.CrawlRoot()

	rootBody, err := c.fetcher.FetchBody(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("fetch collector root %s: %w", root, err)
	}
	months := EnumerateMonths(rootBody, fromDate, time.Now().UTC())

	logger.DebugObj("crawling collector", "crawl", map[string]any{
		"collector": collector.ID,
		"months":    len(months),
	})

	var (
		mu      sync.Mutex
		records []domain.FileRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.monthConcurrency)
	for _, month := range months {
		month := month
		g.Go(func() error {
			items, err := c.crawlMonth(gctx, collector, root+"/"+month)
			if err != nil {
				return err
			}
			mu.Lock()
			records = append(records, items...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("crawl %s: %w", collector.ID, err)
	}
	return records, nil
}

// crawlMonth fetches the listing page(s) of one month directory. RouteViews
// nests RIBS/ and UPDATES/ subdirectories under the month; RIPE RIS keeps
// bview.* and updates.* files on a single page.
func (c *Crawler) crawlMonth(ctx context.Context, collector domain.Collector, monthURL string) ([]domain.FileRecord, error) {
	pageURLs := []string{monthURL}
	if collector.Project == domain.ProjectRouteViews {
		pageURLs = []string{monthURL + "/RIBS", monthURL + "/UPDATES"}
	}

	var records []domain.FileRecord
	for _, pageURL := range pageURLs {
		body, err := c.fetcher.FetchBody(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		links, err := ExtractLinkSizes(body)
		if err != nil {
			return nil, err
		}
		for _, ls := range links {
			rec, ok := synthesizeRecord(collector, pageURL, ls)
			if !ok {
				continue
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

// synthesizeRecord turns a listing entry into a FileRecord. Entries whose
// filename lacks the YYYYMMDD.HHMM timestamp are dropped.
func synthesizeRecord(collector domain.Collector, pageURL string, ls LinkSize) (domain.FileRecord, bool) {
	fullURL := pageURL + "/" + ls.Href
	if !strings.HasPrefix(fullURL, "https") {
		fullURL = strings.Replace(fullURL, "http://", "https://", 1)
	}

	m := fileTimePattern.FindStringSubmatch(fullURL)
	if m == nil {
		return domain.FileRecord{}, false
	}
	tsStart, err := time.Parse("20060102.1504", m[1])
	if err != nil {
		return domain.FileRecord{}, false
	}

	dataType := domain.TypeRib
	tsEnd := tsStart
	if strings.Contains(ls.Href, "update") {
		dataType = domain.TypeUpdates
		tsEnd = tsStart.Add(time.Duration(collector.UpdatesInterval) * time.Second)
	}

	return domain.FileRecord{
		TsStart:     tsStart,
		TsEnd:       tsEnd,
		CollectorID: collector.ID,
		DataType:    dataType,
		URL:         fullURL,
		RoughSize:   ls.Size,
		ExactSize:   0,
	}, true
}
