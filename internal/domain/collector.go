package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Collector is a static archive vantage point configuration.
type Collector struct {
	// ID is the short unique collector name, e.g. "rrc00" or "route-views2".
	ID string `json:"id" yaml:"id"`
	// Project is "ripe-ris" or "route-views".
	Project string `json:"project" yaml:"project"`
	// URL is the root HTTP URL of the collector's archive.
	URL string `json:"url" yaml:"url"`
	// UpdatesInterval is the coverage of one updates file in seconds.
	UpdatesInterval int64 `json:"updates_interval" yaml:"updates_interval"`
}

// CrawlRoot returns the directory-listing root for the collector. RouteViews
// archives nest their month directories under a bgpdata/ segment; the stored
// URL stays without it so canonical URL reconstruction works from the root.
func (c Collector) CrawlRoot() string {
	url := strings.TrimSuffix(c.URL, "/")
	if c.Project == ProjectRouteViews {
		return url + "/bgpdata"
	}
	return url
}

// NormalizeProject resolves the accepted project aliases to the canonical
// names. Empty input stays empty; unknown input is an error.
func NormalizeProject(project string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(project)) {
	case "":
		return "", nil
	case "ris", "riperis", "ripe-ris":
		return ProjectRipeRis, nil
	case "rv", "routeviews", "route-views":
		return ProjectRouteViews, nil
	default:
		return "", fmt.Errorf("unknown project: %s", project)
	}
}

// NormalizeDataType resolves the accepted data type aliases. Empty input
// stays empty; unknown input is an error.
func NormalizeDataType(dataType string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(dataType)) {
	case "":
		return "", nil
	case "u", "update", "updates":
		return TypeUpdates, nil
	case "r", "rib", "ribs":
		return TypeRib, nil
	default:
		return "", fmt.Errorf("unknown data_type: %s", dataType)
	}
}

// ProjectUpdatesInterval returns the per-project updates file coverage.
func ProjectUpdatesInterval(project string) int64 {
	if project == ProjectRipeRis {
		return RipeRisUpdatesInterval
	}
	return RouteViewsUpdatesInterval
}

// InferURL reconstructs the canonical file URL and end timestamp for a latest
// table entry from its collector metadata, start timestamp and data type.
//
// RouteViews archives keep a bgpdata/ prefix and split months into RIBS/ and
// UPDATES/ subdirectories with .bz2 files; RIPE RIS keeps both bview and
// updates files on one month page as .gz files.
func InferURL(c Collector, tsStart time.Time, dataType string) (string, time.Time) {
	ts := tsStart.UTC()
	stamp := ts.Format("20060102.1504")
	month := ts.Format("2006.01")

	switch c.Project {
	case ProjectRouteViews:
		if dataType == TypeRib {
			return fmt.Sprintf("%s/bgpdata/%s/RIBS/rib.%s.bz2", c.URL, month, stamp), ts
		}
		end := ts.Add(time.Duration(c.UpdatesInterval) * time.Second)
		return fmt.Sprintf("%s/bgpdata/%s/UPDATES/updates.%s.bz2", c.URL, month, stamp), end
	default: // ripe-ris
		if dataType == TypeRib {
			return fmt.Sprintf("%s/%s/bview.%s.gz", c.URL, month, stamp), ts
		}
		end := ts.Add(time.Duration(c.UpdatesInterval) * time.Second)
		return fmt.Sprintf("%s/%s/updates.%s.gz", c.URL, month, stamp), end
	}
}

var fileURLPattern = regexp.MustCompile(`(rib|bview|updates)\.(\d{8})\.(\d{4})\.(?:gz|bz2)$`)

// ParseFileURL extracts the timestamp and data type back out of a canonical
// archive file URL. It is the inverse of InferURL for the filename portion.
func ParseFileURL(url string) (time.Time, string, error) {
	m := fileURLPattern.FindStringSubmatch(url)
	if m == nil {
		return time.Time{}, "", fmt.Errorf("unrecognized archive file url: %s", url)
	}
	ts, err := time.Parse("20060102.1504", m[2]+"."+m[3])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parse timestamp in %s: %w", url, err)
	}
	dataType := TypeRib
	if m[1] == "updates" {
		dataType = TypeUpdates
	}
	return ts.UTC(), dataType, nil
}
