package crawler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// LinkSize is one directory-listing entry: a relative href and the byte size
// the listing reported for it (0 when absent).
type LinkSize struct {
	Href string
	Size int64
}

var (
	monthLinkPattern = regexp.MustCompile(`<a href="(\d{4}\.\d{2})/">`)
	sizeTokenPattern = regexp.MustCompile(`(?i)^([\d.]+)([KMG]?)$`)
	preSizePattern   = regexp.MustCompile(`(?i) +([\d.]+[KMG]?)$`)
	hrefPattern      = regexp.MustCompile(`<a href="([^"]+)"`)
)

// ExtractLinkSizes parses an archive directory listing into (href, size)
// pairs. Listings come in two shapes: an HTML table (RouteViews, newer RIPE
// RIS) and a preformatted text block (older RIPE RIS). Entries whose size
// token fails to parse are skipped, not errors.
func ExtractLinkSizes(body string) ([]LinkSize, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	if doc.Find("table").Length() > 0 {
		return extractFromTable(doc), nil
	}
	return extractFromPre(body), nil
}

func extractFromTable(doc *goquery.Document) []LinkSize {
	var out []LinkSize
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		text := row.Text()
		if strings.Contains(text, "Name") || strings.Contains(text, "Parent") {
			return
		}
		href, ok := row.Find("a").First().Attr("href")
		if !ok {
			return
		}

		var cells []string
		row.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
			if t := strings.TrimSpace(cell.Text()); t != "" {
				cells = append(cells, t)
			}
		})
		if len(cells) < 3 {
			return
		}
		size, ok := parseSizeToken(cells[2])
		if !ok {
			return
		}
		out = append(out, LinkSize{Href: href, Size: size})
	})
	return out
}

func extractFromPre(body string) []LinkSize {
	var out []LinkSize
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r ")
		m := preSizePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		size, ok := parseSizeToken(m[1])
		if !ok {
			continue
		}
		h := hrefPattern.FindStringSubmatch(line)
		if h == nil {
			continue
		}
		out = append(out, LinkSize{Href: h[1], Size: size})
	}
	return out
}

// parseSizeToken converts a listing size token like "227", "1.5M" or "8G"
// into bytes. Suffixes multiply by powers of 1024.
func parseSizeToken(token string) (int64, bool) {
	m := sizeTokenPattern.FindStringSubmatch(strings.TrimSpace(token))
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToUpper(m[2]) {
	case "K":
		value *= 1024
	case "M":
		value *= 1024 * 1024
	case "G":
		value *= 1024 * 1024 * 1024
	}
	return int64(value), true
}

// EnumerateMonths extracts YYYY.MM subdirectory names from a collector root
// page, dropping months before fromMonth (when given, rounded down to the
// first of the month) and months after the current one.
func EnumerateMonths(rootBody string, fromMonth *time.Time, now time.Time) []string {
	var cutoff time.Time
	if fromMonth != nil {
		cutoff = time.Date(fromMonth.Year(), fromMonth.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	ceiling := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var months []string
	for _, m := range monthLinkPattern.FindAllStringSubmatch(rootBody, -1) {
		month, err := time.Parse("2006.01", m[1])
		if err != nil {
			continue
		}
		if fromMonth != nil && month.Before(cutoff) {
			continue
		}
		if month.After(ceiling) {
			continue
		}
		months = append(months, m[1])
	}
	return months
}
