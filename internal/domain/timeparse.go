package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// pure-date layouts accepted by ParseTimestamp, normalized to midnight UTC.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"20060102",
}

// ParseTimestamp parses a query timestamp string. Accepted forms, tried in
// order: unix seconds, RFC 3339 (with or without the trailing Z), a plain
// "YYYY-MM-DD HH:MM:SS" datetime, and pure dates in -, /, . or compact form.
// Pure dates normalize to 00:00:00 UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if unix, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) > 8 {
		return time.Unix(unix, 0).UTC(), nil
	}

	rfc := s
	if !strings.HasSuffix(rfc, "Z") && !strings.ContainsAny(rfc, "+") && strings.Contains(rfc, "T") {
		rfc += "Z"
	}
	if t, err := time.Parse(time.RFC3339, rfc); err == nil {
		return t.UTC(), nil
	}

	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC(), nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid timestamp format: %s, expected unix timestamp, RFC3339 or date", s)
}
