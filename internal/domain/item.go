package domain

import (
	"fmt"
	"strings"
	"time"
)

// Data types of archive files.
const (
	TypeRib     = "rib"
	TypeUpdates = "updates"
)

// Archive projects.
const (
	ProjectRipeRis    = "ripe-ris"
	ProjectRouteViews = "route-views"
)

// Updates file coverage per project, in seconds.
const (
	RipeRisUpdatesInterval    = 5 * 60
	RouteViewsUpdatesInterval = 15 * 60
)

// FileRecord is a single indexed MRT archive file.
//
// The logical primary key is (CollectorID, TsStart, DataType); duplicate
// inserts against the catalog are silently ignored.
type FileRecord struct {
	// TsStart is the wall-clock timestamp encoded in the source filename (UTC).
	TsStart time.Time `json:"ts_start"`
	// TsEnd equals TsStart for RIB dumps, TsStart plus the collector's
	// updates interval for updates files.
	TsEnd time.Time `json:"ts_end"`
	// CollectorID identifies the collector, e.g. "rrc00" or "route-views2".
	CollectorID string `json:"collector_id"`
	// DataType is "rib" or "updates".
	DataType string `json:"data_type"`
	// URL is the canonical HTTPS location of the MRT file.
	URL string `json:"url"`
	// RoughSize is the byte count reported by the directory listing, 0 if absent.
	RoughSize int64 `json:"rough_size"`
	// ExactSize is the byte count if ever computed, 0 if unknown.
	ExactSize int64 `json:"exact_size"`
}

// IsRib reports whether the record is a full table dump.
func (r FileRecord) IsRib() bool { return r.DataType == TypeRib }

// Less orders records by ts_start, then data_type (rib before updates), then
// collector id. This is the catalog's canonical result ordering.
func (r FileRecord) Less(other FileRecord) bool {
	if !r.TsStart.Equal(other.TsStart) {
		return r.TsStart.Before(other.TsStart)
	}
	if r.DataType != other.DataType {
		return r.DataType < other.DataType
	}
	return r.CollectorID < other.CollectorID
}

// DefaultRootSubject is the root of the notification subject hierarchy.
const DefaultRootSubject = "public.broker"

// Subject returns the bus subject for the record:
// {root}.{project}.{collector_id}.{data_type}. The project token is "riperis"
// for RIPE RIS collectors (ids starting with "rrc"), "route-views" otherwise.
func (r FileRecord) Subject(root string) string {
	if root == "" {
		root = DefaultRootSubject
	}
	project := "route-views"
	if strings.HasPrefix(r.CollectorID, "rrc") {
		project = "riperis"
	}
	return fmt.Sprintf("%s.%s.%s.%s", root, project, r.CollectorID, r.DataType)
}

// IsMidnightRib reports whether the record is a RIB captured at 00:00 UTC.
// Used by the daily-ribs convenience filter.
func (r FileRecord) IsMidnightRib() bool {
	return r.IsRib() && r.TsStart.UTC().Hour() == 0 && r.TsStart.UTC().Minute() == 0
}

// UpdateMeta is one row of the append-only update log.
type UpdateMeta struct {
	// UpdateTs is the wall-clock completion time (unix seconds).
	UpdateTs int64 `json:"update_ts"`
	// UpdateDuration is the cycle duration in seconds.
	UpdateDuration int32 `json:"update_duration"`
	// InsertCount is the number of newly inserted records in the cycle.
	InsertCount int32 `json:"insert_count"`
}
