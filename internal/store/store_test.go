package store

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestValidateRejectsBadPagination(t *testing.T) {
	if err := (SearchQuery{Page: -1}).Validate(); !errors.Is(err, ErrPageNumber) {
		t.Fatalf("expected ErrPageNumber, got %v", err)
	}
	if err := (SearchQuery{PageSize: 1001}).Validate(); !errors.Is(err, ErrPageSize) {
		t.Fatalf("expected ErrPageSize, got %v", err)
	}
	if err := (SearchQuery{Page: 1, PageSize: 1000}).Validate(); err != nil {
		t.Fatalf("valid query rejected: %v", err)
	}
}

func TestBuildWhereClausesFilters(t *testing.T) {
	ts := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	q := SearchQuery{
		Collectors: []string{"rrc00", "route-views2"},
		Project:    "riperis",
		DataType:   "update",
		TsStart:    &ts,
	}
	clauses, err := buildWhereClauses(q)
	if err != nil {
		t.Fatalf("buildWhereClauses: %v", err)
	}
	if len(clauses) != 4 {
		t.Fatalf("expected 4 clauses, got %v", clauses)
	}
	if clauses[0] != "collector_name IN ('rrc00','route-views2')" {
		t.Fatalf("unexpected collector clause %q", clauses[0])
	}
	if clauses[1] != "project_name='ripe-ris'" {
		t.Fatalf("unexpected project clause %q", clauses[1])
	}
	if clauses[2] != "data_type='updates'" {
		t.Fatalf("unexpected data type clause %q", clauses[2])
	}
	unix := ts.Unix()
	if !strings.Contains(clauses[3], "ts_start > "+strconv.FormatInt(unix-300, 10)) ||
		!strings.Contains(clauses[3], "ts_start > "+strconv.FormatInt(unix-900, 10)) ||
		!strings.Contains(clauses[3], "ts_start >= "+strconv.FormatInt(unix, 10)) {
		t.Fatalf("unexpected ts_start clause %q", clauses[3])
	}
}

func TestBuildWhereClausesEqualBoundsWiden(t *testing.T) {
	ts := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	q := SearchQuery{TsStart: &ts, TsEnd: &ts}
	clauses, err := buildWhereClauses(q)
	if err != nil {
		t.Fatalf("buildWhereClauses: %v", err)
	}
	if len(clauses) != 2 {
		t.Fatalf("expected 2 clauses, got %v", clauses)
	}
	want := "ts_start < " + strconv.FormatInt(ts.Unix()+1, 10)
	if clauses[1] != want {
		t.Fatalf("expected widened end clause %q, got %q", want, clauses[1])
	}
}

func TestBuildWhereClausesRejectsUnknownAliases(t *testing.T) {
	if _, err := buildWhereClauses(SearchQuery{Project: "bogus"}); err == nil {
		t.Fatal("expected error for unknown project alias")
	}
	if _, err := buildWhereClauses(SearchQuery{DataType: "bogus"}); err == nil {
		t.Fatal("expected error for unknown data type alias")
	}
}

func TestLimitClause(t *testing.T) {
	if got := limitClause(2, 50); got != "LIMIT 50 OFFSET 50" {
		t.Fatalf("unexpected clause %q", got)
	}
	if got := limitClause(3, 0); got != "LIMIT 100 OFFSET 200" {
		t.Fatalf("unexpected default-size clause %q", got)
	}
	if got := limitClause(0, 10); got != "LIMIT 10 OFFSET 0" {
		t.Fatalf("unexpected first-page clause %q", got)
	}
	if got := limitClause(0, 0); got != "" {
		t.Fatalf("expected empty clause, got %q", got)
	}
}

func TestIsTransientErr(t *testing.T) {
	transient := []error{
		errors.New("unexpected EOF"),
		errors.New("failed to connect to `host=db`"),
		errors.New("connection reset by peer"),
		errors.New("server login has been failing"),
	}
	for _, err := range transient {
		if !isTransientErr(err) {
			t.Fatalf("expected %v to be transient", err)
		}
	}
	if isTransientErr(errors.New("syntax error near SELECT")) {
		t.Fatal("syntax errors are not transient")
	}
	if isTransientErr(nil) {
		t.Fatal("nil error is not transient")
	}
}
