package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/bgpsight/mrt-broker/internal/domain"
	"github.com/bgpsight/mrt-broker/internal/logger"
	"github.com/bgpsight/mrt-broker/internal/store"
)

// Server is the read-only HTTP query surface: a thin adapter over the catalog
// store's search and latest operations.
type Server struct {
	store store.Store
	echo  *echo.Echo
}

// searchResponse mirrors the catalog search result plus the newest update
// cycle metadata.
type searchResponse struct {
	Count    int64               `json:"count"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	Error    *string             `json:"error"`
	Data     []domain.FileRecord `json:"data"`
	Meta     *updateMeta         `json:"meta"`
}

type updateMeta struct {
	LatestUpdateTs       int64 `json:"latest_update_ts"`
	LatestUpdateDuration int32 `json:"latest_update_duration"`
}

type apiError struct {
	Error string `json:"error"`
}

// New builds the server and registers routes under /v2.
func New(st store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{store: st, echo: e}
	v2 := e.Group("/v2")
	v2.GET("/search", s.handleSearch)
	v2.GET("/latest", s.handleLatest)
	v2.GET("/health", s.handleHealth)
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	logger.S.Infow("api listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleSearch(c echo.Context) error {
	q := store.SearchQuery{Page: 1, PageSize: store.DefaultPageSize}

	if v := c.QueryParam("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return c.JSON(http.StatusBadRequest, apiError{Error: "page number start from 1"})
		}
		q.Page = page
	}
	if v := c.QueryParam("page_size"); v != "" {
		pageSize, err := strconv.Atoi(v)
		if err != nil || pageSize < 1 || pageSize > store.MaxPageSize {
			return c.JSON(http.StatusBadRequest, apiError{Error: "maximum page size is 1000"})
		}
		q.PageSize = pageSize
	}

	if v := c.QueryParam("ts_start"); v != "" {
		ts, err := domain.ParseTimestamp(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, apiError{Error: err.Error()})
		}
		q.TsStart = &ts
	}
	if v := c.QueryParam("ts_end"); v != "" {
		ts, err := domain.ParseTimestamp(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, apiError{Error: err.Error()})
		}
		q.TsEnd = &ts
	}

	// A duration widens a single-ended time range into both bounds.
	if v := c.QueryParam("duration"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, apiError{Error: "cannot parse time duration string: " + v})
		}
		switch {
		case q.TsStart != nil && q.TsEnd == nil:
			end := q.TsStart.Add(d)
			q.TsEnd = &end
		case q.TsStart == nil && q.TsEnd != nil:
			start := q.TsEnd.Add(-d)
			q.TsStart = &start
		}
	}

	q.Project = c.QueryParam("project")
	q.DataType = c.QueryParam("data_type")
	if v := c.QueryParam("collector_id"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				q.Collectors = append(q.Collectors, id)
			}
		}
	}

	result, err := s.store.Search(c.Request().Context(), q)
	if err != nil {
		if err == store.ErrPageNumber || err == store.ErrPageSize || isInputErr(err) {
			return c.JSON(http.StatusBadRequest, apiError{Error: err.Error()})
		}
		logger.S.Errorw("search failed", "error", err)
		return c.JSON(http.StatusInternalServerError, apiError{Error: "search failed"})
	}

	return c.JSON(http.StatusOK, searchResponse{
		Count:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
		Data:     orEmpty(result.Items),
		Meta:     s.latestMeta(c.Request().Context()),
	})
}

func (s *Server) handleLatest(c echo.Context) error {
	items, err := s.store.LatestFiles(c.Request().Context())
	if err != nil {
		logger.S.Errorw("latest files failed", "error", err)
		return c.JSON(http.StatusInternalServerError, apiError{Error: "latest lookup failed"})
	}
	if v := c.QueryParam("daily_ribs"); v == "true" || v == "1" {
		var ribs []domain.FileRecord
		for _, item := range items {
			if item.IsMidnightRib() {
				ribs = append(ribs, item)
			}
		}
		items = ribs
	}
	return c.JSON(http.StatusOK, searchResponse{
		Count:    int64(len(items)),
		Page:     1,
		PageSize: len(items),
		Data:     orEmpty(items),
		Meta:     s.latestMeta(c.Request().Context()),
	})
}

// handleHealth reports 503 when the latest timestamp cannot be read, or when
// the caller supplies max_age_seconds and the catalog is staler than that.
func (s *Server) handleHealth(c echo.Context) error {
	ts, err := s.store.LatestTimestamp(c.Request().Context())
	if err != nil || ts == nil {
		return c.JSON(http.StatusServiceUnavailable, apiError{Error: "database not bootstrapped"})
	}

	if v := c.QueryParam("max_age_seconds"); v != "" {
		maxAge, err := strconv.ParseInt(v, 10, 64)
		if err != nil || maxAge <= 0 {
			return c.JSON(http.StatusBadRequest, apiError{Error: "invalid max_age_seconds"})
		}
		if time.Since(*ts) > time.Duration(maxAge)*time.Second {
			return c.JSON(http.StatusServiceUnavailable, apiError{Error: "latest file timestamp is too old"})
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":  "OK",
		"message": "database is healthy",
		"meta":    map[string]int64{"latest_file_ts": ts.Unix()},
	})
}

func (s *Server) latestMeta(ctx context.Context) *updateMeta {
	meta, err := s.store.LatestMeta(ctx)
	if err != nil || meta == nil {
		return nil
	}
	return &updateMeta{
		LatestUpdateTs:       meta.UpdateTs,
		LatestUpdateDuration: meta.UpdateDuration,
	}
}

// isInputErr spots filter normalization failures from the store, which are
// the caller's fault.
func isInputErr(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown project") || strings.HasPrefix(msg, "unknown data_type")
}

func orEmpty(items []domain.FileRecord) []domain.FileRecord {
	if items == nil {
		return []domain.FileRecord{}
	}
	return items
}
