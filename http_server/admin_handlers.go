package http_server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
	"github.com/danthegoodman1/tracelake/utils"
	"github.com/danthegoodman1/tracelake/view_registry"
)

type (
	viewInfo struct {
		Name           string
		SchemaVersion  uint32
		Global         bool
		Ladder         []string `json:",omitempty"`
		JITGranularity string   `json:",omitempty"`
	}

	MaterializeReqBody struct {
		View       string `validate:"required"`
		Generation int32
		Begin      time.Time `validate:"required"`
		End        time.Time `validate:"required"`
	}

	MaterializeResponse struct {
		TimeMS int64
	}

	RetireReqBody struct {
		View       string `validate:"required"`
		InstanceID string `json:",omitempty"`
		Generation int32
		Begin      time.Time `validate:"required"`
		End        time.Time `validate:"required"`
	}

	RetireResponse struct {
		Retired int
		TimeMS  int64
	}

	ReapResponse struct {
		TimeMS int64
	}
)

func (s *HTTPServer) ListViewsHandler(c *CustomContext) error {
	var views []viewInfo
	for _, d := range s.registry.All() {
		info := viewInfo{
			Name:          d.Name,
			SchemaVersion: d.SchemaVersion,
			Global:        d.IsGlobal(),
		}
		for _, w := range d.Ladder {
			info.Ladder = append(info.Ladder, w.String())
		}
		if !d.IsGlobal() {
			if d.JITGranularity > 0 {
				info.JITGranularity = d.JITGranularity.String()
			} else {
				info.JITGranularity = view_registry.DefaultJITGranularity.String()
			}
		}
		views = append(views, info)
	}
	return c.JSON(http.StatusOK, views)
}

func (s *HTTPServer) ActiveQueriesHandler(c *CustomContext) error {
	return c.JSON(http.StatusOK, s.gateway.ActiveQueries())
}

// ListPartitionsHandler dumps active index rows for one view instance,
// optionally bounded by ?begin/?end (RFC3339)
func (s *HTTPServer) ListPartitionsHandler(c *CustomContext) error {
	viewName := c.QueryParam("view")
	if viewName == "" {
		return c.String(http.StatusBadRequest, "view query param required")
	}
	instanceID := c.QueryParam("instance")
	if instanceID == "" {
		instanceID = part.GlobalInstanceID
	}
	view, err := s.registry.Get(viewName)
	if errors.Is(err, view_registry.ErrViewNotFound) {
		return c.String(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return c.InternalError(err, "error getting view")
	}

	var r interval.TimeRange
	if beginStr, endStr := c.QueryParam("begin"), c.QueryParam("end"); beginStr != "" && endStr != "" {
		begin, err := time.Parse(time.RFC3339, beginStr)
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid begin: "+err.Error())
		}
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid end: "+err.Error())
		}
		r = interval.NewTimeRange(begin, end)
	}

	partitions, err := s.index.Find(c.Request().Context(), view.Name, instanceID, view.SchemaVersion, r)
	if err != nil {
		return c.InternalError(err, "error listing partitions")
	}
	return c.JSON(http.StatusOK, partitions)
}

// MaterializeHandler forces one reduction step over an explicit bucket
// range, for backfills and operational repair
func (s *HTTPServer) MaterializeHandler(c *CustomContext) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second*300)
	defer cancel()

	var reqBody MaterializeReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	view, err := s.registry.Get(reqBody.View)
	if errors.Is(err, view_registry.ErrViewNotFound) {
		return c.String(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return c.InternalError(err, "error getting view")
	}

	start := time.Now()
	err = s.scheduler.StepBucket(ctx, view, reqBody.Generation, interval.NewTimeRange(reqBody.Begin, reqBody.End))
	if errors.Is(err, view_registry.ErrBadGeneration) {
		return c.String(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return c.InternalError(err, "error materializing bucket")
	}
	return c.JSON(http.StatusOK, MaterializeResponse{TimeMS: time.Since(start).Milliseconds()})
}

// RetireHandler force-retires partitions of one generation contained in
// the given range, with the standard grace window before file deletion
func (s *HTTPServer) RetireHandler(c *CustomContext) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second*30)
	defer cancel()

	var reqBody RetireReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	if reqBody.InstanceID == "" {
		reqBody.InstanceID = part.GlobalInstanceID
	}

	start := time.Now()
	expiry := time.Now().Add(time.Duration(utils.RETIRE_GRACE_SEC) * time.Second)
	retired, err := s.index.Retire(ctx, reqBody.View, reqBody.InstanceID, reqBody.Generation,
		interval.NewTimeRange(reqBody.Begin, reqBody.End), expiry)
	if err != nil {
		return c.InternalError(err, "error retiring partitions")
	}
	return c.JSON(http.StatusOK, RetireResponse{Retired: retired, TimeMS: time.Since(start).Milliseconds()})
}

// ReapHandler runs one retired-file deletion pass immediately
func (s *HTTPServer) ReapHandler(c *CustomContext) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second*60)
	defer cancel()

	start := time.Now()
	if err := s.scheduler.ReapRetired(ctx, time.Now()); err != nil {
		return c.InternalError(err, "error reaping retired files")
	}
	return c.JSON(http.StatusOK, ReapResponse{TimeMS: time.Since(start).Milliseconds()})
}
