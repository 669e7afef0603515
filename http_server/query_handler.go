package http_server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
	"github.com/danthegoodman1/tracelake/query_gateway"
	"github.com/danthegoodman1/tracelake/view_registry"
)

type (
	ResolveQueryReqBody struct {
		View       string    `validate:"required"`
		InstanceID string    `json:",omitempty"`
		Begin      time.Time `validate:"required"`
		End        time.Time `validate:"required"`
	}

	ResolveQueryResponse struct {
		Files  []query_gateway.PartitionFileRef
		TimeMS int64
	}
)

// ResolveQueryHandler blocks until the requested range is fully
// materialized, then returns the partition files to scan
func (s *HTTPServer) ResolveQueryHandler(c *CustomContext) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second*60)
	defer cancel()

	var reqBody ResolveQueryReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	if reqBody.InstanceID == "" {
		reqBody.InstanceID = part.GlobalInstanceID
	}

	start := time.Now()
	files, err := s.gateway.ResolveForQuery(ctx, reqBody.View, reqBody.InstanceID, interval.NewTimeRange(reqBody.Begin, reqBody.End))
	if errors.Is(err, view_registry.ErrViewNotFound) {
		return c.String(http.StatusNotFound, err.Error())
	}
	if errors.Is(err, query_gateway.ErrGlobalOnly) || errors.Is(err, query_gateway.ErrInstanceRequired) {
		return c.String(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return c.InternalError(err, "error resolving query coverage")
	}

	return c.JSON(http.StatusOK, ResolveQueryResponse{
		Files:  files,
		TimeMS: time.Since(start).Milliseconds(),
	})
}
