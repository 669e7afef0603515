package query_gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danthegoodman1/tracelake/gologger"
	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
	"github.com/danthegoodman1/tracelake/partition_cache"
	"github.com/danthegoodman1/tracelake/utils"
	"github.com/danthegoodman1/tracelake/view_registry"
)

var (
	logger = gologger.NewLogger()

	// ErrIncompleteCoverage means materialization could not produce a
	// gap-free covering, the query must not run against a partial set
	ErrIncompleteCoverage = errors.New("incomplete partition coverage")

	ErrInstanceRequired = errors.New("view requires an instance id")
	ErrGlobalOnly       = errors.New("view is global, instance queries not supported")
)

type QueryState string

const (
	StateRequested QueryState = "requested"
	StateResolving QueryState = "resolving"
	StateReady     QueryState = "ready"
	StateFailed    QueryState = "failed"
)

type (
	// PartitionFileRef points a query engine at one scannable partition file
	PartitionFileRef struct {
		FilePath    string             `json:"file_path"`
		InsertRange interval.TimeRange `json:"insert_range"`
		Generation  int32              `json:"generation"`
		RowCount    int64              `json:"row_count"`
		FileSize    int64              `json:"file_size"`
	}

	// QueryStatus is the introspectable lifecycle of one resolve call
	QueryStatus struct {
		QueryID    string             `json:"query_id"`
		ViewName   string             `json:"view_name"`
		InstanceID string             `json:"instance_id"`
		Range      interval.TimeRange `json:"range"`
		State      QueryState         `json:"state"`
		Error      string             `json:"error,omitempty"`
		StartedAt  time.Time          `json:"started_at"`
	}

	// QueryGateway resolves a view instance and time range into the set of
	// partition files a query engine should scan, materializing anything
	// missing first. It never returns a partial covering.
	QueryGateway struct {
		registry *view_registry.Registry
		cache    *partition_cache.PartitionCache

		mu      sync.Mutex
		queries map[string]*QueryStatus
	}
)

func NewQueryGateway(registry *view_registry.Registry, cache *partition_cache.PartitionCache) *QueryGateway {
	return &QueryGateway{
		registry: registry,
		cache:    cache,
		queries:  make(map[string]*QueryStatus),
	}
}

// ResolveForQuery blocks until the requested range is fully covered, then
// returns the non-empty partition files to scan. Zero-row partitions count
// toward coverage but produce no refs.
func (qg *QueryGateway) ResolveForQuery(ctx context.Context, viewName, instanceID string, r interval.TimeRange) ([]PartitionFileRef, error) {
	if !r.IsValid() {
		return nil, partition_cache.ErrUnboundedRange
	}
	view, err := qg.registry.Get(viewName)
	if err != nil {
		return nil, err
	}
	if view.IsGlobal() && instanceID != part.GlobalInstanceID {
		return nil, fmt.Errorf("%w: %s", ErrGlobalOnly, viewName)
	}
	if !view.IsGlobal() && (instanceID == "" || instanceID == part.GlobalInstanceID) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceRequired, viewName)
	}

	status := qg.track(viewName, instanceID, r)
	defer qg.untrack(status.QueryID)

	plan, err := qg.cache.Resolve(ctx, partition_cache.Request{
		View:       view,
		InstanceID: instanceID,
		Scope:      partition_cache.ScopeForInstance(instanceID),
		Range:      r,
		Generation: 0,
	})
	if err != nil {
		qg.setState(status.QueryID, StateFailed, err)
		return nil, err
	}
	qg.setState(status.QueryID, StateResolving, nil)

	partitions, err := plan.Wait(ctx)
	if err != nil {
		qg.setState(status.QueryID, StateFailed, err)
		return nil, err
	}

	covered := make([]interval.TimeRange, 0, len(partitions))
	for _, p := range partitions {
		covered = append(covered, p.InsertRange())
	}
	if gaps := interval.Gaps(r, covered); len(gaps) > 0 {
		err := fmt.Errorf("%w: %d gaps remain, first %s", ErrIncompleteCoverage, len(gaps), gaps[0])
		qg.setState(status.QueryID, StateFailed, err)
		return nil, err
	}

	refs := make([]PartitionFileRef, 0, len(partitions))
	for _, p := range partitions {
		if p.Empty() {
			continue
		}
		refs = append(refs, PartitionFileRef{
			FilePath:    p.FilePath,
			InsertRange: p.InsertRange(),
			Generation:  p.Generation,
			RowCount:    p.RowCount,
			FileSize:    p.FileSize,
		})
	}
	qg.setState(status.QueryID, StateReady, nil)
	logger.Debug().Str("view", viewName).Str("instance", instanceID).Str("range", r.String()).Int("files", len(refs)).Msg("resolved query coverage")
	return refs, nil
}

// ActiveQueries snapshots in-flight resolves for the admin API
func (qg *QueryGateway) ActiveQueries() []QueryStatus {
	qg.mu.Lock()
	defer qg.mu.Unlock()
	out := make([]QueryStatus, 0, len(qg.queries))
	for _, q := range qg.queries {
		out = append(out, *q)
	}
	return out
}

func (qg *QueryGateway) track(viewName, instanceID string, r interval.TimeRange) *QueryStatus {
	status := &QueryStatus{
		QueryID:    utils.GenKSortedID("q_"),
		ViewName:   viewName,
		InstanceID: instanceID,
		Range:      r,
		State:      StateRequested,
		StartedAt:  time.Now().UTC(),
	}
	qg.mu.Lock()
	defer qg.mu.Unlock()
	qg.queries[status.QueryID] = status
	return status
}

func (qg *QueryGateway) setState(queryID string, state QueryState, err error) {
	qg.mu.Lock()
	defer qg.mu.Unlock()
	q, exists := qg.queries[queryID]
	if !exists {
		return
	}
	q.State = state
	if err != nil {
		q.Error = err.Error()
	}
}

func (qg *QueryGateway) untrack(queryID string) {
	qg.mu.Lock()
	defer qg.mu.Unlock()
	delete(qg.queries, queryID)
}
