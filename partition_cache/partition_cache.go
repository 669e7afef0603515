package partition_cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danthegoodman1/tracelake/block_store"
	"github.com/danthegoodman1/tracelake/gologger"
	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
	"github.com/danthegoodman1/tracelake/partition_index"
	"github.com/danthegoodman1/tracelake/utils"
	"github.com/danthegoodman1/tracelake/view_registry"
)

var (
	logger = gologger.NewLogger()

	// ErrUnboundedRange is returned for ad-hoc requests without a bounded
	// time range. Only the scheduler may look at global instances
	// unbounded, and that path fills no gaps.
	ErrUnboundedRange = errors.New("bounded time range required")

	// ErrMaterializationFailed propagates to every caller attached to a
	// failed job's fingerprint
	ErrMaterializationFailed = errors.New("materialization failed")
)

type (
	// Job is one bucket-aligned unit of materialization work
	Job struct {
		View        view_registry.Definition
		InstanceID  string
		Scope       block_store.Scope
		Generation  int32
		Bucket      interval.TimeRange
		Fingerprint part.Fingerprint
	}

	// Executor runs one job to a committed partition. It receives the
	// cache so merge jobs can recurse for missing lower-generation inputs.
	Executor interface {
		Execute(ctx context.Context, cache *PartitionCache, job Job) (part.Partition, error)
	}

	// Request asks for coverage of a view instance over a range, filling
	// gaps at Generation
	Request struct {
		View       view_registry.Definition
		InstanceID string
		Scope      block_store.Scope
		Range      interval.TimeRange
		Generation int32
	}

	// PendingJob is the future handed to callers attached to an in-flight
	// materialization
	PendingJob struct {
		Fingerprint part.Fingerprint
		done        chan struct{}
		partition   part.Partition
		err         error
	}

	// CoveringPlan is the answer to Resolve: committed partitions plus a
	// future per gap. Once every pending job resolves, the union of both
	// covers the requested range with no gaps and no overlap.
	CoveringPlan struct {
		Partitions []part.Partition
		Pending    []*PendingJob
	}

	// PartitionCache computes coverage over the partition index and
	// coalesces concurrent requests for the same gap into a single
	// in-flight job. The in-flight map is process-local, cross-process
	// duplicates are tolerated by the index's idempotent upsert.
	PartitionCache struct {
		index    partition_index.PartitionIndex
		blocks   block_store.BlockStore
		executor Executor

		retireGrace time.Duration

		// jobCtx detaches jobs from caller lifetimes: a cancelled query
		// abandons its futures, it never cancels the shared work
		jobCtx     context.Context
		jobTimeout time.Duration

		sem chan struct{}

		mu       sync.Mutex
		inflight map[string]*PendingJob
	}
)

func NewPartitionCache(index partition_index.PartitionIndex, blocks block_store.BlockStore, executor Executor, workers int) *PartitionCache {
	if workers <= 0 {
		workers = 1
	}
	return &PartitionCache{
		index:       index,
		blocks:      blocks,
		executor:    executor,
		retireGrace: time.Duration(utils.RETIRE_GRACE_SEC) * time.Second,
		jobCtx:      context.Background(),
		jobTimeout:  5 * time.Minute,
		sem:         make(chan struct{}, workers),
		inflight:    make(map[string]*PendingJob),
	}
}

// Resolve computes what already covers the range and schedules exactly one
// job per missing bucket-aligned gap. Callers holding an unrelated gap's
// future never redo each other's work.
func (pc *PartitionCache) Resolve(ctx context.Context, req Request) (*CoveringPlan, error) {
	if req.Range.IsZero() {
		if req.InstanceID != part.GlobalInstanceID {
			return nil, ErrUnboundedRange
		}
		// unbounded scheduler lookups return existing coverage only
		existing, err := pc.index.Find(ctx, req.View.Name, req.InstanceID, req.View.SchemaVersion, req.Range)
		if err != nil {
			return nil, fmt.Errorf("error in index.Find: %w", err)
		}
		return &CoveringPlan{Partitions: selectCovering(existing, req.Generation)}, nil
	}
	if !req.Range.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnboundedRange, req.Range)
	}

	width, err := req.View.BucketWidth(req.Generation)
	if err != nil {
		return nil, fmt.Errorf("error in BucketWidth: %w", err)
	}

	existing, err := pc.index.Find(ctx, req.View.Name, req.InstanceID, req.View.SchemaVersion, req.Range)
	if err != nil {
		return nil, fmt.Errorf("error in index.Find: %w", err)
	}

	covering := selectCovering(existing, req.Generation)
	if !req.View.IsGlobal() {
		covering, err = pc.dropStale(ctx, req, covering)
		if err != nil {
			return nil, err
		}
	}
	covered := make([]interval.TimeRange, 0, len(covering))
	for _, p := range covering {
		covered = append(covered, p.InsertRange())
	}

	plan := &CoveringPlan{Partitions: covering}
	for _, gap := range interval.Gaps(req.Range, covered) {
		for _, bucket := range gap.Buckets(width) {
			plan.Pending = append(plan.Pending, pc.attach(Job{
				View:        req.View,
				InstanceID:  req.InstanceID,
				Scope:       req.Scope,
				Generation:  req.Generation,
				Bucket:      bucket,
				Fingerprint: req.View.Fingerprint(req.InstanceID, req.Generation, bucket),
			}))
		}
	}
	return plan, nil
}

// dropStale compares each JIT partition's recorded source-object count
// against the block set currently in its range. A partition built before a
// late block landed is retired and re-materialized.
func (pc *PartitionCache) dropStale(ctx context.Context, req Request, covering []part.Partition) ([]part.Partition, error) {
	fresh := covering[:0]
	for _, p := range covering {
		blocks, err := pc.blocks.ListBlocks(ctx, req.Scope, p.InsertRange())
		if err != nil {
			return nil, fmt.Errorf("error in ListBlocks: %w", err)
		}
		var objects int64
		for _, b := range blocks {
			objects += b.NbObjects
		}
		if objects == p.SourceObjects {
			fresh = append(fresh, p)
			continue
		}
		logger.Debug().
			Str("fingerprint", p.Fingerprint().Key()).
			Int64("partitionObjects", p.SourceObjects).
			Int64("sourceObjects", objects).
			Msg("partition stale, re-materializing")
		_, err = pc.index.Retire(ctx, p.ViewName, p.InstanceID, p.Generation, p.InsertRange(), time.Now().Add(pc.retireGrace))
		if err != nil {
			return nil, fmt.Errorf("error retiring stale partition: %w", err)
		}
	}
	return fresh, nil
}

// attach returns the in-flight job for the fingerprint, starting one if
// none exists (single-flight)
func (pc *PartitionCache) attach(job Job) *PendingJob {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	key := job.Fingerprint.Key()
	if pending, exists := pc.inflight[key]; exists {
		return pending
	}

	pending := &PendingJob{
		Fingerprint: job.Fingerprint,
		done:        make(chan struct{}),
	}
	pc.inflight[key] = pending

	go pc.run(job, pending)
	return pending
}

func (pc *PartitionCache) run(job Job, pending *PendingJob) {
	// only generation 0 takes a worker slot: merge jobs block on their
	// recursively-resolved inputs, bounding them too can deadlock the pool
	if job.Generation == 0 {
		pc.sem <- struct{}{}
		defer func() { <-pc.sem }()
	}

	ctx, cancel := context.WithTimeout(pc.jobCtx, pc.jobTimeout)
	defer cancel()

	p, err := pc.executor.Execute(ctx, pc, job)

	pc.mu.Lock()
	delete(pc.inflight, job.Fingerprint.Key())
	pc.mu.Unlock()

	if err != nil {
		logger.Error().Err(err).Str("fingerprint", job.Fingerprint.Key()).Msg("materialization job failed")
		pending.err = fmt.Errorf("%w: %s: %s", ErrMaterializationFailed, job.Fingerprint.Key(), err.Error())
	} else {
		pending.partition = p
	}
	close(pending.done)
}

// Wait blocks until the job resolves or the caller's context ends. A
// cancelled caller detaches, the job itself keeps running for everyone
// else attached to it.
func (pj *PendingJob) Wait(ctx context.Context) (part.Partition, error) {
	select {
	case <-pj.done:
		return pj.partition, pj.err
	case <-ctx.Done():
		return part.Partition{}, ctx.Err()
	}
}

// Wait resolves every pending gap and returns the full covering set sorted
// by begin insert time. On failure the partial covering is returned along
// with the first error, the range must then be treated as not servable.
func (plan *CoveringPlan) Wait(ctx context.Context) ([]part.Partition, error) {
	partitions := append([]part.Partition{}, plan.Partitions...)
	var firstErr error
	for _, pending := range plan.Pending {
		p, err := pending.Wait(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].BeginInsertTime.Before(partitions[j].BeginInsertTime)
	})
	return partitions, firstErr
}

// selectCovering picks a non-overlapping covering set from the index
// rows, preferring the coarsest (highest) generation at or above the
// requested one. Lower-generation partitions superseded by a committed
// merge are excluded even while retirement is deferred.
func selectCovering(existing []part.Partition, minGeneration int32) []part.Partition {
	maxGen := minGeneration
	for _, p := range existing {
		if p.Generation > maxGen {
			maxGen = p.Generation
		}
	}

	var selected []part.Partition
	var covered []interval.TimeRange
	for gen := maxGen; gen >= minGeneration; gen-- {
		for _, p := range existing {
			if p.Generation != gen {
				continue
			}
			overlaps := false
			for _, c := range covered {
				if c.Overlaps(p.InsertRange()) {
					overlaps = true
					break
				}
			}
			if overlaps {
				continue
			}
			selected = append(selected, p)
			covered = append(covered, p.InsertRange())
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].BeginInsertTime.Before(selected[j].BeginInsertTime)
	})
	return selected
}

// ScopeForInstance maps a view instance to the block scope it reads.
// Global instances read every stream, instance ids bind to one stream.
func ScopeForInstance(instanceID string) block_store.Scope {
	if instanceID == part.GlobalInstanceID {
		return block_store.Scope{}
	}
	return block_store.Scope{StreamID: instanceID}
}
