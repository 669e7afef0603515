package live_scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/danthegoodman1/tracelake/block_store"
	"github.com/danthegoodman1/tracelake/datastore"
	"github.com/danthegoodman1/tracelake/gologger"
	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
	"github.com/danthegoodman1/tracelake/partition_cache"
	"github.com/danthegoodman1/tracelake/partition_index"
	"github.com/danthegoodman1/tracelake/utils"
	"github.com/danthegoodman1/tracelake/view_registry"
)

var (
	logger = gologger.NewLogger()
)

type (
	// LiveScheduler keeps global views continuously reduced: one ticker per
	// (view, generation) materializes the just-elapsed bucket, and a
	// housekeeping loop deletes retired partition files once their grace
	// window passes.
	LiveScheduler struct {
		cache    *partition_cache.PartitionCache
		index    partition_index.PartitionIndex
		data     datastore.DataStore
		registry *view_registry.Registry

		retireGrace  time.Duration
		reapInterval time.Duration

		// now is swappable so tests can drive ticks without real time
		now func() time.Time

		stopChan chan struct{}
		stopOnce sync.Once
		wg       sync.WaitGroup
	}
)

func NewLiveScheduler(cache *partition_cache.PartitionCache, index partition_index.PartitionIndex, data datastore.DataStore, registry *view_registry.Registry) *LiveScheduler {
	return &LiveScheduler{
		cache:        cache,
		index:        index,
		data:         data,
		registry:     registry,
		retireGrace:  time.Duration(utils.RETIRE_GRACE_SEC) * time.Second,
		reapInterval: time.Minute,
		now:          time.Now,
		stopChan:     make(chan struct{}),
	}
}

// Start launches the tickers. Ticker periods follow each view's ladder, a
// generation's bucket is materialized one period after it closes.
func (ls *LiveScheduler) Start() {
	for _, view := range ls.registry.GlobalViews() {
		for gen := int32(0); gen <= view.MaxGeneration(); gen++ {
			ls.wg.Add(1)
			go ls.tickLoop(view, gen)
		}
	}
	ls.wg.Add(1)
	go ls.reapLoop()
	logger.Info().Int("globalViews", len(ls.registry.GlobalViews())).Msg("live scheduler started")
}

func (ls *LiveScheduler) Stop() {
	ls.stopOnce.Do(func() {
		close(ls.stopChan)
	})
	ls.wg.Wait()
}

func (ls *LiveScheduler) tickLoop(view view_registry.Definition, generation int32) {
	defer ls.wg.Done()
	width, err := view.BucketWidth(generation)
	if err != nil {
		logger.Error().Err(err).Str("view", view.Name).Int32("generation", generation).Msg("invalid generation, not scheduling")
		return
	}
	ticker := time.NewTicker(width)
	defer ticker.Stop()
	for {
		select {
		case <-ls.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), width*2)
			if err := ls.StepGeneration(ctx, view, generation, ls.now()); err != nil {
				logger.Error().Err(err).Str("view", view.Name).Int32("generation", generation).Msg("scheduler step failed")
			}
			cancel()
		}
	}
}

// StepGeneration materializes the most recently closed bucket of a
// generation, then retires the generation below it. Exported so tests and
// the admin API can drive reduction without waiting on wall-clock ticks.
func (ls *LiveScheduler) StepGeneration(ctx context.Context, view view_registry.Definition, generation int32, now time.Time) error {
	width, err := view.BucketWidth(generation)
	if err != nil {
		return err
	}
	end := interval.Floor(now, width)
	bucket := interval.NewTimeRange(end.Add(-width), end)
	return ls.StepBucket(ctx, view, generation, bucket)
}

// StepBucket materializes one explicit bucket of a generation and, for
// merge generations, retires the inputs it consumed
func (ls *LiveScheduler) StepBucket(ctx context.Context, view view_registry.Definition, generation int32, bucket interval.TimeRange) error {
	runID := utils.GenKSortedID("run_")
	plan, err := ls.cache.Resolve(ctx, partition_cache.Request{
		View:       view,
		InstanceID: part.GlobalInstanceID,
		Scope:      block_store.Scope{},
		Range:      bucket,
		Generation: generation,
	})
	if err != nil {
		return err
	}
	partitions, err := plan.Wait(ctx)
	if err != nil {
		return err
	}
	logger.Debug().
		Str("runID", runID).
		Str("view", view.Name).
		Int32("generation", generation).
		Str("bucket", bucket.String()).
		Int("partitions", len(partitions)).
		Int("materialized", len(plan.Pending)).
		Msg("scheduler step complete")

	if generation == 0 {
		return nil
	}
	// the merge committed, its inputs are now superseded. Their files stay
	// readable until the grace window passes for queries already holding
	// the old paths.
	expiry := ls.now().Add(ls.retireGrace)
	retired, err := ls.index.Retire(ctx, view.Name, part.GlobalInstanceID, generation-1, bucket, expiry)
	if err != nil {
		return err
	}
	if retired > 0 {
		logger.Debug().Str("runID", runID).Str("view", view.Name).Int32("generation", generation-1).Int("retired", retired).Msg("retired superseded partitions")
	}
	return nil
}

func (ls *LiveScheduler) reapLoop() {
	defer ls.wg.Done()
	ticker := time.NewTicker(ls.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ls.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := ls.ReapRetired(ctx, ls.now()); err != nil {
				logger.Error().Err(err).Msg("retired file reap failed")
			}
			cancel()
		}
	}
}

// ReapRetired deletes retired partition files whose grace window has
// passed. The blob is deleted before the record so a crash re-attempts
// the delete instead of leaking the file.
func (ls *LiveScheduler) ReapRetired(ctx context.Context, now time.Time) error {
	files, err := ls.index.ListRetired(ctx, now)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := ls.data.Delete(ctx, f.FilePath); err != nil {
			logger.Error().Err(err).Str("path", f.FilePath).Msg("failed deleting retired file, will retry next pass")
			continue
		}
		if err := ls.index.RemoveRetired(ctx, f.FilePath); err != nil {
			return err
		}
		logger.Debug().Str("path", f.FilePath).Int64("bytes", f.FileSize).Msg("deleted retired partition file")
	}
	return nil
}
