package live_scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/danthegoodman1/tracelake/block_store"
	"github.com/danthegoodman1/tracelake/datastore"
	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/materializer"
	"github.com/danthegoodman1/tracelake/part"
	"github.com/danthegoodman1/tracelake/partition_cache"
	"github.com/danthegoodman1/tracelake/partition_index"
	"github.com/danthegoodman1/tracelake/view_registry"
	"github.com/danthegoodman1/tracelake/views"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	blocks    *block_store.MemoryBlockStore
	data      datastore.DataStore
	index     *partition_index.MemoryPartitionIndex
	registry  *view_registry.Registry
	scheduler *LiveScheduler
	view      view_registry.Definition
}

func newFixture(t *testing.T) *fixture {
	data, err := datastore.NewDiskDataStore(t.TempDir())
	require.NoError(t, err)
	blocks := block_store.NewMemoryBlockStore()
	index := partition_index.NewMemoryPartitionIndex()

	view := views.NewLogStatsView()
	view.Ladder = []time.Duration{time.Minute, 2 * time.Minute}
	registry := view_registry.NewRegistry()
	require.NoError(t, registry.Register(view))

	cache := partition_cache.NewPartitionCache(index, blocks, materializer.NewMaterializer(blocks, data, index), 4)
	return &fixture{
		blocks:    blocks,
		data:      data,
		index:     index,
		registry:  registry,
		scheduler: NewLiveScheduler(cache, index, data, registry),
		view:      view,
	}
}

func (f *fixture) addLogBlock(blockID string, insertTime time.Time, lines string) {
	f.blocks.AddBlock(part.Block{
		BlockID:    blockID,
		StreamID:   "stream_a",
		InsertTime: insertTime,
		NbObjects:  1,
		PayloadRef: "blocks/" + blockID,
	}, []byte(lines))
}

func logLine(t time.Time, level string) string {
	return fmt.Sprintf(`{"time": %d, "level": %q, "msg": "m"}`, t.UnixMilli(), level) + "\n"
}

func TestStepGenerationMaterializesElapsedBucket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addLogBlock("blk_1", t0.Add(10*time.Second), logLine(t0.Add(10*time.Second), "info"))

	// at 10:01:30, the minute [10:00, 10:01) has fully elapsed
	require.NoError(t, f.scheduler.StepGeneration(ctx, f.view, 0, t0.Add(90*time.Second)))

	found, err := f.index.Find(ctx, f.view.Name, part.GlobalInstanceID, f.view.SchemaVersion, interval.TimeRange{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, t0, found[0].BeginInsertTime)
	assert.Equal(t, t0.Add(time.Minute), found[0].EndInsertTime)
	assert.Equal(t, int64(1), found[0].RowCount)
}

func TestMergeStepRetiresInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addLogBlock("blk_1", t0.Add(10*time.Second), logLine(t0.Add(10*time.Second), "info"))
	f.addLogBlock("blk_2", t0.Add(70*time.Second), logLine(t0.Add(70*time.Second), "error"))

	// two generation-0 minutes
	require.NoError(t, f.scheduler.StepBucket(ctx, f.view, 0, interval.NewTimeRange(t0, t0.Add(time.Minute))))
	require.NoError(t, f.scheduler.StepBucket(ctx, f.view, 0, interval.NewTimeRange(t0.Add(time.Minute), t0.Add(2*time.Minute))))

	// the merge supersedes them
	require.NoError(t, f.scheduler.StepBucket(ctx, f.view, 1, interval.NewTimeRange(t0, t0.Add(2*time.Minute))))

	found, err := f.index.Find(ctx, f.view.Name, part.GlobalInstanceID, f.view.SchemaVersion, interval.TimeRange{})
	require.NoError(t, err)
	require.Len(t, found, 1, "generation-0 inputs must be retired")
	assert.Equal(t, int32(1), found[0].Generation)
	assert.Equal(t, int64(2), found[0].RowCount)

	// retired files wait out the grace window before deletion
	files, err := f.index.ListRetired(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, files)

	files, err = f.index.ListRetired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestReapRetiredDeletesExpiredFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addLogBlock("blk_1", t0.Add(10*time.Second), logLine(t0.Add(10*time.Second), "info"))
	require.NoError(t, f.scheduler.StepBucket(ctx, f.view, 0, interval.NewTimeRange(t0, t0.Add(time.Minute))))
	require.NoError(t, f.scheduler.StepBucket(ctx, f.view, 0, interval.NewTimeRange(t0.Add(time.Minute), t0.Add(2*time.Minute))))
	require.NoError(t, f.scheduler.StepBucket(ctx, f.view, 1, interval.NewTimeRange(t0, t0.Add(2*time.Minute))))

	files, err := f.index.ListRetired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, files, 1, "only the non-empty minute leaves a file behind")
	retiredPath := files[0].FilePath

	// before expiry nothing is touched
	require.NoError(t, f.scheduler.ReapRetired(ctx, time.Now()))
	_, err = f.data.Get(ctx, retiredPath)
	require.NoError(t, err)

	// past expiry the blob and its record go away
	require.NoError(t, f.scheduler.ReapRetired(ctx, time.Now().Add(2*time.Hour)))
	_, err = f.data.Get(ctx, retiredPath)
	assert.Error(t, err)

	files, err = f.index.ListRetired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestStepBucketRejectsBadGeneration(t *testing.T) {
	f := newFixture(t)
	err := f.scheduler.StepBucket(context.Background(), f.view, 5, interval.NewTimeRange(t0, t0.Add(time.Minute)))
	assert.ErrorIs(t, err, view_registry.ErrBadGeneration)
}
