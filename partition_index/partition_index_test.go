package partition_index

import (
	"context"
	"testing"
	"time"

	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testPartition(beginSec, endSec int, generation int32) part.Partition {
	return part.Partition{
		ViewName:        "log_stats",
		InstanceID:      part.GlobalInstanceID,
		SchemaVersion:   1,
		Generation:      generation,
		BeginInsertTime: t0.Add(time.Duration(beginSec) * time.Second),
		EndInsertTime:   t0.Add(time.Duration(endSec) * time.Second),
		MinEventTime:    t0.Add(time.Duration(beginSec) * time.Second),
		MaxEventTime:    t0.Add(time.Duration(endSec) * time.Second),
		FilePath:        "views/log_stats/global/test.parquet",
		FileSize:        128,
		RowCount:        10,
		UpdatedAt:       t0,
	}
}

// both backends must behave identically
func indexes(t *testing.T) map[string]PartitionIndex {
	badgerIdx, err := NewBadgerPartitionIndex("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerIdx.Shutdown(context.Background()) })
	return map[string]PartitionIndex{
		"memory": NewMemoryPartitionIndex(),
		"badger": badgerIdx,
	}
}

func TestUpsertIfAbsentFirstWriterWins(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := testPartition(0, 60, 0)
			first.FilePath = "views/a.parquet"
			committed, err := idx.UpsertIfAbsent(ctx, first)
			require.NoError(t, err)
			assert.Equal(t, "views/a.parquet", committed.FilePath)
			assert.True(t, committed.Active)

			// crash-retry race: same fingerprint, different file
			second := testPartition(0, 60, 0)
			second.FilePath = "views/b.parquet"
			committed, err = idx.UpsertIfAbsent(ctx, second)
			require.NoError(t, err)
			assert.Equal(t, "views/a.parquet", committed.FilePath, "first committed row must win")

			found, err := idx.Find(ctx, "log_stats", part.GlobalInstanceID, 1, interval.TimeRange{})
			require.NoError(t, err)
			require.Len(t, found, 1)
		})
	}
}

func TestFindFiltersRangeAndSchemaVersion(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p1 := testPartition(0, 60, 0)
			p2 := testPartition(60, 120, 0)
			oldSchema := testPartition(120, 180, 0)
			oldSchema.SchemaVersion = 0

			for _, p := range []part.Partition{p1, p2, oldSchema} {
				_, err := idx.UpsertIfAbsent(ctx, p)
				require.NoError(t, err)
			}

			found, err := idx.Find(ctx, "log_stats", part.GlobalInstanceID, 1,
				interval.NewTimeRange(t0, t0.Add(90*time.Second)))
			require.NoError(t, err)
			require.Len(t, found, 2)
			assert.True(t, found[0].BeginInsertTime.Before(found[1].BeginInsertTime))

			// retired schema versions are treated as absent
			found, err = idx.Find(ctx, "log_stats", part.GlobalInstanceID, 1,
				interval.NewTimeRange(t0.Add(120*time.Second), t0.Add(180*time.Second)))
			require.NoError(t, err)
			assert.Empty(t, found)
		})
	}
}

func TestRetire(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gen0a := testPartition(0, 30, 0)
			gen0a.FilePath = "views/g0a.parquet"
			gen0b := testPartition(30, 60, 0)
			gen0b.FilePath = "views/g0b.parquet"
			gen1 := testPartition(0, 60, 1)
			gen1.FilePath = "views/g1.parquet"

			for _, p := range []part.Partition{gen0a, gen0b, gen1} {
				_, err := idx.UpsertIfAbsent(ctx, p)
				require.NoError(t, err)
			}

			expiry := t0.Add(time.Hour)
			retired, err := idx.Retire(ctx, "log_stats", part.GlobalInstanceID, 0,
				interval.NewTimeRange(t0, t0.Add(60*time.Second)), expiry)
			require.NoError(t, err)
			assert.Equal(t, 2, retired)

			// the merged partition stays active
			found, err := idx.Find(ctx, "log_stats", part.GlobalInstanceID, 1, interval.TimeRange{})
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.Equal(t, int32(1), found[0].Generation)

			files, err := idx.ListRetired(ctx, expiry.Add(time.Minute))
			require.NoError(t, err)
			assert.Len(t, files, 2)

			// not yet expired
			files, err = idx.ListRetired(ctx, expiry.Add(-time.Minute))
			require.NoError(t, err)
			assert.Empty(t, files)
		})
	}
}

// a retired fingerprint can be re-materialized, the fresh commit replaces
// the inactive row
func TestUpsertReplacesRetiredRow(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stale := testPartition(0, 60, 0)
			stale.FilePath = "views/stale.parquet"
			_, err := idx.UpsertIfAbsent(ctx, stale)
			require.NoError(t, err)

			retired, err := idx.Retire(ctx, "log_stats", part.GlobalInstanceID, 0,
				interval.NewTimeRange(t0, t0.Add(60*time.Second)), t0.Add(time.Hour))
			require.NoError(t, err)
			require.Equal(t, 1, retired)

			fresh := testPartition(0, 60, 0)
			fresh.FilePath = "views/fresh.parquet"
			committed, err := idx.UpsertIfAbsent(ctx, fresh)
			require.NoError(t, err)
			assert.Equal(t, "views/fresh.parquet", committed.FilePath)
			assert.True(t, committed.Active)

			found, err := idx.Find(ctx, "log_stats", part.GlobalInstanceID, 1, interval.TimeRange{})
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.Equal(t, "views/fresh.parquet", found[0].FilePath)
		})
	}
}

func TestRemoveRetired(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := testPartition(0, 60, 0)
			_, err := idx.UpsertIfAbsent(ctx, p)
			require.NoError(t, err)

			expiry := t0.Add(time.Hour)
			_, err = idx.Retire(ctx, "log_stats", part.GlobalInstanceID, 0,
				interval.NewTimeRange(t0, t0.Add(60*time.Second)), expiry)
			require.NoError(t, err)

			files, err := idx.ListRetired(ctx, expiry.Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, files, 1)

			require.NoError(t, idx.RemoveRetired(ctx, files[0].FilePath))
			files, err = idx.ListRetired(ctx, expiry.Add(time.Minute))
			require.NoError(t, err)
			assert.Empty(t, files)

			// removing an already-removed path is a no-op
			require.NoError(t, idx.RemoveRetired(ctx, "views/never-existed.parquet"))
		})
	}
}
