package materializer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UltimateTournament/backoff/v4"
	"github.com/danthegoodman1/tracelake/block_store"
	"github.com/danthegoodman1/tracelake/datastore"
	"github.com/danthegoodman1/tracelake/gologger"
	"github.com/danthegoodman1/tracelake/parquet_accumulator"
	"github.com/danthegoodman1/tracelake/part"
	"github.com/danthegoodman1/tracelake/part_io"
	"github.com/danthegoodman1/tracelake/partition_cache"
	"github.com/danthegoodman1/tracelake/partition_index"
	"github.com/danthegoodman1/tracelake/view_registry"
	"github.com/segmentio/ksuid"
)

var (
	logger = gologger.NewLogger()

	maxRetries uint64 = 4
)

type (
	// Materializer executes materialization jobs: transform jobs read raw
	// blocks, merge jobs read the previous generation's partitions. Commit
	// order is always file first, index row second, the index row is the
	// commit point.
	Materializer struct {
		blocks block_store.BlockStore
		data   datastore.DataStore
		index  partition_index.PartitionIndex
	}
)

func NewMaterializer(blocks block_store.BlockStore, data datastore.DataStore, index partition_index.PartitionIndex) *Materializer {
	return &Materializer{
		blocks: blocks,
		data:   data,
		index:  index,
	}
}

func (m *Materializer) Execute(ctx context.Context, cache *partition_cache.PartitionCache, job partition_cache.Job) (part.Partition, error) {
	if job.Generation == 0 {
		return m.transform(ctx, job)
	}
	return m.merge(ctx, cache, job)
}

// transform builds a generation-0 partition from the raw blocks inside
// the job's bucket
func (m *Materializer) transform(ctx context.Context, job partition_cache.Job) (part.Partition, error) {
	blocks, err := m.blocks.ListBlocks(ctx, job.Scope, job.Bucket)
	if err != nil {
		return part.Partition{}, fmt.Errorf("error in ListBlocks: %w", err)
	}

	acc := parquet_accumulator.NewParquetAccumulator(job.View.TimeColumn)
	var rows []map[string]any
	var sourceObjects int64
	for _, block := range blocks {
		// every listed block counts toward SourceObjects, including ones
		// we cannot decode: freshness checks compare against the full
		// block set, and a permanently bad block must not read as a
		// perpetually missing one
		sourceObjects += block.NbObjects
		payload, err := m.fetchPayload(ctx, block)
		if err != nil {
			return part.Partition{}, err
		}
		blockRows, err := job.View.Transform(ctx, block, payload)
		if err != nil {
			if errors.Is(err, view_registry.ErrDecode) {
				// a malformed block is skipped, retrying cannot fix it
				logger.Warn().Err(err).Str("blockID", block.BlockID).Str("view", job.View.Name).Msg("skipping malformed block")
				continue
			}
			return part.Partition{}, fmt.Errorf("error in Transform for block %s: %w", block.BlockID, err)
		}
		for _, row := range blockRows {
			acc.WriteRow(row)
			rows = append(rows, row)
		}
	}

	return m.commit(ctx, job, rows, &acc, sourceObjects)
}

// merge builds a generation-k partition by resolving generation k-1 over
// the same bucket (recursing into the cache for anything missing) and
// re-aggregating the rows
func (m *Materializer) merge(ctx context.Context, cache *partition_cache.PartitionCache, job partition_cache.Job) (part.Partition, error) {
	plan, err := cache.Resolve(ctx, partition_cache.Request{
		View:       job.View,
		InstanceID: job.InstanceID,
		Scope:      job.Scope,
		Range:      job.Bucket,
		Generation: job.Generation - 1,
	})
	if err != nil {
		return part.Partition{}, fmt.Errorf("error resolving generation %d inputs: %w", job.Generation-1, err)
	}
	inputs, err := plan.Wait(ctx)
	if err != nil {
		return part.Partition{}, fmt.Errorf("error materializing generation %d inputs: %w", job.Generation-1, err)
	}

	var rows []map[string]any
	var sourceObjects int64
	for _, input := range inputs {
		sourceObjects += input.SourceObjects
		if input.Empty() {
			continue
		}
		partRows, err := m.readPartition(ctx, input)
		if err != nil {
			return part.Partition{}, err
		}
		rows = append(rows, partRows...)
	}

	if job.View.Merge != nil && len(rows) > 0 {
		rows, err = job.View.Merge(ctx, rows)
		if err != nil {
			return part.Partition{}, fmt.Errorf("error in Merge: %w", err)
		}
	}

	acc := parquet_accumulator.NewParquetAccumulator(job.View.TimeColumn)
	for _, row := range rows {
		acc.WriteRow(row)
	}
	return m.commit(ctx, job, rows, &acc, sourceObjects)
}

// commit writes the parquet file (unless the bucket is empty) then inserts
// the index row. Empty buckets commit a zero-row partition so coverage
// stays gap-free.
func (m *Materializer) commit(ctx context.Context, job partition_cache.Job, rows []map[string]any, acc *parquet_accumulator.ParquetSchemaAccumulator, sourceObjects int64) (part.Partition, error) {
	p := part.Partition{
		ViewName:        job.View.Name,
		InstanceID:      job.InstanceID,
		SchemaVersion:   job.View.SchemaVersion,
		Generation:      job.Generation,
		BeginInsertTime: job.Bucket.Begin,
		EndInsertTime:   job.Bucket.End,
		RowCount:        acc.RowCount(),
		SourceObjects:   sourceObjects,
		UpdatedAt:       time.Now().UTC(),
	}
	if min, max, ok := acc.TimeBounds(); ok {
		p.MinEventTime = min
		p.MaxEventTime = max
	}

	if len(rows) > 0 {
		schemaString, err := acc.GetSchemaString()
		if err != nil {
			return part.Partition{}, fmt.Errorf("error in GetSchemaString: %w", err)
		}
		fileBytes, err := part_io.WriteRows(rows, schemaString)
		if err != nil {
			return part.Partition{}, fmt.Errorf("error in WriteRows: %w", err)
		}
		// every commit attempt writes its own file so a rebuild of a
		// retired fingerprint never lands on a path awaiting deletion
		p.FilePath = PartitionPath(p)
		p.FileSize = int64(len(fileBytes))
		err = backoff.Retry(func() error {
			return m.data.Put(ctx, p.FilePath, fileBytes)
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx))
		if err != nil {
			return part.Partition{}, fmt.Errorf("error in data.Put: %w", err)
		}
	}

	committed, err := m.index.UpsertIfAbsent(ctx, p)
	if err != nil {
		return part.Partition{}, fmt.Errorf("error in UpsertIfAbsent: %w", err)
	}
	if committed.FilePath != p.FilePath {
		// another writer won the fingerprint, our rows are equivalent so
		// adopt theirs and drop the file we just wrote
		logger.Debug().Str("fingerprint", p.Fingerprint().Key()).Msg("lost commit race, adopting existing partition")
		if p.FilePath != "" {
			if err := m.data.Delete(ctx, p.FilePath); err != nil {
				logger.Warn().Err(err).Str("filePath", p.FilePath).Msg("failed to delete losing commit's file")
			}
		}
	}
	logger.Debug().
		Str("view", job.View.Name).
		Str("instance", job.InstanceID).
		Int32("generation", job.Generation).
		Int64("rows", committed.RowCount).
		Str("bucket", job.Bucket.String()).
		Msg("committed partition")
	return committed, nil
}

func (m *Materializer) fetchPayload(ctx context.Context, block part.Block) ([]byte, error) {
	var payload []byte
	err := backoff.Retry(func() error {
		var err error
		payload, err = m.blocks.FetchPayload(ctx, block)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("error in FetchPayload for block %s: %w", block.BlockID, err)
	}
	return payload, nil
}

func (m *Materializer) readPartition(ctx context.Context, p part.Partition) ([]map[string]any, error) {
	var fileBytes []byte
	err := backoff.Retry(func() error {
		var err error
		fileBytes, err = m.data.Get(ctx, p.FilePath)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("error in data.Get for %s: %w", p.FilePath, err)
	}
	rows, err := part_io.ReadRows(fileBytes)
	if err != nil {
		return nil, fmt.Errorf("error in ReadRows for %s: %w", p.FilePath, err)
	}
	return rows, nil
}

// PartitionPath names one commit attempt's file. The k-sorted suffix
// makes every attempt unique, so a rebuild of a retired fingerprint can
// never collide with the superseded file awaiting deletion. Losing
// attempts delete their own file after adopting the winner's row.
func PartitionPath(p part.Partition) string {
	return fmt.Sprintf("views/%s/%s/v%d/g%d/%d-%d.%s.parquet",
		p.ViewName, p.InstanceID, p.SchemaVersion, p.Generation,
		p.BeginInsertTime.UnixMilli(), p.EndInsertTime.UnixMilli(), ksuid.New().String())
}
