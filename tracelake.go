package main

import (
	"context"
	"fmt"

	"github.com/danthegoodman1/tracelake/block_store"
	"github.com/danthegoodman1/tracelake/crdb"
	"github.com/danthegoodman1/tracelake/datastore"
	"github.com/danthegoodman1/tracelake/live_scheduler"
	"github.com/danthegoodman1/tracelake/materializer"
	"github.com/danthegoodman1/tracelake/partition_cache"
	"github.com/danthegoodman1/tracelake/partition_index"
	"github.com/danthegoodman1/tracelake/query_gateway"
	"github.com/danthegoodman1/tracelake/utils"
	"github.com/danthegoodman1/tracelake/view_registry"
	"github.com/danthegoodman1/tracelake/views"
)

type (
	TraceLake struct {
		Registry  *view_registry.Registry
		Index     partition_index.PartitionIndex
		Data      datastore.DataStore
		Blocks    block_store.BlockStore
		Cache     *partition_cache.PartitionCache
		Gateway   *query_gateway.QueryGateway
		Scheduler *live_scheduler.LiveScheduler
	}
)

// NewTraceLake wires the engine from the environment: CRDB-backed index
// and block metadata when CRDB_DSN is set, embedded Badger otherwise, S3
// blobs when S3_BUCKET_NAME is set, local disk otherwise.
func NewTraceLake() (*TraceLake, error) {
	registry := view_registry.NewRegistry()
	if err := views.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("error registering builtin views: %w", err)
	}

	var data datastore.DataStore
	var err error
	if utils.S3_BUCKET_NAME != "" {
		data, err = datastore.NewS3DataStore(utils.S3_BUCKET_NAME)
		if err != nil {
			return nil, fmt.Errorf("error in NewS3DataStore: %w", err)
		}
	} else {
		data, err = datastore.NewDiskDataStore(utils.DATA_DIR)
		if err != nil {
			return nil, fmt.Errorf("error in NewDiskDataStore: %w", err)
		}
	}

	var index partition_index.PartitionIndex
	var blocks block_store.BlockStore
	if utils.CRDB_DSN != "" {
		index, err = partition_index.NewPGPartitionIndex(crdb.PGPool)
		if err != nil {
			return nil, fmt.Errorf("error in NewPGPartitionIndex: %w", err)
		}
		blocks, err = block_store.NewPGBlockStore(crdb.PGPool, data)
		if err != nil {
			return nil, fmt.Errorf("error in NewPGBlockStore: %w", err)
		}
	} else {
		index, err = partition_index.NewBadgerPartitionIndex(utils.BADGER_DIR, false)
		if err != nil {
			return nil, fmt.Errorf("error in NewBadgerPartitionIndex: %w", err)
		}
		blocks = block_store.NewMemoryBlockStore()
	}

	exec := materializer.NewMaterializer(blocks, data, index)
	cache := partition_cache.NewPartitionCache(index, blocks, exec, int(utils.MATERIALIZE_WORKERS))
	gateway := query_gateway.NewQueryGateway(registry, cache)
	scheduler := live_scheduler.NewLiveScheduler(cache, index, data, registry)

	return &TraceLake{
		Registry:  registry,
		Index:     index,
		Data:      data,
		Blocks:    blocks,
		Cache:     cache,
		Gateway:   gateway,
		Scheduler: scheduler,
	}, nil
}

func (tl *TraceLake) Shutdown(ctx context.Context) error {
	tl.Scheduler.Stop()
	if err := tl.Blocks.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down block store: %w", err)
	}
	if err := tl.Index.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down partition index: %w", err)
	}
	if err := tl.Data.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down datastore: %w", err)
	}
	return nil
}
