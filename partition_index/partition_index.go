package partition_index

import (
	"context"
	"time"

	"github.com/danthegoodman1/tracelake/gologger"
	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
)

var (
	logger = gologger.NewLogger()
)

type (
	// PartitionIndex is the durable catalog of materialized partitions and
	// the single source of truth for what a query may scan. A partition is
	// visible only once its row is committed here, a blob without an index
	// row is garbage.
	PartitionIndex interface {
		// Find returns active partitions for the view instance at the
		// given schema version whose insert range intersects r, sorted by
		// begin insert time. A zero r means unbounded.
		Find(ctx context.Context, viewName, instanceID string, schemaVersion uint32, r interval.TimeRange) ([]part.Partition, error)

		// UpsertIfAbsent commits a partition keyed by its fingerprint.
		// The first committed active row wins: if a concurrent or earlier
		// commit already holds the fingerprint, that row is returned and
		// the argument's file is left orphaned (harmless, collected
		// later). A retired (inactive) row is replaced, re-materializing
		// a retired fingerprint commits fresh.
		UpsertIfAbsent(ctx context.Context, p part.Partition) (part.Partition, error)

		// Retire deactivates active partitions of the view instance at
		// generation that are fully contained in r, and records their
		// blob paths with an expiry for the external housekeeper.
		// Returns the number of partitions retired.
		Retire(ctx context.Context, viewName, instanceID string, generation int32, r interval.TimeRange, expiry time.Time) (int, error)

		// ListRetired returns files whose expiry has passed, for the
		// external deletion job
		ListRetired(ctx context.Context, before time.Time) ([]RetiredFile, error)

		// RemoveRetired drops a retired-file record after its blob has
		// been deleted
		RemoveRetired(ctx context.Context, filePath string) error

		Shutdown(ctx context.Context) error
	}

	// RetiredFile is a blob awaiting deferred deletion
	RetiredFile struct {
		FilePath  string
		FileSize  int64
		ExpiresAt time.Time
	}
)
