package datastore

import (
	"context"

	"github.com/danthegoodman1/tracelake/gologger"
)

var (
	logger = gologger.NewLogger()
)

type (
	// DataStore is the blob API partitions are written through. Paths are
	// derived from the view instance and time range so that retried writes
	// land on the same key.
	DataStore interface {
		// Put writes an entire blob
		Put(ctx context.Context, path string, data []byte) error
		// Get reads an entire blob
		Get(ctx context.Context, path string) ([]byte, error)
		// Delete removes a blob, deleting a missing path is not an error
		Delete(ctx context.Context, path string) error

		Shutdown(ctx context.Context) error
	}
)
