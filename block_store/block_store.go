package block_store

import (
	"context"

	"github.com/danthegoodman1/tracelake/gologger"
	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
)

var (
	logger = gologger.NewLogger()
)

type (
	// Scope selects which processes' blocks a view instance reads. The zero
	// value is the global scope (every stream of every process).
	Scope struct {
		StreamID  string
		ProcessID string
	}

	// BlockStore is a read-only facade over the ingestion metadata index
	// and payload storage
	BlockStore interface {
		// ListBlocks returns blocks whose insert time falls inside r,
		// sorted by insert time
		ListBlocks(ctx context.Context, scope Scope, r interval.TimeRange) ([]part.Block, error)
		// FetchPayload reads a block's decompressed event buffer
		FetchPayload(ctx context.Context, b part.Block) ([]byte, error)

		Shutdown(ctx context.Context) error
	}
)

func (s Scope) IsGlobal() bool {
	return s.StreamID == "" && s.ProcessID == ""
}

func (s Scope) Matches(b part.Block) bool {
	if s.StreamID != "" && b.StreamID != s.StreamID {
		return false
	}
	if s.ProcessID != "" && b.ProcessID != s.ProcessID {
		return false
	}
	return true
}
