package view_registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
)

var (
	ErrViewNotFound  = errors.New("view not found")
	ErrViewExists    = errors.New("view already registered")
	ErrNilTransform  = errors.New("view has no transform")
	ErrNoMerge       = errors.New("view has no merge function")
	ErrBadGeneration = errors.New("generation outside the view's ladder")

	// ErrDecode marks a malformed block payload. The materializer logs
	// and skips the offending block instead of retrying, one bad block
	// cannot permanently wedge a range.
	ErrDecode = errors.New("malformed block payload")

	// DefaultJITGranularity bounds how much insert time a single JIT
	// materialization job covers
	DefaultJITGranularity = time.Hour
)

type (
	// TransformFunc decodes one raw block payload into flat rows. Returning
	// a DecodeError-wrapped error skips the block without failing the job.
	TransformFunc func(ctx context.Context, block part.Block, payload []byte) ([]map[string]any, error)

	// MergeFunc re-aggregates rows read from one generation of partitions
	// into the rows of the next coarser generation
	MergeFunc func(ctx context.Context, rows []map[string]any) ([]map[string]any, error)

	// Definition is a named, versioned view. Immutable once registered: a
	// schema change requires bumping SchemaVersion, which invalidates
	// partitions tagged with the old version.
	Definition struct {
		Name          string
		SchemaVersion uint32
		// TimeColumn names the event-time column (unix milliseconds) in
		// produced rows
		TimeColumn string
		// Ladder is the reduction ladder (bucket width per generation,
		// e.g. 1s -> 1m -> 1h) for Global views. Empty for
		// instance-scoped, JIT-only views.
		Ladder []time.Duration
		// JITGranularity aligns on-demand materialization buckets for
		// instance-scoped views, DefaultJITGranularity when zero
		JITGranularity time.Duration
		Transform      TransformFunc
		Merge          MergeFunc
	}

	Registry struct {
		mu    sync.RWMutex
		views map[string]Definition
	}
)

func NewRegistry() *Registry {
	return &Registry{
		views: make(map[string]Definition),
	}
}

func (r *Registry) Register(d Definition) error {
	if d.Transform == nil {
		return ErrNilTransform
	}
	if len(d.Ladder) > 1 && d.Merge == nil {
		return ErrNoMerge
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.views[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrViewExists, d.Name)
	}
	r.views[d.Name] = d
	return nil
}

func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, exists := r.views[name]
	if !exists {
		return Definition{}, fmt.Errorf("%w: %s", ErrViewNotFound, name)
	}
	return d, nil
}

func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.views))
	for _, d := range r.views {
		out = append(out, d)
	}
	return out
}

// GlobalViews returns the views the live reduction scheduler drives
func (r *Registry) GlobalViews() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Definition
	for _, d := range r.views {
		if d.IsGlobal() {
			out = append(out, d)
		}
	}
	return out
}

// IsGlobal reports whether the view is continuously reduced by the
// scheduler. Views without a ladder are instance-scoped and only
// materialize just-in-time.
func (d Definition) IsGlobal() bool {
	return len(d.Ladder) > 0
}

// MaxGeneration is the coarsest reduction level the ladder reaches
func (d Definition) MaxGeneration() int32 {
	if len(d.Ladder) == 0 {
		return 0
	}
	return int32(len(d.Ladder) - 1)
}

// BucketWidth returns the job alignment width for a generation.
// Generation 0 of a JIT view aligns to JITGranularity.
func (d Definition) BucketWidth(generation int32) (time.Duration, error) {
	if len(d.Ladder) == 0 {
		if generation != 0 {
			return 0, ErrBadGeneration
		}
		if d.JITGranularity > 0 {
			return d.JITGranularity, nil
		}
		return DefaultJITGranularity, nil
	}
	if generation < 0 || int(generation) >= len(d.Ladder) {
		return 0, ErrBadGeneration
	}
	return d.Ladder[generation], nil
}

// SchemaHash folds the identifying shape of the view into one value, it
// changes whenever SchemaVersion or the ladder changes
func (d Definition) SchemaHash() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(d.Name)
	_, _ = fmt.Fprintf(h, "|v%d|%s", d.SchemaVersion, d.TimeColumn)
	for _, w := range d.Ladder {
		_, _ = fmt.Fprintf(h, "|%d", w)
	}
	return h.Sum64()
}

// Fingerprint builds the bucket-aligned identity of one materialization job
func (d Definition) Fingerprint(instanceID string, generation int32, bucket interval.TimeRange) part.Fingerprint {
	return part.Fingerprint{
		ViewName:      d.Name,
		InstanceID:    instanceID,
		SchemaVersion: d.SchemaVersion,
		Generation:    generation,
		Range:         bucket,
	}
}
