package views

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/danthegoodman1/tracelake/part"
	"github.com/danthegoodman1/tracelake/view_registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func logLine(t time.Time, level string) string {
	return fmt.Sprintf(`{"time": %d, "level": %q, "msg": "something happened"}`, t.UnixMilli(), level)
}

func TestLogStatsTransform(t *testing.T) {
	view := NewLogStatsView()
	payload := []byte(
		logLine(t0, "info") + "\n" +
			logLine(t0.Add(100*time.Millisecond), "info") + "\n" +
			logLine(t0.Add(200*time.Millisecond), "error") + "\n" +
			logLine(t0.Add(time.Second), "info") + "\n")

	rows, err := view.Transform(context.Background(), part.Block{BlockID: "blk_1"}, payload)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// two info in the first second bucket
	assert.Equal(t, float64(t0.UnixMilli()), rows[0]["Time"])
	assert.Equal(t, "error", rows[0]["Level"])
	assert.Equal(t, 1.0, rows[0]["Count"])
	assert.Equal(t, "info", rows[1]["Level"])
	assert.Equal(t, 2.0, rows[1]["Count"])
	assert.Equal(t, float64(t0.Add(time.Second).UnixMilli()), rows[2]["Time"])
	assert.Equal(t, 1.0, rows[2]["Count"])
}

func TestLogStatsTransformDecodeError(t *testing.T) {
	view := NewLogStatsView()
	_, err := view.Transform(context.Background(), part.Block{}, []byte("this is not json\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, view_registry.ErrDecode))

	// valid json but no time column
	_, err = view.Transform(context.Background(), part.Block{}, []byte(`{"level": "info"}`+"\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, view_registry.ErrDecode))
}

// merging the outputs of split transforms must equal one big transform,
// regardless of how the lines were split across blocks
func TestLogStatsMergeEquivalence(t *testing.T) {
	view := NewLogStatsView()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	levels := []string{"info", "warn", "error"}
	var lines []string
	for i := 0; i < 200; i++ {
		ts := t0.Add(time.Duration(rng.Intn(10_000)) * time.Millisecond)
		lines = append(lines, logLine(ts, levels[rng.Intn(len(levels))]))
	}

	joined := ""
	for _, l := range lines {
		joined += l + "\n"
	}
	wholeRows, err := view.Transform(ctx, part.Block{}, []byte(joined))
	require.NoError(t, err)

	// split into 3 blocks, transform each, merge the union
	var union []map[string]any
	for i := 0; i < 3; i++ {
		chunk := ""
		for j := i * 70; j < (i+1)*70 && j < len(lines); j++ {
			chunk += lines[j] + "\n"
		}
		rows, err := view.Transform(ctx, part.Block{}, []byte(chunk))
		require.NoError(t, err)
		union = append(union, rows...)
	}
	mergedRows, err := view.Merge(ctx, union)
	require.NoError(t, err)

	assert.Equal(t, wholeRows, mergedRows)
}

func TestLogStatsMergeIdempotentOnMergedRows(t *testing.T) {
	view := NewLogStatsView()
	ctx := context.Background()

	rows, err := view.Transform(ctx, part.Block{}, []byte(logLine(t0, "info")+"\n"+logLine(t0, "info")+"\n"))
	require.NoError(t, err)

	once, err := view.Merge(ctx, rows)
	require.NoError(t, err)
	twice, err := view.Merge(ctx, once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestThreadSpansTransform(t *testing.T) {
	view := NewThreadSpansView()
	payload := []byte(fmt.Sprintf(`{"time": %d, "name": "load_chunk", "dur_ms": 12.5}`, t0.UnixMilli()) + "\n")

	rows, err := view.Transform(context.Background(), part.Block{StreamID: "stream_a"}, payload)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "load_chunk", rows[0]["Name"])
	assert.Equal(t, 12.5, rows[0]["DurMs"])
	assert.Equal(t, "stream_a", rows[0]["StreamID"])
	assert.Equal(t, float64(t0.UnixMilli()), rows[0]["Time"])
}

func TestRegisterBuiltins(t *testing.T) {
	reg := view_registry.NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))

	logStats, err := reg.Get("log_stats")
	require.NoError(t, err)
	assert.True(t, logStats.IsGlobal())
	assert.Equal(t, int32(2), logStats.MaxGeneration())

	threadSpans, err := reg.Get("thread_spans")
	require.NoError(t, err)
	assert.False(t, threadSpans.IsGlobal())

	globals := reg.GlobalViews()
	require.Len(t, globals, 1)
	assert.Equal(t, "log_stats", globals[0].Name)
}
