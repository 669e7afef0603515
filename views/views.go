// Package views holds the built-in view definitions. The engine itself is
// view-agnostic, anything can be registered through the view_registry.
package views

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/danthegoodman1/gojsonutils"
	"github.com/danthegoodman1/tracelake/part"
	"github.com/danthegoodman1/tracelake/view_registry"
)

var ErrNotFlatMap = errors.New("not a flat map")

// RegisterBuiltins registers the stock views: log_stats (global,
// continuously reduced) and thread_spans (per-stream, JIT)
func RegisterBuiltins(reg *view_registry.Registry) error {
	if err := reg.Register(NewLogStatsView()); err != nil {
		return fmt.Errorf("error registering log_stats: %w", err)
	}
	if err := reg.Register(NewThreadSpansView()); err != nil {
		return fmt.Errorf("error registering thread_spans: %w", err)
	}
	return nil
}

// NewLogStatsView counts log lines per second and level. Generation 0
// buckets to the second, merges re-aggregate the same rows into coarser
// partitions without changing their shape.
func NewLogStatsView() view_registry.Definition {
	return view_registry.Definition{
		Name:          "log_stats",
		SchemaVersion: 1,
		TimeColumn:    "Time",
		Ladder:        []time.Duration{time.Second, time.Minute, time.Hour},
		Transform:     logStatsTransform,
		Merge:         logStatsMerge,
	}
}

func logStatsTransform(_ context.Context, _ part.Block, payload []byte) ([]map[string]any, error) {
	counts := make(map[string]map[string]any)

	scanner := bufio.NewScanner(strings.NewReader(string(payload)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var raw any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("error in json.Unmarshal: %s: %w", err.Error(), view_registry.ErrDecode)
		}
		jsonMap, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("line was not a JSON object: %w", view_registry.ErrDecode)
		}
		flat, err := gojsonutils.Flatten(jsonMap, nil)
		if err != nil {
			return nil, fmt.Errorf("error flattening JSON map: %s: %w", err.Error(), view_registry.ErrDecode)
		}
		flatMap, ok := flat.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %+v", ErrNotFlatMap, flat)
		}

		ms, ok := flatMap["time"].(float64)
		if !ok {
			return nil, fmt.Errorf("missing numeric time column: %w", view_registry.ErrDecode)
		}
		level, _ := flatMap["level"].(string)
		if level == "" {
			level = "unknown"
		}

		bucketMs := float64(time.UnixMilli(int64(ms)).UTC().Truncate(time.Second).UnixMilli())
		key := seriesKey(bucketMs, level)
		row, exists := counts[key]
		if !exists {
			row = map[string]any{"Time": bucketMs, "Level": level, "Count": 0.0}
			counts[key] = row
		}
		row["Count"] = row["Count"].(float64) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning payload: %s: %w", err.Error(), view_registry.ErrDecode)
	}

	return sortedRows(counts), nil
}

// logStatsMerge re-aggregates per-second counts, summing rows that landed
// in different source partitions. transform-then-merge stays row-equivalent
// to a single-pass transform.
func logStatsMerge(_ context.Context, rows []map[string]any) ([]map[string]any, error) {
	merged := make(map[string]map[string]any)
	for _, r := range rows {
		bucketMs, ok := r["Time"].(float64)
		if !ok {
			return nil, fmt.Errorf("merge input row missing Time: %+v", r)
		}
		level, _ := r["Level"].(string)
		count, _ := r["Count"].(float64)

		key := seriesKey(bucketMs, level)
		row, exists := merged[key]
		if !exists {
			row = map[string]any{"Time": bucketMs, "Level": level, "Count": 0.0}
			merged[key] = row
		}
		row["Count"] = row["Count"].(float64) + count
	}
	return sortedRows(merged), nil
}

// NewThreadSpansView exposes raw span events per stream. Instance-scoped:
// no ladder, materialized just-in-time when a query asks for a stream.
func NewThreadSpansView() view_registry.Definition {
	return view_registry.Definition{
		Name:           "thread_spans",
		SchemaVersion:  1,
		TimeColumn:     "Time",
		JITGranularity: 5 * time.Minute,
		Transform:      threadSpansTransform,
	}
}

func threadSpansTransform(_ context.Context, block part.Block, payload []byte) ([]map[string]any, error) {
	var rows []map[string]any

	scanner := bufio.NewScanner(strings.NewReader(string(payload)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("error in json.Unmarshal: %s: %w", err.Error(), view_registry.ErrDecode)
		}
		ms, ok := raw["time"].(float64)
		if !ok {
			return nil, fmt.Errorf("span missing numeric time: %w", view_registry.ErrDecode)
		}
		name, _ := raw["name"].(string)
		durMs, _ := raw["dur_ms"].(float64)

		rows = append(rows, map[string]any{
			"Time":     ms,
			"Name":     name,
			"DurMs":    durMs,
			"StreamID": block.StreamID,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning payload: %s: %w", err.Error(), view_registry.ErrDecode)
	}
	return rows, nil
}

func seriesKey(bucketMs float64, level string) string {
	return fmt.Sprintf("%d/%x", int64(bucketMs), xxhash.Sum64String(level))
}

func sortedRows(byKey map[string]map[string]any) []map[string]any {
	rows := make([]map[string]any, 0, len(byKey))
	for _, r := range byKey {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		ti := rows[i]["Time"].(float64)
		tj := rows[j]["Time"].(float64)
		if ti != tj {
			return ti < tj
		}
		return rows[i]["Level"].(string) < rows[j]["Level"].(string)
	})
	return rows
}
