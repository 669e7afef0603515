package parquet_accumulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSchemaString(t *testing.T) {
	a := NewParquetAccumulator("")
	a.WriteRow(map[string]any{
		"ColA": "hey",
	})
	a.WriteRow(map[string]any{
		"ColB": 1.2,
	})
	a.WriteRow(map[string]any{
		"ColC": []any{"hey"},
	})

	a.WriteRow(map[string]any{
		"ColA": "hey",
		"ColB": 1,
	})

	schemaString, err := a.GetSchemaString()
	require.NoError(t, err)
	assert.Equal(t, `{"Tag":"name=parquet_go_root, repetitiontype=REQUIRED","Fields":[{"Tag":"type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN, name=ColA, repetitiontype=OPTIONAL"},{"Tag":"type=DOUBLE, name=ColB, repetitiontype=OPTIONAL"},{"Tag":"type=LIST, name=ColC, repetitiontype=OPTIONAL","Fields":[{"Tag":"type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN, name=Element, repetitiontype=OPTIONAL"}]}]}`, schemaString)
}

func TestTimeBounds(t *testing.T) {
	a := NewParquetAccumulator("Time")

	_, _, ok := a.TimeBounds()
	assert.False(t, ok)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a.WriteRow(map[string]any{"Time": float64(base.Add(5 * time.Second).UnixMilli()), "Msg": "b"})
	a.WriteRow(map[string]any{"Time": float64(base.UnixMilli()), "Msg": "a"})
	a.WriteRow(map[string]any{"Time": float64(base.Add(30 * time.Second).UnixMilli()), "Msg": "c"})

	min, max, ok := a.TimeBounds()
	require.True(t, ok)
	assert.Equal(t, base, min)
	assert.Equal(t, base.Add(30*time.Second), max)
	assert.Equal(t, int64(3), a.RowCount())
}

func TestColumnNamesAndTypes(t *testing.T) {
	a := NewParquetAccumulator("")
	a.WriteRow(map[string]any{"Level": "info"})
	a.WriteRow(map[string]any{"Count": 3.0})

	assert.Equal(t, []string{"Level", "Count"}, a.GetColumnNames())
	assert.Equal(t, []string{"string", "float"}, a.GetColumnTypes())
}
