package part_io

import (
	"testing"

	"github.com/danthegoodman1/tracelake/parquet_accumulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	rows := []map[string]any{
		{"Time": 1709287200000.0, "Level": "info", "Msg": "started"},
		{"Time": 1709287201000.0, "Level": "warn", "Msg": "slow tick"},
		{"Time": 1709287202000.0, "Level": "info"},
	}

	acc := parquet_accumulator.NewParquetAccumulator("Time")
	for _, r := range rows {
		acc.WriteRow(r)
	}
	schema, err := acc.GetSchemaString()
	require.NoError(t, err)

	data, err := WriteRows(rows, schema)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	got, err := ReadRows(data)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "info", got[0]["Level"])
	assert.Equal(t, 1709287201000.0, got[1]["Time"])
	// absent optional column is omitted, not zero-valued
	_, hasMsg := got[2]["Msg"]
	assert.False(t, hasMsg)
}
