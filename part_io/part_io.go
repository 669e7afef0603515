package part_io

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

// WriteRows serializes flat rows into an in-memory parquet file using a
// schema string from the parquet_accumulator
func WriteRows(rows []map[string]any, schemaString string) ([]byte, error) {
	var b bytes.Buffer
	pw, err := writer.NewJSONWriterFromWriter(schemaString, &b, 4)
	if err != nil {
		return nil, fmt.Errorf("error in NewJSONWriterFromWriter: %w", err)
	}

	for _, row := range rows {
		rowBytes, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("error in json.Marshal of flat row: %w", err)
		}
		err = pw.Write(rowBytes)
		if err != nil {
			return nil, fmt.Errorf("error in pw.Write for row %s: %w", string(rowBytes), err)
		}
	}
	err = pw.WriteStop()
	if err != nil {
		return nil, fmt.Errorf("error in pw.WriteStop: %w", err)
	}

	return b.Bytes(), nil
}

// ReadRows parses a parquet file back into flat rows keyed by column name.
// Optional columns come back dereferenced, absent values are omitted.
func ReadRows(data []byte) ([]map[string]any, error) {
	fr, err := buffer.NewBufferFile(data)
	if err != nil {
		return nil, fmt.Errorf("error in NewBufferFile: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, nil, 4)
	if err != nil {
		return nil, fmt.Errorf("error in NewParquetReader: %w", err)
	}
	defer pr.ReadStop()

	numRows := int(pr.GetNumRows())
	structRows, err := pr.ReadByNumber(numRows)
	if err != nil {
		return nil, fmt.Errorf("error in pr.ReadByNumber: %w", err)
	}

	// Struct -> Map (not very efficient right now)
	rows := make([]map[string]any, 0, len(structRows))
	for _, row := range structRows {
		rowMap := make(map[string]any)
		v := reflect.ValueOf(row)
		typeOf := v.Type()
		for i := 0; i < v.NumField(); i++ {
			fieldVal := v.Field(i)
			if fieldVal.Kind() == reflect.Ptr {
				if fieldVal.IsNil() {
					continue
				}
				fieldVal = fieldVal.Elem()
			}
			rowMap[typeOf.Field(i).Name] = fieldVal.Interface()
		}
		rows = append(rows, rowMap)
	}
	return rows, nil
}
