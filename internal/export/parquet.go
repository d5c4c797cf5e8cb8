package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

const (
	ContentType = "application/vnd.apache.parquet"

	metadataColumns  = "querydesk.columns"
	metadataSQL      = "querydesk.sql"
	metadataQuestion = "querydesk.question"
)

type parquetRow struct {
	RowIndex    int64  `parquet:"row_index"`
	PayloadJSON string `parquet:"payload_json"`
}

// EncodeParquet writes one parquet row per result row. Each payload is a JSON
// object keyed by column name; repeated column names get a numeric suffix.
func EncodeParquet(req Request) ([]byte, error) {
	names := uniqueColumnNames(req.Columns)
	rows := make([]parquetRow, 0, len(req.Rows))
	for i, values := range req.Rows {
		if len(values) != len(names) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(values), len(names))
		}
		payload := make(map[string]any, len(names))
		for j, name := range names {
			payload[name] = values[j]
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
		rows = append(rows, parquetRow{RowIndex: int64(i), PayloadJSON: string(encoded)})
	}

	columnsJSON, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("encode column names: %w", err)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRow](buf,
		parquet.KeyValueMetadata(metadataColumns, string(columnsJSON)),
		parquet.KeyValueMetadata(metadataSQL, req.SQL),
		parquet.KeyValueMetadata(metadataQuestion, req.Question),
	)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func uniqueColumnNames(columns []string) []string {
	seen := make(map[string]int, len(columns))
	names := make([]string, 0, len(columns))
	for _, column := range columns {
		name := column
		for seen[name] > 0 {
			seen[column]++
			name = column + "_" + strconv.Itoa(seen[column])
		}
		seen[name]++
		names = append(names, name)
	}
	return names
}
