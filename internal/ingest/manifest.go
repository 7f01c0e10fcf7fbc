package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"bulkimg/internal/models"
)

// Manifest column headers.
const (
	ColumnSerialNo    = "S. No"
	ColumnProductName = "Product Name"
	ColumnImageURLs   = "Input Image Urls"
)

var (
	ErrEmptyManifest   = errors.New("manifest is empty")
	ErrInvalidManifest = errors.New("invalid manifest")
)

// ParseManifest reads a CSV manifest with a header row. Header names are
// matched ignoring case and surrounding whitespace; unknown columns are
// ignored and missing ones yield the row defaults.
func ParseManifest(r io.Reader) ([]models.RowRecord, error) {
	const op = "ingest.ParseManifest"

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyManifest
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidManifest, err)
	}

	cols := map[string]int{}
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		key := normalizeHeader(h)
		if _, dup := cols[key]; !dup {
			cols[key] = i
		}
	}

	field := func(record []string, name string) string {
		i, ok := cols[normalizeHeader(name)]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var rows []models.RowRecord
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidManifest, err)
		}
		if blank(record) {
			continue
		}
		rows = append(rows, models.NewRowRecord(
			field(record, ColumnSerialNo),
			field(record, ColumnProductName),
			field(record, ColumnImageURLs),
		))
	}
	return rows, nil
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.Join(strings.Fields(h), " "))
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
