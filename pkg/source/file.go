package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/epicast/epicast/pkg/dataset"
)

// FileSource reads case reports from a CSV export on disk. The first
// record is the header; columns map onto the canonical schema either by
// exact name or through ColumnMap.
type FileSource struct {
	// Path is the CSV file location (required).
	Path string

	// ColumnMap translates feed-specific header names to canonical
	// ones, e.g. {"State/UnionTerritory": "region", "Confirmed": "confirmed"}.
	// Headers already matching canonical names need no entry.
	ColumnMap map[string]string
}

func (f *FileSource) Name() string { return "file" }

// Fetch implements Source. Every data record becomes one table row keyed
// by the mapped header names; unmapped columns are carried through
// verbatim so Normalize can ignore them.
func (f *FileSource) Fetch(ctx context.Context) (dataset.Table, error) {
	if f.Path == "" {
		return dataset.Table{}, errors.New("file source: path is required")
	}
	if err := ctx.Err(); err != nil {
		return dataset.Table{}, err
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return dataset.Table{}, fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return dataset.Table{}, fmt.Errorf("read header from %s: %w", f.Path, err)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = f.canonical(h)
	}

	var rows []dataset.Row
	for {
		if err := ctx.Err(); err != nil {
			return dataset.Table{}, err
		}

		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return dataset.Table{}, fmt.Errorf("read %s: %w", f.Path, err)
		}

		row := make(dataset.Row, len(cols))
		for i, v := range record {
			if i < len(cols) {
				row[cols[i]] = v
			}
		}
		rows = append(rows, row)
	}

	return dataset.Table{Rows: rows}, nil
}

func (f *FileSource) canonical(header string) string {
	header = strings.TrimSpace(header)
	if mapped, ok := f.ColumnMap[header]; ok {
		return mapped
	}
	return strings.ToLower(header)
}
