package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/modfin/henry/slicez"
	"github.com/modfin/utskick"
)

var ErrNoHeader = errors.New("csv has no header row")

const bom = "\ufeff"

// ReadCSV reads a dataset where the first row holds the column names.
// Rows shorter than the header lack the trailing columns, blank lines are skipped.
func ReadCSV(r io.Reader) (utskick.Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return utskick.Dataset{}, ErrNoHeader
	}
	if err != nil {
		return utskick.Dataset{}, fmt.Errorf("could not read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], bom)
	}
	header = slicez.Map(header, strings.TrimSpace)

	ds := utskick.Dataset{Headers: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return utskick.Dataset{}, fmt.Errorf("could not read row %d: %w", len(ds.Rows)+1, err)
		}
		if blank(rec) {
			continue
		}

		row := utskick.Row{}
		for i, v := range rec {
			if i >= len(header) || header[i] == "" {
				continue
			}
			row[header[i]] = strings.TrimSpace(v)
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}

func ReadCSVFile(path string) (utskick.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return utskick.Dataset{}, err
	}
	defer f.Close()
	return ReadCSV(f)
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
