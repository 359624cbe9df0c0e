// Package dataset loads the tabular trip data, drops incomplete rows, scales
// features and target, and splits it into train, validation and test sets.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrUnknownColumn is returned when a configured column is not in the header.
var ErrUnknownColumn = errors.New("unknown column")

// Table is a CSV file kept as strings until columns are selected.
type Table struct {
	Header  []string
	Records [][]string
	index   map[string]int
}

// ParseCSV reads a CSV with a header row. Records whose width differs from
// the header are skipped.
func ParseCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	t := &Table{Header: make([]string, len(header)), index: make(map[string]int, len(header))}
	for i, col := range header {
		col = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
		t.Header[i] = col
		t.index[col] = i
	}

	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}
		if len(record) != len(header) {
			continue
		}
		t.Records = append(t.Records, record)
	}
	return t, nil
}

func (t *Table) Index(name string) (int, error) {
	i, ok := t.index[name]
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	return i, nil
}

// Numeric extracts the named columns as floats. A row is dropped when any of
// its selected cells is empty, a missing-value marker, not a number or not
// finite. It returns the kept rows and the number dropped.
func (t *Table) Numeric(columns []string) ([][]float64, int, error) {
	idx := make([]int, len(columns))
	for k, name := range columns {
		i, err := t.Index(name)
		if err != nil {
			return nil, 0, err
		}
		idx[k] = i
	}

	rows := make([][]float64, 0, len(t.Records))
	dropped := 0
	for _, record := range t.Records {
		row := make([]float64, len(idx))
		ok := true
		for k, i := range idx {
			v, valid := parseCell(record[i])
			if !valid {
				ok = false
				break
			}
			row[k] = v
		}
		if !ok {
			dropped++
			continue
		}
		rows = append(rows, row)
	}
	return rows, dropped, nil
}

func parseCell(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "n/a", "nan", "null", "none":
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
