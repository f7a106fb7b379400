// Package checkpoint durably records completed and errored items so a
// crashed or restarted run can resume by skipping what it already finished,
// instead of re-running an entire dataset.
package checkpoint

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const errorPrefix = "ERROR: "

const (
	colItemID         = "item_id"
	colInput          = "input"
	colExpectedOutput = "expected_output"
	colOutput         = "output"
	colTime           = "time"
	colTraceID        = "trace_id"
)

// Row is one item's checkpoint record.
type Row struct {
	ItemID         string
	Input          string
	ExpectedOutput string
	Output         string
	Time           string
	TraceID        string
	Errored        bool
	// MetricScores and MetricMeta are keyed by metric name; MetricMeta's
	// inner map is keyed by flattened meta key.
	MetricScores map[string]*float64
	MetricMeta   map[string]map[string]string
}

// Writer appends Rows to a CSV file. The header is fixed at the first
// write and never rewritten: metric and meta columns discovered after that
// point are silently dropped from later rows, resolving the source's own
// lazy-but-ambiguous behavior conservatively.
type Writer struct {
	mu            sync.Mutex
	file          *os.File
	csv           *csv.Writer
	metrics       []string
	metaColumns   []string
	headerWritten bool
}

// NewWriter opens path for append, creating it if necessary. metrics fixes
// the run's metric column order.
func NewWriter(path string, metrics []string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}

	return &Writer{file: f, csv: csv.NewWriter(f), metrics: append([]string(nil), metrics...)}, nil
}

// WriteRow appends one row, flushing and fsyncing before returning so a
// crash never leaves a partial row on disk.
func (w *Writer) WriteRow(row Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.headerWritten {
		w.metaColumns = collectMetaColumns(row, w.metrics)

		if err := w.csv.Write(buildHeader(w.metrics, w.metaColumns)); err != nil {
			return fmt.Errorf("checkpoint: write header: %w", err)
		}

		w.headerWritten = true
	}

	if err := w.csv.Write(buildRecord(row, w.metrics, w.metaColumns)); err != nil {
		return fmt.Errorf("checkpoint: write row %s: %w", row.ItemID, err)
	}

	w.csv.Flush()

	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("checkpoint: flush row %s: %w", row.ItemID, err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("checkpoint: sync row %s: %w", row.ItemID, err)
	}

	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.csv.Flush()

	return w.file.Close()
}

func scoreColumn(metric string) string { return metric + "_score" }

func metaColumn(metric, key string) string { return metric + "__meta__" + key }

func buildHeader(metrics, metaColumns []string) []string {
	header := []string{colItemID, colInput, colExpectedOutput, colOutput, colTime, colTraceID}

	for _, m := range metrics {
		header = append(header, scoreColumn(m))
	}

	header = append(header, metaColumns...)

	return header
}

// collectMetaColumns fixes the meta columns at first write: every
// "<metric>__meta__<key>" combination present on the first row, sorted for
// determinism.
func collectMetaColumns(row Row, metrics []string) []string {
	var columns []string

	for _, m := range metrics {
		keys := make([]string, 0, len(row.MetricMeta[m]))
		for k := range row.MetricMeta[m] {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		for _, k := range keys {
			columns = append(columns, metaColumn(m, k))
		}
	}

	return columns
}

func buildRecord(row Row, metrics, metaColumns []string) []string {
	record := []string{row.ItemID, row.Input, row.ExpectedOutput, row.Output, row.Time, row.TraceID}

	for _, m := range metrics {
		if score, ok := row.MetricScores[m]; ok && score != nil {
			record = append(record, strconv.FormatFloat(*score, 'f', -1, 64))
		} else {
			record = append(record, "")
		}
	}

	for _, col := range metaColumns {
		metric, key, _ := strings.Cut(col, "__meta__")
		record = append(record, row.MetricMeta[metric][key])
	}

	return record
}

// Resume is what a restart needs to skip already-processed items and
// repopulate the progress tracker with their history.
type Resume struct {
	Completed map[string]bool
	Errored   map[string]bool
	Rows      []Row
}

// LoadResume reads an existing checkpoint file at path, if any, and
// reconstructs the completed/errored item sets plus the raw rows so the
// scheduler can feed prior history back into the tracker. A missing file is
// not an error: it simply means there is nothing to resume.
func LoadResume(path string) (*Resume, error) {
	resume := &Resume{Completed: map[string]bool{}, Errored: map[string]bool{}}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return resume, nil
	}

	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}

	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		// An empty file has no header to read; treat it as "nothing to resume".
		return resume, nil //nolint:nilerr
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[col] = i
	}

	for {
		record, err := r.Read()
		if err != nil {
			break
		}

		row := recordToRow(record, colIndex)

		if strings.HasPrefix(row.Output, errorPrefix) {
			resume.Errored[row.ItemID] = true
			row.Errored = true
		} else {
			resume.Completed[row.ItemID] = true
		}

		resume.Rows = append(resume.Rows, row)
	}

	return resume, nil
}

func recordToRow(record []string, colIndex map[string]int) Row {
	get := func(col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}

		return record[i]
	}

	row := Row{
		ItemID:         get(colItemID),
		Input:          get(colInput),
		ExpectedOutput: get(colExpectedOutput),
		Output:         get(colOutput),
		Time:           get(colTime),
		TraceID:        get(colTraceID),
		MetricScores:   map[string]*float64{},
		MetricMeta:     map[string]map[string]string{},
	}

	for col, i := range colIndex {
		if i >= len(record) || record[i] == "" {
			continue
		}

		switch {
		case strings.HasSuffix(col, "_score") && !strings.Contains(col, "__meta__"):
			metric := strings.TrimSuffix(col, "_score")
			if v, err := strconv.ParseFloat(record[i], 64); err == nil {
				row.MetricScores[metric] = &v
			}
		case strings.Contains(col, "__meta__"):
			metric, key, ok := strings.Cut(col, "__meta__")
			if !ok {
				continue
			}

			if row.MetricMeta[metric] == nil {
				row.MetricMeta[metric] = map[string]string{}
			}

			row.MetricMeta[metric][key] = record[i]
		}
	}

	return row
}
