// Package report implements the reporting role: a read-only aggregation of a
// job's results and its export formats.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/xuri/excelize/v2"
)

// Format is an export format of a summary.
type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts json, xlsx or excel, case-insensitively. Empty means json.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatXLSX, "excel":
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("unsupported format %q", s)
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

// Summarize aggregates the results of job. It never mutates the job.
func Summarize(job *types.Job, now time.Time) types.Summary {
	results := job.Results.Clone()
	return types.Summary{
		JobID: job.ID,
		Total: results.Total(),
		Counts: map[types.Decision]int{
			types.DecisionInclude: len(results.Include),
			types.DecisionExclude: len(results.Exclude),
			types.DecisionMaybe:   len(results.Maybe),
		},
		Studies:     results,
		GeneratedAt: now.UTC(),
	}
}

// Write renders s in format f.
func Write(w io.Writer, f Format, s types.Summary) error {
	switch f {
	case FormatXLSX:
		return WriteXLSX(w, s)
	case FormatJSON, "":
		return WriteJSON(w, s)
	}
	return fmt.Errorf("unsupported format %q", f)
}

// WriteJSON renders s as indented JSON.
func WriteJSON(w io.Writer, s types.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("json write: %w", err)
	}
	return nil
}

const (
	summarySheet = "Summary"
	studiesSheet = "Studies"
)

var buckets = []types.Decision{types.DecisionInclude, types.DecisionExclude, types.DecisionMaybe}

// WriteXLSX renders s as a workbook with a Summary sheet of counts and a
// Studies sheet listing every study id with its bucket.
func WriteXLSX(w io.Writer, s types.Summary) error {
	f := excelize.NewFile()
	defer f.Close()

	// NewFile starts with Sheet1.
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}
	if _, err := f.NewSheet(studiesSheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}

	rows := [][]any{
		{"Job", string(s.JobID)},
		{"Generated", s.GeneratedAt.Format(time.RFC3339)},
		{"Total", s.Total},
	}
	for _, d := range buckets {
		rows = append(rows, []any{strings.ToUpper(string(d[:1])) + string(d[1:]), s.Counts[d]})
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("xlsx row: %w", err)
		}
	}

	header := []any{"Study ID", "Decision"}
	if err := f.SetSheetRow(studiesSheet, "A1", &header); err != nil {
		return fmt.Errorf("xlsx row: %w", err)
	}
	row := 2
	for _, d := range buckets {
		for _, id := range bucketOf(s.Studies, d) {
			cell, _ := excelize.CoordinatesToCellName(1, row)
			values := []any{id, string(d)}
			if err := f.SetSheetRow(studiesSheet, cell, &values); err != nil {
				return fmt.Errorf("xlsx row: %w", err)
			}
			row++
		}
	}

	_ = f.SetColWidth(summarySheet, "A", "A", 14)
	_ = f.SetColWidth(summarySheet, "B", "B", 40)
	_ = f.SetColWidth(studiesSheet, "A", "A", 40)
	_ = f.SetColWidth(studiesSheet, "B", "B", 12)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func bucketOf(r types.Results, d types.Decision) []string {
	switch d {
	case types.DecisionInclude:
		return r.Include
	case types.DecisionExclude:
		return r.Exclude
	default:
		return r.Maybe
	}
}
