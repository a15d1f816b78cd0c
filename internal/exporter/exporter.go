package exporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"printerstatus/internal/status"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

const (
	nodeSheet       = "Printer Status"
	connectionSheet = "Connection"
)

var nodeHeaders = []string{"Name", "NodeID", "Status", "Value"}

// ParseFormat accepts a format name in any case. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatCSV, FormatJSON, FormatXLSX:
		return f, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json; charset=utf-8"
}

// FileName names a download taken at t.
func (f Format) FileName(t time.Time) string {
	return fmt.Sprintf("printer-status-%s.%s", t.UTC().Format("20060102-150405"), f)
}

// Document is a snapshot together with the time it was taken.
type Document struct {
	ExportedAt time.Time       `json:"exportedAt"`
	Status     status.Snapshot `json:"status"`
}

// Write encodes snap in format f to w.
func Write(w io.Writer, f Format, snap status.Snapshot, at time.Time) error {
	doc := Document{ExportedAt: at.UTC(), Status: snap}
	switch f {
	case FormatCSV:
		return writeCSV(w, doc)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatXLSX:
		return writeXLSX(w, doc)
	}
	return fmt.Errorf("unsupported export format %q", f)
}

func writeCSV(w io.Writer, doc Document) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(nodeHeaders); err != nil {
		return err
	}
	for _, n := range doc.Status.Nodes {
		if err := cw.Write(nodeRow(n)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, doc Document) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", nodeSheet); err != nil {
		return err
	}
	for i, h := range nodeHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(nodeSheet, cell, h); err != nil {
			return err
		}
	}
	for r, n := range doc.Status.Nodes {
		for c, v := range nodeRow(n) {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(nodeSheet, cell, v); err != nil {
				return err
			}
		}
	}

	if _, err := f.NewSheet(connectionSheet); err != nil {
		return err
	}
	rows := [][2]any{
		{"Exported At", doc.ExportedAt.Format(time.RFC3339)},
		{"Connected", doc.Status.Connected},
		{"Endpoint", doc.Status.Endpoint},
		{"Error", doc.Status.Error},
	}
	for i, kv := range rows {
		if err := f.SetCellValue(connectionSheet, fmt.Sprintf("A%d", i+1), kv[0]); err != nil {
			return err
		}
		if err := f.SetCellValue(connectionSheet, fmt.Sprintf("B%d", i+1), kv[1]); err != nil {
			return err
		}
	}
	_, err := f.WriteTo(w)
	return err
}

func nodeRow(n status.NodeStatus) []string {
	return []string{n.Name, n.NodeID, string(n.Status), formatValue(n.RawValue)}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	return fmt.Sprint(v)
}
