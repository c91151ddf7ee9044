// Package export renders a document's history ledger as JSON, CSV or XLSX and
// stores the result in the archive.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"docledger/internal/archive"
	"docledger/internal/core"
	"docledger/pkg/domain"

	"github.com/xuri/excelize/v2"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

const sheetName = "history"

// ledgerColumns precede the content columns in tabular exports.
var ledgerColumns = []string{"id", "origin", "action", "version", "author", "date"}

// ParseFormat accepts a case-insensitive format name; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

func (f Format) contentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// Exporter writes ledger snapshots to an archive store.
type Exporter struct {
	ledger *core.HistoryLedger
	store  archive.Store
	clock  core.Clock
}

// New binds an exporter. A nil clock uses the wall clock.
func New(ledger *core.HistoryLedger, store archive.Store, clock core.Clock) *Exporter {
	if clock == nil {
		clock = core.ClockFunc(nil)
	}
	return &Exporter{ledger: ledger, store: store, clock: clock}
}

// Request describes one export. Columns names the content fields of tabular
// formats; when empty every field seen in the ledger is used, sorted.
type Request struct {
	OriginID string
	Format   Format
	Columns  []string
}

// Export renders the full ledger of req.OriginID and stores it under
// history/<origin>/<unix-nanos>.<ext>. An origin without any record is
// ErrNotFound.
func (e *Exporter) Export(ctx context.Context, req Request) (archive.Object, error) {
	if strings.TrimSpace(req.OriginID) == "" {
		return archive.Object{}, fmt.Errorf("export: origin id required")
	}
	format := req.Format
	if format == "" {
		format = FormatJSON
	}
	records, err := e.ledger.All(ctx, req.OriginID)
	if err != nil {
		return archive.Object{}, err
	}
	if len(records) == 0 {
		return archive.Object{}, fmt.Errorf("history of %s: %w", req.OriginID, core.ErrNotFound)
	}
	body, err := Render(records, format, req.Columns)
	if err != nil {
		return archive.Object{}, err
	}
	key := fmt.Sprintf("history/%s/%d.%s", req.OriginID, e.clock.Now().UnixNano(), format)
	obj, err := e.store.Put(ctx, key, bytes.NewReader(body), archive.PutOptions{
		ContentType: format.contentType(),
		Metadata: map[string]string{
			"origin":  req.OriginID,
			"records": strconv.Itoa(len(records)),
		},
	})
	if err != nil {
		return archive.Object{}, fmt.Errorf("store export %s: %w", key, err)
	}
	if obj.URL == "" {
		if url, err := e.store.PresignURL(ctx, key, 0); err == nil {
			obj.URL = url
		}
	}
	return obj, nil
}

// List returns the stored exports of originID.
func (e *Exporter) List(ctx context.Context, originID string) ([]archive.Object, error) {
	return e.store.List(ctx, "history/"+originID+"/")
}

// Render encodes records without storing them.
func Render(records []domain.HistoryRecord, format Format, columns []string) ([]byte, error) {
	switch format {
	case FormatJSON:
		return renderJSON(records)
	case FormatCSV, FormatXLSX:
		rows, err := tabulate(records, columns)
		if err != nil {
			return nil, err
		}
		if format == FormatCSV {
			return renderCSV(rows)
		}
		return renderXLSX(rows)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func renderJSON(records []domain.HistoryRecord) ([]byte, error) {
	if records == nil {
		records = []domain.HistoryRecord{}
	}
	return json.MarshalIndent(records, "", "  ")
}

// tabulate flattens records into a header row plus one row per record.
// Missing content fields render as empty cells.
func tabulate(records []domain.HistoryRecord, columns []string) ([][]string, error) {
	decoded := make([]map[string]any, len(records))
	for i, rec := range records {
		fields, err := rec.Content.Fields()
		if err != nil {
			return nil, fmt.Errorf("decode content of %s: %w", rec.ID, err)
		}
		decoded[i] = fields
	}
	if len(columns) == 0 {
		columns = contentColumns(decoded)
	}
	header := append(append([]string{}, ledgerColumns...), columns...)
	rows := [][]string{header}
	for i, rec := range records {
		author := ""
		if rec.Author != nil {
			author = *rec.Author
		}
		row := []string{
			rec.ID,
			rec.OriginID,
			string(rec.Action),
			strconv.FormatInt(rec.Version, 10),
			author,
			rec.Date.UTC().Format(time.RFC3339Nano),
		}
		for _, col := range columns {
			row = append(row, cell(decoded[i][col]))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func contentColumns(decoded []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, fields := range decoded {
		for k := range fields {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
}

func renderCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = true
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

func renderXLSX(rows [][]string) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := f.SetSheetRow(sheetName, cellRef, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
