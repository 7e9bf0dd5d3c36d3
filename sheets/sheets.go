// Package sheets appends extracted wine rows to a Google Sheets worksheet.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/dhcgn/winesync/model"
)

const (
	valueInputOption = "USER_ENTERED"
	insertDataOption = "INSERT_ROWS"
	defaultTimeout   = 30 * time.Second
)

var ErrWorksheetNotFound = errors.New("worksheet not found")

type Options struct {
	SpreadsheetID   string
	Worksheet       string
	CredentialsFile string
	NormalizeFormat bool
	EnsureHeader    bool
	Timeout         time.Duration
}

// Exporter writes rows with the Sheets values.append API.
type Exporter struct {
	opts    Options
	service *sheetsapi.Service
	logger  *slog.Logger
}

// New authenticates with the service-account credentials file.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Exporter, error) {
	if opts.CredentialsFile == "" {
		return nil, fmt.Errorf("sheets credentials file is empty")
	}
	service, err := sheetsapi.NewService(ctx,
		option.WithCredentialsFile(opts.CredentialsFile),
		option.WithScopes(sheetsapi.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return NewWithService(service, opts, logger)
}

// NewWithService wraps an existing service, e.g. one pointed at a test endpoint.
func NewWithService(service *sheetsapi.Service, opts Options, logger *slog.Logger) (*Exporter, error) {
	if service == nil {
		return nil, fmt.Errorf("sheets service must not be nil")
	}
	if opts.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is empty")
	}
	if opts.Worksheet == "" {
		return nil, fmt.Errorf("worksheet name is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Exporter{opts: opts, service: service, logger: logger}, nil
}

// Check verifies that the spreadsheet is reachable and contains the worksheet.
// With EnsureHeader it also writes the column header into an empty sheet.
func (e *Exporter) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	spreadsheet, err := e.service.Spreadsheets.Get(e.opts.SpreadsheetID).
		Fields("properties.title", "sheets.properties.title").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("open spreadsheet %s: %w", e.opts.SpreadsheetID, err)
	}

	found := false
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == e.opts.Worksheet {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q in spreadsheet %s", ErrWorksheetNotFound, e.opts.Worksheet, e.opts.SpreadsheetID)
	}

	if e.logger != nil {
		title := ""
		if spreadsheet.Properties != nil {
			title = spreadsheet.Properties.Title
		}
		e.logger.Debug("spreadsheet reachable", "spreadsheet", title, "worksheet", e.opts.Worksheet)
	}

	if e.opts.EnsureHeader {
		return e.ensureHeader(ctx)
	}
	return nil
}

func (e *Exporter) ensureHeader(ctx context.Context) error {
	existing, err := e.service.Spreadsheets.Values.Get(e.opts.SpreadsheetID, e.sheetRange("A1:F1")).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read header row: %w", err)
	}
	if len(existing.Values) > 0 {
		return nil
	}

	header := make([]interface{}, len(model.Columns))
	for i, col := range model.Columns {
		header[i] = col
	}
	if err := e.append(ctx, [][]interface{}{header}); err != nil {
		return fmt.Errorf("write header row: %w", err)
	}
	if e.logger != nil {
		e.logger.Info("header row written", "worksheet", e.opts.Worksheet)
	}
	return nil
}

// Append writes rows in order in a single request. An empty slice is a no-op.
func (e *Exporter) Append(ctx context.Context, rows []model.Row) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	values := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		cells := make([]interface{}, len(row))
		for i, cell := range row {
			if i == len(row)-1 && e.opts.NormalizeFormat {
				cell = NormalizeFormat(cell)
			}
			cells[i] = cell
		}
		values = append(values, cells)
	}

	if err := e.append(ctx, values); err != nil {
		return fmt.Errorf("append %d rows: %w", len(rows), err)
	}
	if e.logger != nil {
		e.logger.Debug("rows appended", "worksheet", e.opts.Worksheet, "rows", len(rows))
	}
	return nil
}

func (e *Exporter) append(ctx context.Context, values [][]interface{}) error {
	_, err := e.service.Spreadsheets.Values.Append(
		e.opts.SpreadsheetID,
		e.sheetRange("A:F"),
		&sheetsapi.ValueRange{Values: values},
	).
		ValueInputOption(valueInputOption).
		InsertDataOption(insertDataOption).
		Context(ctx).
		Do()
	return err
}

func (e *Exporter) sheetRange(cells string) string {
	return fmt.Sprintf("'%s'!%s", strings.ReplaceAll(e.opts.Worksheet, "'", "''"), cells)
}

// NormalizeFormat maps a bottle format to its size in centilitres
// ("300", "150" or "75"). Unknown formats become "".
func NormalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch {
	case f == "":
		return ""
	case strings.Contains(f, "jeroboam") || strings.Contains(f, "jéroboam") || strings.Contains(f, "300"):
		return "300"
	case strings.Contains(f, "magnum") || strings.Contains(f, "150") || strings.Contains(f, "1.5") || strings.Contains(f, "1,5"):
		return "150"
	case strings.Contains(f, "75"):
		return "75"
	default:
		return ""
	}
}
