package model

// Columns is the fixed header of the export sink, in row order.
var Columns = [6]string{"Région", "AOC", "Producteur", "Millésime", "Cuvée", "Format"}

// WineItem is one purchased wine. Only the first six fields are exported.
type WineItem struct {
	Region      string
	Appellation string
	Producer    string
	Vintage     string
	Cuvee       string
	Format      string

	Color     string
	Quantity  string
	UnitPrice string
}

// Row maps the item onto the export columns.
func (w WineItem) Row() Row {
	return Row{w.Region, w.Appellation, w.Producer, w.Vintage, w.Cuvee, w.Format}
}

// Row is one line of the export sink, ordered as Columns.
type Row [6]string

// ExtractionResult is the classifier verdict for one email.
type ExtractionResult struct {
	IsOrder     bool
	OrderNumber string
	TotalPrice  string
	Items       []WineItem
}

// NewExtractionResult builds a result. Items are dropped unless isOrder is set.
func NewExtractionResult(isOrder bool, items []WineItem) ExtractionResult {
	if !isOrder {
		return ExtractionResult{}
	}
	return ExtractionResult{IsOrder: true, Items: items}
}

// NotOrder is the fail-closed verdict.
func NotOrder() ExtractionResult {
	return ExtractionResult{}
}

// Rows returns one row per item, preserving item order.
func (r ExtractionResult) Rows() []Row {
	if !r.IsOrder || len(r.Items) == 0 {
		return nil
	}
	rows := make([]Row, 0, len(r.Items))
	for _, item := range r.Items {
		rows = append(rows, item.Row())
	}
	return rows
}
