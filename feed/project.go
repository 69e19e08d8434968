package feed

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Table is a projected record set ready for export. Cells hold string, int,
// int64, decimal.Decimal or nil.
type Table struct {
	Headers []string
	Rows    [][]any
	// PricePlaces fixes the rendered scale of decimal cells.
	PricePlaces int32
}

func sourceValue(from string, rec CanonicalRecord, price decimal.Decimal, supplierID *int64) any {
	switch strings.ToLower(strings.TrimSpace(from)) {
	case "code":
		return rec.Code
	case "unicode", "unicode_code":
		return rec.Unicode
	case "brand":
		return rec.Brand
	case "name":
		return rec.Name
	case "stock":
		return rec.Stock
	case "price", "final_price":
		return price
	case "supplier_id":
		if supplierID == nil {
			return nil
		}
		return *supplierID
	default:
		return nil
	}
}

// Project reshapes priced records into the declared output columns. Unknown
// source fields and a missing supplier id produce empty cells.
func Project(records []CanonicalRecord, prices []decimal.Decimal, columns []OutputColumn, supplierID *int64, places int32) Table {
	t := Table{
		Headers:     make([]string, len(columns)),
		Rows:        make([][]any, len(records)),
		PricePlaces: places,
	}
	for i, c := range columns {
		t.Headers[i] = c.Header
	}
	for i, rec := range records {
		price := decimal.Zero
		if i < len(prices) {
			price = prices[i]
		}
		row := make([]any, len(columns))
		for j, c := range columns {
			row[j] = sourceValue(c.From, rec, price, supplierID)
		}
		t.Rows[i] = row
	}
	return t
}

// CellText renders a cell the way the CSV exporter writes it.
func (t Table) CellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case decimal.Decimal:
		return x.StringFixed(t.PricePlaces)
	default:
		return ""
	}
}
