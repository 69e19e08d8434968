package feed

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// CanonicalRecord is one inventory line in the supplier-independent schema.
// Price is invalid when the raw value could not be parsed.
type CanonicalRecord struct {
	Code    string
	Unicode string
	Brand   string
	Name    string
	Stock   int
	Price   decimal.NullDecimal
}

// Resolved column positions; -1 means unmapped.
type resolvedColumns struct {
	code, unicode, brand, name, stock, price int
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// resolveColumns applies the column defaults: the fixed six-column layout when
// no map is configured, otherwise unicode falls back to code, name to brand and
// stock to the availability column.
func resolveColumns(layout LayoutConfig) resolvedColumns {
	m := layout.Columns
	if m == nil {
		return resolvedColumns{code: 0, unicode: 1, brand: 2, name: 3, stock: 4, price: 5}
	}
	rc := resolvedColumns{
		code:  intOr(m.Code, -1),
		brand: intOr(m.Brand, -1),
		price: intOr(m.Price, -1),
	}
	rc.unicode = intOr(m.Unicode, rc.code)
	rc.name = intOr(m.Name, rc.brand)
	stockDefault := -1
	if layout.StockColumnIndex != nil {
		stockDefault = *layout.StockColumnIndex
	}
	rc.stock = intOr(m.Stock, stockDefault)
	return rc
}

func field(fields []string, idx int) string {
	if idx < 0 || idx >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[idx])
}

// StandardizeRow maps one normalized row into a CanonicalRecord.
func StandardizeRow(fields []string, layout LayoutConfig) CanonicalRecord {
	return standardizeRow(fields, resolveColumns(layout), len(fields)-1)
}

func standardizeRow(fields []string, cols resolvedColumns, last int) CanonicalRecord {
	rec := CanonicalRecord{
		Code:  field(fields, cols.code),
		Brand: field(fields, cols.brand),
	}
	if cols.unicode == cols.code {
		rec.Unicode = rec.Code
	} else {
		rec.Unicode = field(fields, cols.unicode)
	}
	if cols.name == cols.brand {
		rec.Name = rec.Brand
	} else {
		rec.Name = field(fields, cols.name)
	}
	stockIdx := cols.stock
	if stockIdx < 0 {
		stockIdx = last
	}
	rec.Stock = parseStock(field(fields, stockIdx))
	rec.Price = ParsePrice(field(fields, cols.price))
	return rec
}

func parseStock(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ParsePrice reads supplier price text: "," becomes ".", then everything but
// digits and "." is stripped. "12,50 zł" parses as 12.50. Unparsable input
// yields an invalid NullDecimal.
func ParsePrice(s string) decimal.NullDecimal {
	s = strings.ReplaceAll(s, ",", ".")
	var b strings.Builder
	for _, c := range s {
		if (c >= '0' && c <= '9') || c == '.' {
			b.WriteRune(c)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// Standardize drains rr into canonical records. Rows are never rejected here;
// missing columns become empty fields and bad numbers default.
func Standardize(rr *RowReader, layout LayoutConfig) ([]CanonicalRecord, error) {
	cols := resolveColumns(layout)
	var out []CanonicalRecord
	for rr.Next() {
		fields := rr.Fields()
		out = append(out, standardizeRow(fields, cols, len(fields)-1))
	}
	return out, rr.Err()
}
