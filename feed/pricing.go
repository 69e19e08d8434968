package feed

import (
	"github.com/shopspring/decimal"
)

// PriceRecords computes one final price per record, in order.
//
// EUR: round(price * factor), UAH: round(price * factor * rate). Rounding is
// half-even (banker's) at the currency's configured places. A record with an
// unparsable price contributes zero.
func PriceRecords(records []CanonicalRecord, factor decimal.Decimal, currency Currency, rate decimal.Decimal, rounding Rounding) []decimal.Decimal {
	places := rounding.Places(currency)
	mult := factor
	if currency == UAH {
		mult = factor.Mul(rate)
	}
	out := make([]decimal.Decimal, len(records))
	for i, rec := range records {
		base := decimal.Zero
		if rec.Price.Valid {
			base = rec.Price.Decimal
		}
		out[i] = base.Mul(mult).RoundBank(places)
	}
	return out
}
