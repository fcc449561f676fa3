package domain

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// AmountCents is unit × quantity rounded half away from zero to minor units.
func AmountCents(unitCents int64, qty decimal.Decimal) int64 {
	return decimal.NewFromInt(unitCents).Mul(qty).Round(0).IntPart()
}

// LineProfitCents computes total_profit for a line from its snapshot fields.
func LineProfitCents(item SaleItem) int64 {
	return item.SubtotalCents - AmountCents(item.CostPriceCents, item.Quantity)
}

// ValidQuantityScale reports whether qty fits in QuantityScale fractional digits.
func ValidQuantityScale(qty decimal.Decimal) bool {
	return qty.Equal(qty.Round(QuantityScale))
}

func NormalizeQuantity(qty decimal.Decimal) decimal.Decimal {
	return qty.Round(QuantityScale)
}

// SaleLineReference is the ledger reference of the movement derived from a sale line.
func SaleLineReference(saleReference string, lineNo int) string {
	return saleReference + "/" + strconv.Itoa(lineNo)
}

// FormatCents renders minor units with two decimals, e.g. 15828 as "158.28".
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
