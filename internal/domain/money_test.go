package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestLineProfitUsesSnapshotCost(t *testing.T) {
	item := SaleItem{
		PriceCents:     2500,
		CostPriceCents: 1800,
		Quantity:       decimal.RequireFromString("1.5"),
		SubtotalCents:  3750,
	}
	if got := LineProfitCents(item); got != 1050 {
		t.Fatalf("expected profit 1050, got %d", got)
	}
}

func TestAmountCentsRoundsHalfAwayFromZero(t *testing.T) {
	if got := AmountCents(333, decimal.RequireFromString("0.5")); got != 167 {
		t.Fatalf("expected 167, got %d", got)
	}
}

func TestSaleStatusRankMovesForward(t *testing.T) {
	if SaleStatusRank(SaleStatusRefunded) <= SaleStatusRank(SaleStatusPaid) {
		t.Fatalf("refunded must rank after paid")
	}
	if SaleStatusRank("bogus") != 0 {
		t.Fatalf("unknown status must rank zero")
	}
}

func TestSaleLineReference(t *testing.T) {
	if got := SaleLineReference("abc", 2); got != "abc/2" {
		t.Fatalf("unexpected reference %q", got)
	}
}

func TestValidQuantityScale(t *testing.T) {
	if !ValidQuantityScale(decimal.RequireFromString("1.250")) {
		t.Fatalf("expected three fractional digits to be valid")
	}
	if ValidQuantityScale(decimal.RequireFromString("0.0005")) {
		t.Fatalf("expected four fractional digits to be rejected")
	}
}

func TestFormatCents(t *testing.T) {
	cases := map[int64]string{0: "0.00", 5: "0.05", 15828: "158.28", -1050: "-10.50"}
	for cents, want := range cases {
		if got := FormatCents(cents); got != want {
			t.Fatalf("FormatCents(%d) = %q, want %q", cents, got, want)
		}
	}
}
