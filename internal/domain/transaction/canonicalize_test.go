package transaction

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCanonicalize(t *testing.T) {
	d := decimal.RequireFromString

	tests := []struct {
		name     string
		amount   string
		conv     SignConvention
		transfer bool
		want     Canonical
	}{
		{"Teller debit", "-50.00", OutflowNegative, false, Canonical{d("50"), TypeExpense, DirectionOutflow}},
		{"Teller credit", "1200.10", OutflowNegative, false, Canonical{d("1200.1"), TypeIncome, DirectionInflow}},
		{"Plaid purchase", "12.34", OutflowPositive, false, Canonical{d("12.34"), TypeExpense, DirectionOutflow}},
		{"Plaid refund", "-8.00", OutflowPositive, false, Canonical{d("8"), TypeIncome, DirectionInflow}},
		{"Teller transfer out", "-300", OutflowNegative, true, Canonical{d("300"), TypeTransfer, DirectionOutflow}},
		{"Plaid transfer in", "-300", OutflowPositive, true, Canonical{d("300"), TypeTransfer, DirectionInflow}},
		{"Zero is inflow", "0", OutflowPositive, false, Canonical{d("0"), TypeIncome, DirectionInflow}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Canonicalize(d(tt.amount), tt.conv, tt.transfer)
			if !got.Amount.Equal(tt.want.Amount) || got.Type != tt.want.Type || got.Direction != tt.want.Direction {
				t.Errorf("Canonicalize(%s, %s) = %+v, want %+v", tt.amount, tt.conv, got, tt.want)
			}
			if got.Amount.IsNegative() {
				t.Error("canonical amount must never be negative")
			}
			if !ConsistentDirection(got.Type, got.Direction) {
				t.Errorf("inconsistent type/direction: %s/%s", got.Type, got.Direction)
			}
		})
	}
}

func TestCanonicalize_SameMoneyAcrossConventions(t *testing.T) {
	// A $50 purchase reported by both providers lands identically.
	teller := Canonicalize(decimal.RequireFromString("-50"), OutflowNegative, false)
	plaid := Canonicalize(decimal.RequireFromString("50"), OutflowPositive, false)
	if !teller.Amount.Equal(plaid.Amount) || teller.Type != plaid.Type || teller.Direction != plaid.Direction {
		t.Errorf("teller %+v != plaid %+v", teller, plaid)
	}
}

func TestIsTransferKind(t *testing.T) {
	for _, k := range []string{"transfer", "wire", "TRANSFER_IN", " transfer_out "} {
		if !IsTransferKind(k) {
			t.Errorf("IsTransferKind(%q) = false", k)
		}
	}
	for _, k := range []string{"card_payment", "ach", "", "FOOD_AND_DRINK"} {
		if IsTransferKind(k) {
			t.Errorf("IsTransferKind(%q) = true", k)
		}
	}
}

func TestEffect(t *testing.T) {
	amt := decimal.RequireFromString("50")
	if got := Effect(amt, DirectionOutflow, StatusPosted); !got.Equal(decimal.RequireFromString("-50")) {
		t.Errorf("outflow effect = %s", got)
	}
	if got := Effect(amt, DirectionInflow, StatusPending); !got.Equal(amt) {
		t.Errorf("inflow effect = %s", got)
	}
	if got := Effect(amt, DirectionOutflow, StatusCancelled); !got.IsZero() {
		t.Errorf("cancelled effect = %s", got)
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]Status{
		"pending":  StatusPending,
		"POSTED":   StatusPosted,
		"canceled": StatusCancelled,
		"":         StatusPosted,
	}
	for in, want := range tests {
		if got := NormalizeStatus(in); got != want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCreateParams_Validate(t *testing.T) {
	base := CreateParams{
		ID:              "tx-1",
		UserID:          1,
		AccountID:       "acc-1",
		Amount:          decimal.RequireFromString("10"),
		Type:            TypeExpense,
		Direction:       DirectionOutflow,
		TransactionDate: mustDate("2026-02-01"),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	neg := base
	neg.Amount = decimal.RequireFromString("-10")
	if err := neg.Validate(); err == nil {
		t.Error("expected error for negative amount")
	}

	mismatch := base
	mismatch.Direction = DirectionInflow
	if err := mismatch.Validate(); err == nil {
		t.Error("expected error for expense with inflow direction")
	}
}

func mustDate(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}
