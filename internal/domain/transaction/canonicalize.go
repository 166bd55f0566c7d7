package transaction

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SignConvention is how a provider encodes direction in its amounts.
type SignConvention int

const (
	// OutflowNegative: money leaving the account is negative (Teller).
	OutflowNegative SignConvention = iota
	// OutflowPositive: money leaving the account is positive (Plaid).
	OutflowPositive
)

func (c SignConvention) String() string {
	if c == OutflowPositive {
		return "outflow-positive"
	}
	return "outflow-negative"
}

// Canonical is the stored form of a provider amount.
type Canonical struct {
	Amount    decimal.Decimal
	Type      Type
	Direction Direction
}

// Canonicalize converts a signed provider amount into a magnitude plus
// type and direction. A zero amount is an inflow.
func Canonicalize(amount decimal.Decimal, conv SignConvention, transfer bool) Canonical {
	outflow := amount.IsNegative()
	if conv == OutflowPositive {
		outflow = amount.IsPositive()
	}

	c := Canonical{Amount: amount.Abs(), Direction: DirectionInflow, Type: TypeIncome}
	if outflow {
		c.Direction = DirectionOutflow
		c.Type = TypeExpense
	}
	if transfer {
		c.Type = TypeTransfer
	}
	return c
}

// IsTransferKind reports whether a provider transaction kind or category
// denotes a movement between accounts.
func IsTransferKind(kind string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "transfer", "wire", "transfer_in", "transfer_out", "ach_transfer":
		return true
	}
	return false
}

// NormalizeStatus maps provider status vocabulary onto Status.
func NormalizeStatus(s string) Status {
	switch strings.ToLower(s) {
	case "pending":
		return StatusPending
	case "cancelled", "canceled", "removed":
		return StatusCancelled
	default:
		return StatusPosted
	}
}
