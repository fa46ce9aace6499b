package domain

import "fmt"

// Cents represents monetary values in cents (1/100 of a dollar).
// Using cents avoids floating-point precision issues while providing
// type safety for monetary operations throughout the system.
type Cents int64

const (
	// CentsPerDollar represents the number of cents in a dollar.
	CentsPerDollar = 100

	// MilliCentsPerCent is the number of milli-cents in one cent.
	MilliCentsPerCent = 1000
)

// String formats cents as a dollar amount (e.g., 150 → "$1.50").
func (c Cents) String() string { return fmt.Sprintf("$%.2f", float64(c)/CentsPerDollar) }

// IsZero returns true if the amount is zero.
func (c Cents) IsZero() bool { return c == 0 }

// Add returns the sum of two cent amounts.
func (c Cents) Add(x Cents) Cents { return c + x }

// MilliCents returns the amount expressed in milli-cents.
func (c Cents) MilliCents() MilliCents { return MilliCents(c) * MilliCentsPerCent }

// MilliCents is the unit the cost ledger records. Per-token prices are far
// below one cent, so individual calls are priced and summed in milli-cents
// and only rounded when compared against a ceiling expressed in Cents.
type MilliCents int64

// Cents converts to whole cents, rounding up so partial cents count as spend.
func (m MilliCents) Cents() Cents {
	if m <= 0 {
		return Cents(m / MilliCentsPerCent)
	}
	return Cents((m + MilliCentsPerCent - 1) / MilliCentsPerCent)
}

// String formats the amount in dollars with sub-cent precision.
func (m MilliCents) String() string {
	return fmt.Sprintf("$%.5f", float64(m)/(CentsPerDollar*MilliCentsPerCent))
}
