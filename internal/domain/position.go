package domain

// PositionStatus tracks whether a protocol position still carries debt.
type PositionStatus string

const (
	PositionOutstanding PositionStatus = "outstanding"
	PositionFullyRepaid PositionStatus = "fully_repaid"
)

// PositionSnapshot is a detached copy of one protocol-scoped loan aggregate.
// Balances may be negative when more was withdrawn or liquidated than the
// scorer saw deposited.
type PositionSnapshot struct {
	Protocol string             `json:"protocol"`
	Slot     int                `json:"slot"`
	Status   PositionStatus     `json:"status"`
	Borrowed map[string]float64 `json:"borrowed"`
	// Outstanding is the debt still owed per asset.
	Outstanding map[string]float64 `json:"outstanding"`
	Collateral  map[string]float64 `json:"collateral"`
	// CollateralOrder lists collateral assets in first-deposit order.
	CollateralOrder []string `json:"collateral_order,omitempty"`
}

// TotalOutstanding sums the outstanding debt across assets.
func (p PositionSnapshot) TotalOutstanding() float64 {
	var total float64
	for _, v := range p.Outstanding {
		total += v
	}
	return total
}
