package domain

// LoanStatus is the lifecycle state of a fixed-tenor loan.
type LoanStatus string

const (
	LoanOutstanding LoanStatus = "outstanding"
	LoanFullyRepaid LoanStatus = "fully_repaid"
	LoanDefaulted   LoanStatus = "defaulted"
)

// Loan is a fixed-tenor loan tracked by the add-one borrower registry.
type Loan struct {
	ID             string     `json:"id"`
	Amount         float64    `json:"amount"`
	OriginalAmount float64    `json:"original_amount"`
	Tenor          float64    `json:"tenor"`
	Status         LoanStatus `json:"status"`
}

// Borrower is a registry entry scored with the add-one ruleset.
type Borrower struct {
	Address string  `json:"address"`
	Alpha   float64 `json:"alpha"`
	Beta    float64 `json:"beta"`
	Loans   []Loan  `json:"loans"`
}

// BorrowerStatus summarises a borrower's record.
type BorrowerStatus struct {
	Address string `json:"address"`
	// ChanceOfDefault is 1 minus the probability of good credit.
	ChanceOfDefault float64 `json:"chance_of_default"`
	NumLoans        int     `json:"num_loans"`
	TotalRepaid     float64 `json:"total_repaid"`
	Alpha           float64 `json:"alpha"`
	Beta            float64 `json:"beta"`
}
