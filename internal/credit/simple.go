package credit

import (
	"fmt"
	"slices"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// SimpleObligor scores a borrower of fixed-tenor loans with the add-one
// ruleset: every full repayment adds one to alpha and every liquidation adds
// one to beta.
type SimpleObligor struct {
	b domain.Borrower
}

// NewSimpleObligor starts a borrower with positive evidence masses.
func NewSimpleObligor(address string, alpha, beta float64) (*SimpleObligor, error) {
	if !positive(alpha) || !positive(beta) {
		return nil, fmt.Errorf("%w: alpha=%v beta=%v", domain.ErrInvalidSeed, alpha, beta)
	}
	return &SimpleObligor{b: domain.Borrower{Address: address, Alpha: alpha, Beta: beta}}, nil
}

// LoadSimpleObligor wraps a stored borrower record.
func LoadSimpleObligor(b domain.Borrower) *SimpleObligor {
	b.Loans = slices.Clone(b.Loans)
	return &SimpleObligor{b: b}
}

// Borrower returns a detached copy of the record.
func (s *SimpleObligor) Borrower() domain.Borrower {
	out := s.b
	out.Loans = slices.Clone(s.b.Loans)
	return out
}

// AddLoan opens a loan and returns its id.
func (s *SimpleObligor) AddLoan(amount, tenor float64) string {
	id := fmt.Sprintf("loan_%d", len(s.b.Loans)+1)
	s.b.Loans = append(s.b.Loans, domain.Loan{
		ID:             id,
		Amount:         amount,
		OriginalAmount: amount,
		Tenor:          tenor,
		Status:         domain.LoanOutstanding,
	})
	return id
}

func (s *SimpleObligor) loan(id string) *domain.Loan {
	for i := range s.b.Loans {
		if s.b.Loans[i].ID == id {
			return &s.b.Loans[i]
		}
	}
	return nil
}

// settleLoan closes an outstanding loan: fully repaid when paid within its
// tenor, defaulted when paid late.
func settleLoan(l *domain.Loan, repaidAt float64) bool {
	if l.Status != domain.LoanOutstanding {
		return false
	}
	if l.Tenor >= repaidAt {
		l.Status = domain.LoanFullyRepaid
	} else {
		l.Status = domain.LoanDefaulted
	}
	return true
}

// AddRepay pays amount off loanID at time repaidAt. It returns false when the
// loan does not exist or is no longer outstanding.
func (s *SimpleObligor) AddRepay(loanID string, amount, repaidAt float64) bool {
	l := s.loan(loanID)
	if l == nil || l.Status != domain.LoanOutstanding {
		return false
	}
	remaining := l.Amount - amount
	if remaining <= 0 {
		s.b.Alpha++
		l.Amount = 0
		settleLoan(l, repaidAt)
		return true
	}
	l.Amount = remaining
	return true
}

// AddLiquidation adds one to beta and defaults the loan. It returns an error
// wrapping domain.ErrNotFound for an unknown loan.
func (s *SimpleObligor) AddLiquidation(loanID string) error {
	l := s.loan(loanID)
	if l == nil {
		return fmt.Errorf("credit: loan %s: %w", loanID, domain.ErrNotFound)
	}
	s.b.Beta++
	settleLoan(l, l.Tenor+1)
	return nil
}

// Probit returns alpha/(alpha+beta).
func (s *SimpleObligor) Probit() float64 {
	return s.b.Alpha / (s.b.Alpha + s.b.Beta)
}

// Status summarises the borrower's record.
func (s *SimpleObligor) Status() domain.BorrowerStatus {
	var repaid float64
	for _, l := range s.b.Loans {
		repaid += l.OriginalAmount - l.Amount
	}
	return domain.BorrowerStatus{
		Address:         s.b.Address,
		ChanceOfDefault: 1 - s.Probit(),
		NumLoans:        len(s.b.Loans),
		TotalRepaid:     repaid,
		Alpha:           s.b.Alpha,
		Beta:            s.b.Beta,
	}
}
