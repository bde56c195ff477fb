package credit

import (
	"errors"
	"testing"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

func TestSimpleObligorRepayOnTime(t *testing.T) {
	s, err := NewSimpleObligor("0x1", 1, 1)
	if err != nil {
		t.Fatalf("NewSimpleObligor: %v", err)
	}
	id := s.AddLoan(100, 30)
	if id != "loan_1" {
		t.Fatalf("loan id = %s, want loan_1", id)
	}
	if !s.AddRepay(id, 40, 10) {
		t.Fatal("partial repay returned false")
	}
	if got := s.Borrower().Loans[0].Amount; got != 60 {
		t.Fatalf("amount after partial repay = %v, want 60", got)
	}
	if !s.AddRepay(id, 60, 20) {
		t.Fatal("final repay returned false")
	}
	b := s.Borrower()
	if b.Alpha != 2 || b.Loans[0].Status != domain.LoanFullyRepaid {
		t.Fatalf("alpha=%v status=%s, want 2/fully_repaid", b.Alpha, b.Loans[0].Status)
	}
	if s.AddRepay(id, 1, 25) {
		t.Fatal("repay on closed loan returned true")
	}
	st := s.Status()
	if st.NumLoans != 1 || st.TotalRepaid != 100 || !approx(st.ChanceOfDefault, 1.0/3) {
		t.Fatalf("status = %+v", st)
	}
}

func TestSimpleObligorLateRepayDefaults(t *testing.T) {
	s, _ := NewSimpleObligor("0x1", 1, 1)
	id := s.AddLoan(100, 30)
	s.AddRepay(id, 100, 31)
	if got := s.Borrower().Loans[0].Status; got != domain.LoanDefaulted {
		t.Fatalf("status = %s, want defaulted", got)
	}
}

func TestSimpleObligorLiquidation(t *testing.T) {
	s, _ := NewSimpleObligor("0x1", 1, 1)
	if err := s.AddLiquidation("loan_9"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	id := s.AddLoan(50, 10)
	if err := s.AddLiquidation(id); err != nil {
		t.Fatalf("AddLiquidation: %v", err)
	}
	b := s.Borrower()
	if b.Beta != 2 || b.Loans[0].Status != domain.LoanDefaulted {
		t.Fatalf("beta=%v status=%s, want 2/defaulted", b.Beta, b.Loans[0].Status)
	}
	if s.Probit() != 1.0/3 {
		t.Fatalf("probit = %v", s.Probit())
	}
}

func TestSimpleObligorDetachedRecord(t *testing.T) {
	s, _ := NewSimpleObligor("0x1", 1, 1)
	s.AddLoan(10, 1)
	b := s.Borrower()
	b.Loans[0].Amount = 0
	if s.Borrower().Loans[0].Amount != 10 {
		t.Fatal("record mutated through copy")
	}
	if _, err := NewSimpleObligor("0x1", 0, 1); !errors.Is(err, domain.ErrInvalidSeed) {
		t.Fatalf("got %v, want ErrInvalidSeed", err)
	}
}
