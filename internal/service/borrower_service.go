package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/jankascore/internal/credit"
	"github.com/alanyoungcy/jankascore/internal/domain"
)

// ErrLoanClosed is returned when a repayment targets a loan that is missing
// or already settled.
var ErrLoanClosed = errors.New("loan is not outstanding")

// BorrowerService runs the add-one borrower registry.
type BorrowerService struct {
	store   domain.BorrowerStore
	locks   domain.LockManager
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewBorrowerService creates a BorrowerService.
func NewBorrowerService(store domain.BorrowerStore, locks domain.LockManager, lockTTL time.Duration, logger *slog.Logger) *BorrowerService {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &BorrowerService{
		store:   store,
		locks:   locks,
		lockTTL: lockTTL,
		logger:  logger.With(slog.String("component", "borrower_service")),
	}
}

// Register adds a borrower with the given evidence masses.
func (s *BorrowerService) Register(ctx context.Context, address string, alpha, beta float64) (domain.BorrowerStatus, error) {
	addr, err := domain.NormalizeAddress(address)
	if err != nil {
		return domain.BorrowerStatus{}, err
	}
	so, err := credit.NewSimpleObligor(addr, alpha, beta)
	if err != nil {
		return domain.BorrowerStatus{}, err
	}
	if err := s.store.Create(ctx, so.Borrower()); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.BorrowerStatus{}, err
		}
		return domain.BorrowerStatus{}, fmt.Errorf("borrower_service: create %s: %w", addr, err)
	}
	s.logger.InfoContext(ctx, "borrower registered", slog.String("address", addr))
	return so.Status(), nil
}

// Status returns the borrower's summary.
func (s *BorrowerService) Status(ctx context.Context, address string) (domain.BorrowerStatus, error) {
	addr, err := domain.NormalizeAddress(address)
	if err != nil {
		return domain.BorrowerStatus{}, err
	}
	b, err := s.store.Get(ctx, addr)
	if err != nil {
		return domain.BorrowerStatus{}, err
	}
	return credit.LoadSimpleObligor(b).Status(), nil
}

// Borrower returns the full record including loans.
func (s *BorrowerService) Borrower(ctx context.Context, address string) (domain.Borrower, error) {
	addr, err := domain.NormalizeAddress(address)
	if err != nil {
		return domain.Borrower{}, err
	}
	return s.store.Get(ctx, addr)
}

// AddLoan opens a loan and returns its id.
func (s *BorrowerService) AddLoan(ctx context.Context, address string, amount, tenor float64) (string, error) {
	if amount <= 0 || tenor < 0 {
		return "", fmt.Errorf("%w: amount=%v tenor=%v", domain.ErrInvalidEvent, amount, tenor)
	}
	var id string
	err := s.mutate(ctx, address, func(so *credit.SimpleObligor) error {
		id = so.AddLoan(amount, tenor)
		return nil
	})
	return id, err
}

// Repay pays amount off loanID at repaidAt.
func (s *BorrowerService) Repay(ctx context.Context, address, loanID string, amount, repaidAt float64) (domain.BorrowerStatus, error) {
	var status domain.BorrowerStatus
	err := s.mutate(ctx, address, func(so *credit.SimpleObligor) error {
		if !so.AddRepay(loanID, amount, repaidAt) {
			return fmt.Errorf("%s: %w", loanID, ErrLoanClosed)
		}
		status = so.Status()
		return nil
	})
	return status, err
}

// Liquidate defaults loanID.
func (s *BorrowerService) Liquidate(ctx context.Context, address, loanID string) (domain.BorrowerStatus, error) {
	var status domain.BorrowerStatus
	err := s.mutate(ctx, address, func(so *credit.SimpleObligor) error {
		if err := so.AddLiquidation(loanID); err != nil {
			return err
		}
		status = so.Status()
		return nil
	})
	return status, err
}

// mutate loads the borrower under its lock, applies fn and stores the
// result. Nothing is stored when fn fails.
func (s *BorrowerService) mutate(ctx context.Context, address string, fn func(*credit.SimpleObligor) error) error {
	addr, err := domain.NormalizeAddress(address)
	if err != nil {
		return err
	}
	unlock, err := s.locks.Acquire(ctx, "borrower:"+addr, s.lockTTL)
	if err != nil {
		return fmt.Errorf("borrower_service: lock %s: %w", addr, err)
	}
	defer unlock()

	b, err := s.store.Get(ctx, addr)
	if err != nil {
		return err
	}
	so := credit.LoadSimpleObligor(b)
	if err := fn(so); err != nil {
		return err
	}
	if err := s.store.Update(ctx, so.Borrower()); err != nil {
		return fmt.Errorf("borrower_service: update %s: %w", addr, err)
	}
	return nil
}
