package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// BorrowerService is what the borrower handler needs.
type BorrowerService interface {
	Register(ctx context.Context, address string, alpha, beta float64) (domain.BorrowerStatus, error)
	Status(ctx context.Context, address string) (domain.BorrowerStatus, error)
	Borrower(ctx context.Context, address string) (domain.Borrower, error)
	AddLoan(ctx context.Context, address string, amount, tenor float64) (string, error)
	Repay(ctx context.Context, address, loanID string, amount, repaidAt float64) (domain.BorrowerStatus, error)
	Liquidate(ctx context.Context, address, loanID string) (domain.BorrowerStatus, error)
}

// BorrowerHandler serves the add-one borrower registry.
type BorrowerHandler struct {
	borrowers BorrowerService
	logger    *slog.Logger
}

// NewBorrowerHandler creates a BorrowerHandler.
func NewBorrowerHandler(borrowers BorrowerService, logger *slog.Logger) *BorrowerHandler {
	return &BorrowerHandler{borrowers: borrowers, logger: logger.With(slog.String("handler", "borrower"))}
}

type registerRequest struct {
	Address string  `json:"address"`
	Alpha   float64 `json:"alpha"`
	Beta    float64 `json:"beta"`
}

// Register creates a borrower.
// POST /api/borrowers
func (h *BorrowerHandler) Register(w http.ResponseWriter, r *http.Request) {
	req := registerRequest{Alpha: 1, Beta: 1}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := h.borrowers.Register(r.Context(), req.Address, req.Alpha, req.Beta)
	if err != nil {
		writeServiceError(w, r, h.logger, "register borrower", err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

type borrowerResponse struct {
	domain.BorrowerStatus
	Loans []domain.Loan `json:"loans"`
}

// GetBorrower returns the borrower's status and loans.
// GET /api/borrowers/{address}
func (h *BorrowerHandler) GetBorrower(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	status, err := h.borrowers.Status(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "get borrower", err)
		return
	}
	b, err := h.borrowers.Borrower(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "get borrower", err)
		return
	}
	loans := b.Loans
	if loans == nil {
		loans = []domain.Loan{}
	}
	writeJSON(w, http.StatusOK, borrowerResponse{BorrowerStatus: status, Loans: loans})
}

type loanRequest struct {
	Amount float64 `json:"amount"`
	Tenor  float64 `json:"tenor"`
}

// AddLoan opens a loan.
// POST /api/borrowers/{address}/loans
func (h *BorrowerHandler) AddLoan(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.borrowers.AddLoan(r.Context(), r.PathValue("address"), req.Amount, req.Tenor)
	if err != nil {
		writeServiceError(w, r, h.logger, "add loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"loan_id": id})
}

type repaymentRequest struct {
	LoanID        string  `json:"loan_id"`
	Amount        float64 `json:"amount"`
	RepaymentTime float64 `json:"repayment_time"`
}

// Repay records a repayment.
// POST /api/borrowers/{address}/repayments
func (h *BorrowerHandler) Repay(w http.ResponseWriter, r *http.Request) {
	var req repaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := h.borrowers.Repay(r.Context(), r.PathValue("address"), req.LoanID, req.Amount, req.RepaymentTime)
	if err != nil {
		writeServiceError(w, r, h.logger, "repay", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type liquidationRequest struct {
	LoanID string `json:"loan_id"`
}

// Liquidate defaults a loan.
// POST /api/borrowers/{address}/liquidations
func (h *BorrowerHandler) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := h.borrowers.Liquidate(r.Context(), r.PathValue("address"), req.LoanID)
	if err != nil {
		writeServiceError(w, r, h.logger, "liquidate", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
