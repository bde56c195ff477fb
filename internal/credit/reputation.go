// Package credit implements the obligor credit model: a Beta-distributed
// reputation driven by lending events, and the per-protocol position ledger
// those events mutate.
package credit

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// Delta is the evidence mass one qualifying event adds when the obligor
// already holds sumAB. It shrinks as evidence accumulates. sumAB must be
// positive.
func Delta(sumAB, c, xi float64) float64 {
	return c * math.Log1p(xi/sumAB)
}

// Reputation holds the good (Alpha) and bad (Beta) evidence masses.
// Alpha+Beta never exceeds the configured cap after a mutation.
type Reputation struct {
	alpha  float64
	beta   float64
	params domain.MigrationParams
}

// NewReputation seeds a reputation. Both masses must be positive.
func NewReputation(alpha, beta float64, params domain.MigrationParams) (*Reputation, error) {
	if !positive(alpha) || !positive(beta) {
		return nil, fmt.Errorf("%w: alpha=%v beta=%v", domain.ErrInvalidSeed, alpha, beta)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Reputation{alpha: alpha, beta: beta, params: params}, nil
}

// restoreReputation rebuilds a persisted reputation. Stickiness can floor one
// mass at zero, so only the sum has to stay positive.
func restoreReputation(alpha, beta float64, params domain.MigrationParams) (*Reputation, error) {
	if alpha < 0 || beta < 0 || !positive(alpha+beta) {
		return nil, fmt.Errorf("%w: alpha=%v beta=%v", domain.ErrInvalidSeed, alpha, beta)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Reputation{alpha: alpha, beta: beta, params: params}, nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// Alpha returns the good-evidence mass.
func (r *Reputation) Alpha() float64 { return r.alpha }

// Beta returns the bad-evidence mass.
func (r *Reputation) Beta() float64 { return r.beta }

// Params returns the migration coefficients in use.
func (r *Reputation) Params() domain.MigrationParams { return r.params }

func (r *Reputation) sum() float64 { return r.alpha + r.beta }

// ApplyOrigination records new borrowing as bad evidence.
func (r *Reputation) ApplyOrigination() {
	r.beta += Delta(r.sum(), r.params.C0, r.params.Xi0)
	r.stick()
}

// ApplyRepaymentCredit records a qualifying repayment or collateral top-up
// as good evidence.
func (r *Reputation) ApplyRepaymentCredit() {
	r.alpha += Delta(r.sum(), r.params.C1, r.params.Xi1)
	r.stick()
}

// ApplyLiquidationPenalty records a liquidation as bad evidence.
func (r *Reputation) ApplyLiquidationPenalty() {
	r.beta += Delta(r.sum(), r.params.C2, r.params.Xi2)
	r.stick()
}

// stick pulls both masses down by half the overshoot when their sum exceeds
// the cap, so recent events keep moving the estimate.
func (r *Reputation) stick() {
	diff := r.sum() - r.params.Cap
	if diff <= 0 {
		return
	}
	r.alpha = math.Min(math.Max(r.alpha-diff/2, 0), r.params.Cap)
	r.beta = math.Min(math.Max(r.beta-diff/2, 0), r.params.Cap)
}

// Probability is the mean of the Beta distribution, alpha/(alpha+beta).
func (r *Reputation) Probability() float64 {
	return r.alpha / r.sum()
}

// Score is the probability expressed as an integer percentage.
func (r *Reputation) Score() int {
	return toScore(r.Probability())
}

// Variance is the variance of the Beta distribution.
func (r *Reputation) Variance() float64 {
	s := r.sum()
	return (r.alpha * r.beta) / (s * s * (s + 1))
}

// ConfidenceInterval returns the scores at z standard deviations either side
// of the mean. Both bounds are floored at zero; the upper bound is not capped
// at one, so it can exceed 100 for near-certain obligors.
func (r *Reputation) ConfidenceInterval(z float64) (lower, upper int) {
	sd := math.Sqrt(r.Variance())
	p := r.Probability()
	return toScore(math.Max(p-z*sd, 0)), toScore(math.Max(p+z*sd, 0))
}

// toScore rounds half to even.
func toScore(p float64) int {
	return int(math.RoundToEven(100 * p))
}
