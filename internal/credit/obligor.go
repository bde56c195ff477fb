package credit

import (
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// BorrowMergePolicy decides how a borrow combines with existing debt in the
// same asset on the same protocol.
type BorrowMergePolicy string

const (
	// BorrowOverwrite treats each borrow event as restating the full debt
	// in that asset.
	BorrowOverwrite BorrowMergePolicy = "overwrite"
	// BorrowAccumulate adds each borrow to the existing debt.
	BorrowAccumulate BorrowMergePolicy = "accumulate"
)

// Valid reports whether p is a known policy.
func (p BorrowMergePolicy) Valid() bool {
	return p == BorrowOverwrite || p == BorrowAccumulate
}

// Option configures an Obligor.
type Option func(*Obligor)

// WithResolvers sets the symbol resolvers used for liquidations.
func WithResolvers(reg *ResolverRegistry) Option {
	return func(o *Obligor) {
		if reg != nil {
			o.resolvers = reg
		}
	}
}

// WithBorrowPolicy sets how repeated borrows of one asset combine.
func WithBorrowPolicy(p BorrowMergePolicy) Option {
	return func(o *Obligor) {
		if p.Valid() {
			o.policy = p
		}
	}
}

// Outcome classifies what Apply did with an event.
type Outcome int

const (
	// Applied means the event changed obligor state.
	Applied Outcome = iota
	// Ignored means the event type is not scored.
	Ignored
	// NoOp means the event had no valid target position and changed nothing.
	NoOp
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case NoOp:
		return "noop"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Obligor combines one borrower's reputation with its position ledger.
// An Obligor is not safe for concurrent use; callers serialise writes per
// obligor.
type Obligor struct {
	rep       *Reputation
	ledger    *Ledger
	resolvers *ResolverRegistry
	policy    BorrowMergePolicy

	seedAlpha float64
	seedBeta  float64
	events    int64
	lastEvent string
}

// NewObligor seeds an obligor with positive evidence masses.
func NewObligor(alpha, beta float64, params domain.MigrationParams, opts ...Option) (*Obligor, error) {
	rep, err := NewReputation(alpha, beta, params)
	if err != nil {
		return nil, err
	}
	return newObligor(rep, NewLedger(), alpha, beta, opts), nil
}

func newObligor(rep *Reputation, ledger *Ledger, seedAlpha, seedBeta float64, opts []Option) *Obligor {
	o := &Obligor{
		rep:       rep,
		ledger:    ledger,
		resolvers: DefaultResolvers(),
		policy:    BorrowOverwrite,
		seedAlpha: seedAlpha,
		seedBeta:  seedBeta,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddBorrow records new debt of amount in asset on protocol, creating the
// position if needed and reopening it if it was settled.
func (o *Obligor) AddBorrow(amount float64, asset, protocol string) {
	p := o.ledger.FetchOrCreate(PerpetualKey(protocol))
	switch o.policy {
	case BorrowAccumulate:
		p.Borrowed[asset] += amount
		p.Outstanding[asset] += amount
	default:
		p.Borrowed[asset] = amount
		p.Outstanding[asset] = amount
	}
	p.Status = domain.PositionOutstanding
	o.rep.ApplyOrigination()
}

// AddCollateral deposits amount of asset. A deposit of more than half the
// prior balance earns repayment credit.
func (o *Obligor) AddCollateral(amount float64, asset, protocol string) bool {
	p := o.ledger.FetchOrCreate(PerpetualKey(protocol))
	prior := p.addCollateral(asset, amount)
	if amount > 0.5*prior {
		o.rep.ApplyRepaymentCredit()
	}
	return true
}

// AddRepay pays down amount of asset debt. It returns false without changing
// anything when the protocol has no outstanding position or the asset was
// never borrowed on it.
//
// Once the remaining debt drops below half the borrowed baseline the obligor
// earns repayment credit and the baseline resets to the remaining debt. A
// position whose debt reaches zero is settled.
func (o *Obligor) AddRepay(amount float64, asset, protocol string) bool {
	key := PerpetualKey(protocol)
	p, err := o.ledger.Lookup(key)
	if err != nil || p.Status != domain.PositionOutstanding {
		return false
	}
	baseline, ok := p.Borrowed[asset]
	if !ok {
		return false
	}
	remaining := p.Outstanding[asset] - amount
	p.Outstanding[asset] = remaining
	if remaining < 0.5*baseline {
		o.rep.ApplyRepaymentCredit()
		p.Borrowed[asset] = remaining
	}
	if remaining <= 0 {
		o.ledger.Settle(key)
	}
	return true
}

// WithdrawCollateral removes amount of asset from an existing position. The
// balance is not floored, so over-withdrawal leaves it negative.
func (o *Obligor) WithdrawCollateral(amount float64, asset, protocol string) bool {
	p, err := o.ledger.Lookup(PerpetualKey(protocol))
	if err != nil {
		return false
	}
	p.addCollateral(asset, -amount)
	return true
}

// AddLiquidation debits amount of collateral and applies the liquidation
// penalty. It fails with domain.ErrPositionNotFound when the protocol has no
// position, and with domain.ErrCollateralNotFound when the protocol's
// resolver cannot match asset to any collateral. Nothing changes on error.
func (o *Obligor) AddLiquidation(amount float64, asset, protocol string) error {
	p, err := o.ledger.Lookup(PerpetualKey(protocol))
	if err != nil {
		return fmt.Errorf("liquidate %s on %s: %w", asset, protocol, err)
	}
	name, err := o.resolvers.For(protocol).MatchCollateral(asset, p.CollateralAssets())
	if err != nil {
		return fmt.Errorf("liquidate %s on %s: %w", asset, protocol, err)
	}
	p.addCollateral(name, -amount)
	o.rep.ApplyLiquidationPenalty()
	return nil
}

// Apply routes ev to its handler. Liquidation symbols are decoded by the
// protocol's resolver first. Errors are fatal for the event; see IsFatal.
func (o *Obligor) Apply(ev domain.LendingEvent) (Outcome, error) {
	ok := true
	switch ev.Type {
	case domain.EventBorrow:
		o.AddBorrow(ev.Amount, ev.Symbol, ev.Protocol)
	case domain.EventDeposit:
		ok = o.AddCollateral(ev.Amount, ev.Symbol, ev.Protocol)
	case domain.EventRepay:
		ok = o.AddRepay(ev.Amount, ev.Symbol, ev.Protocol)
	case domain.EventWithdraw:
		ok = o.WithdrawCollateral(ev.Amount, ev.Symbol, ev.Protocol)
	case domain.EventLiquidation:
		asset := o.resolvers.For(ev.Protocol).DecodeLiquidationSymbol(ev.Symbol)
		if err := o.AddLiquidation(ev.Amount, asset, ev.Protocol); err != nil {
			return NoOp, err
		}
	default:
		return Ignored, nil
	}
	if !ok {
		return NoOp, nil
	}
	o.events++
	o.lastEvent = ev.ID
	return Applied, nil
}

// IsFatal reports whether err marks an event that cannot be applied because
// the upstream record is inconsistent.
func IsFatal(err error) bool {
	return errors.Is(err, domain.ErrPositionNotFound) || errors.Is(err, domain.ErrCollateralNotFound)
}

// Alpha returns the good-evidence mass.
func (o *Obligor) Alpha() float64 { return o.rep.Alpha() }

// Beta returns the bad-evidence mass.
func (o *Obligor) Beta() float64 { return o.rep.Beta() }

// Probability returns the probability the obligor is a good credit.
func (o *Obligor) Probability() float64 { return o.rep.Probability() }

// Score returns the probability as a 0-100 score.
func (o *Obligor) Score() int { return o.rep.Score() }

// Variance returns the variance of the reputation distribution.
func (o *Obligor) Variance() float64 { return o.rep.Variance() }

// ConfidenceInterval returns the score bounds z standard deviations out.
func (o *Obligor) ConfidenceInterval(z float64) (lower, upper int) {
	return o.rep.ConfidenceInterval(z)
}

// Positions returns detached copies of every position.
func (o *Obligor) Positions() []domain.PositionSnapshot {
	return o.ledger.Snapshots()
}

// Position returns the perpetual position on protocol.
func (o *Obligor) Position(protocol string) (domain.PositionSnapshot, error) {
	p, err := o.ledger.Lookup(PerpetualKey(protocol))
	if err != nil {
		return domain.PositionSnapshot{}, err
	}
	return p.Snapshot(), nil
}

// EventCount returns the number of events applied.
func (o *Obligor) EventCount() int64 { return o.events }

// LastEvent returns the ID of the last applied event, or "".
func (o *Obligor) LastEvent() string { return o.lastEvent }

// Snapshot captures the obligor's state for persistence.
func (o *Obligor) Snapshot(address string) domain.ObligorSnapshot {
	return domain.ObligorSnapshot{
		Address:    address,
		SeedAlpha:  o.seedAlpha,
		SeedBeta:   o.seedBeta,
		Alpha:      o.rep.Alpha(),
		Beta:       o.rep.Beta(),
		Positions:  o.ledger.Snapshots(),
		EventCount: o.events,
		LastEvent:  o.lastEvent,
		UpdatedAt:  time.Now().UTC(),
	}
}

// Summary builds the API read model using a z-score of z for the interval.
func (o *Obligor) Summary(address string, z float64) domain.ScoreSummary {
	lower, upper := o.ConfidenceInterval(z)
	return domain.ScoreSummary{
		Address:     address,
		Score:       o.Score(),
		Probability: o.Probability(),
		Variance:    o.Variance(),
		Lower:       lower,
		Upper:       upper,
		Alpha:       o.Alpha(),
		Beta:        o.Beta(),
		EventCount:  o.events,
		Positions:   o.Positions(),
		UpdatedAt:   time.Now().UTC(),
	}
}

// Restore rebuilds an obligor from a snapshot.
func Restore(snap domain.ObligorSnapshot, params domain.MigrationParams, opts ...Option) (*Obligor, error) {
	rep, err := restoreReputation(snap.Alpha, snap.Beta, params)
	if err != nil {
		return nil, err
	}
	ledger := NewLedger()
	for _, ps := range snap.Positions {
		ledger.put(positionFromSnapshot(ps))
	}
	o := newObligor(rep, ledger, snap.SeedAlpha, snap.SeedBeta, opts)
	o.events = snap.EventCount
	o.lastEvent = snap.LastEvent
	return o, nil
}
