package credit

import (
	"fmt"
	"maps"
	"slices"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// PositionKey identifies a position by protocol and loan slot. Only slot 0
// (the perpetual position) is produced by the event handlers.
type PositionKey struct {
	Protocol string
	Slot     int
}

// PerpetualKey returns the key of the single perpetual position an obligor
// holds on protocol.
func PerpetualKey(protocol string) PositionKey {
	return PositionKey{Protocol: protocol}
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%d", k.Protocol, k.Slot)
}

// Position is one protocol-scoped aggregate of borrowed, outstanding and
// collateral balances, each keyed by asset symbol.
type Position struct {
	Key         PositionKey
	Status      domain.PositionStatus
	Borrowed    map[string]float64
	Outstanding map[string]float64
	Collateral  map[string]float64

	collateralOrder []string
}

func newPosition(key PositionKey) *Position {
	return &Position{
		Key:         key,
		Status:      domain.PositionOutstanding,
		Borrowed:    make(map[string]float64),
		Outstanding: make(map[string]float64),
		Collateral:  make(map[string]float64),
	}
}

// addCollateral adjusts a collateral balance by delta and returns the prior
// balance. Missing assets start at zero.
func (p *Position) addCollateral(asset string, delta float64) float64 {
	prior, ok := p.Collateral[asset]
	if !ok {
		p.collateralOrder = append(p.collateralOrder, asset)
	}
	p.Collateral[asset] = prior + delta
	return prior
}

// CollateralAssets lists collateral assets in first-deposit order.
func (p *Position) CollateralAssets() []string {
	return slices.Clone(p.collateralOrder)
}

// TotalOutstanding sums the outstanding debt across assets.
func (p *Position) TotalOutstanding() float64 {
	var total float64
	for _, v := range p.Outstanding {
		total += v
	}
	return total
}

// Snapshot returns a detached copy of the position.
func (p *Position) Snapshot() domain.PositionSnapshot {
	return domain.PositionSnapshot{
		Protocol:        p.Key.Protocol,
		Slot:            p.Key.Slot,
		Status:          p.Status,
		Borrowed:        maps.Clone(p.Borrowed),
		Outstanding:     maps.Clone(p.Outstanding),
		Collateral:      maps.Clone(p.Collateral),
		CollateralOrder: slices.Clone(p.collateralOrder),
	}
}

func positionFromSnapshot(s domain.PositionSnapshot) *Position {
	p := newPosition(PositionKey{Protocol: s.Protocol, Slot: s.Slot})
	if s.Status != "" {
		p.Status = s.Status
	}
	maps.Copy(p.Borrowed, s.Borrowed)
	maps.Copy(p.Outstanding, s.Outstanding)
	maps.Copy(p.Collateral, s.Collateral)
	seen := make(map[string]bool, len(s.CollateralOrder))
	for _, asset := range s.CollateralOrder {
		if _, ok := p.Collateral[asset]; ok && !seen[asset] {
			p.collateralOrder = append(p.collateralOrder, asset)
			seen[asset] = true
		}
	}
	// Assets missing from the recorded order go last, sorted.
	var rest []string
	for asset := range p.Collateral {
		if !seen[asset] {
			rest = append(rest, asset)
		}
	}
	slices.Sort(rest)
	p.collateralOrder = append(p.collateralOrder, rest...)
	return p
}

// Ledger owns an obligor's positions. Positions are created lazily and are
// never removed, settled or not.
type Ledger struct {
	positions map[PositionKey]*Position
	order     []PositionKey
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{positions: make(map[PositionKey]*Position)}
}

// FetchOrCreate returns the position at key, creating an empty outstanding
// one if none exists.
func (l *Ledger) FetchOrCreate(key PositionKey) *Position {
	if p, ok := l.positions[key]; ok {
		return p
	}
	p := newPosition(key)
	l.put(p)
	return p
}

// Lookup returns the position at key or an error wrapping
// domain.ErrPositionNotFound.
func (l *Ledger) Lookup(key PositionKey) (*Position, error) {
	p, ok := l.positions[key]
	if !ok {
		return nil, fmt.Errorf("credit: %w: %s", domain.ErrPositionNotFound, key)
	}
	return p, nil
}

// Settle marks the position fully repaid when its total outstanding debt is
// at or below zero. It returns false, leaving the position outstanding,
// otherwise or when no position exists.
func (l *Ledger) Settle(key PositionKey) bool {
	p, ok := l.positions[key]
	if !ok {
		return false
	}
	if p.TotalOutstanding() <= 0 {
		p.Status = domain.PositionFullyRepaid
		return true
	}
	p.Status = domain.PositionOutstanding
	return false
}

// Len returns the number of positions.
func (l *Ledger) Len() int { return len(l.positions) }

// Snapshots returns detached copies of every position in creation order.
func (l *Ledger) Snapshots() []domain.PositionSnapshot {
	out := make([]domain.PositionSnapshot, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.positions[k].Snapshot())
	}
	return out
}

func (l *Ledger) put(p *Position) {
	if _, ok := l.positions[p.Key]; !ok {
		l.order = append(l.order, p.Key)
	}
	l.positions[p.Key] = p
}
