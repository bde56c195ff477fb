package credit

import (
	"fmt"
	"slices"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// FatalPolicy decides what Replay does with an event that cannot be applied.
type FatalPolicy string

const (
	// FailFast stops the replay at the first fatal event.
	FailFast FatalPolicy = "abort"
	// SkipFatal records the fatal event in the report and continues.
	SkipFatal FatalPolicy = "skip"
)

// Valid reports whether p is a known policy.
func (p FatalPolicy) Valid() bool {
	return p == FailFast || p == SkipFatal
}

// ReplayOptions configures Replay.
type ReplayOptions struct {
	// Protocol, when set, is stamped on every event before it is applied.
	Protocol string
	OnFatal  FatalPolicy
}

// Rejection is an event Replay skipped under SkipFatal.
type Rejection struct {
	Event domain.LendingEvent `json:"event"`
	Error string              `json:"error"`
}

// Report tallies what a replay did.
type Report struct {
	Applied  int         `json:"applied"`
	Ignored  int         `json:"ignored"`
	NoOps    int         `json:"noops"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// Total returns the number of events seen.
func (r Report) Total() int {
	return r.Applied + r.Ignored + r.NoOps + len(r.Rejected)
}

// SortEvents returns a copy of events ordered by timestamp then log index.
// Ties keep their input order.
func SortEvents(events []domain.LendingEvent) []domain.LendingEvent {
	out := slices.Clone(events)
	slices.SortStableFunc(out, func(a, b domain.LendingEvent) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return out
}

// Replay sorts events and applies them to o in order. Under FailFast the
// first fatal event stops the replay and its error is returned with the
// report so far; events before it stay applied.
func Replay(o *Obligor, events []domain.LendingEvent, opts ReplayOptions) (Report, error) {
	var rep Report
	for _, ev := range SortEvents(events) {
		if opts.Protocol != "" {
			ev.Protocol = opts.Protocol
		}
		outcome, err := o.Apply(ev)
		if err != nil {
			if opts.OnFatal == SkipFatal && IsFatal(err) {
				rep.Rejected = append(rep.Rejected, Rejection{Event: ev, Error: err.Error()})
				continue
			}
			return rep, fmt.Errorf("credit: replay event ts=%d log=%d: %w", ev.Timestamp, ev.LogIndex, err)
		}
		switch outcome {
		case Applied:
			rep.Applied++
		case Ignored:
			rep.Ignored++
		case NoOp:
			rep.NoOps++
		}
	}
	return rep, nil
}

// ScoreEvents seeds a fresh obligor and replays events through it. This is
// the batch scoring entry point.
func ScoreEvents(events []domain.LendingEvent, seedAlpha, seedBeta float64, params domain.MigrationParams, opts ReplayOptions, obligorOpts ...Option) (*Obligor, Report, error) {
	o, err := NewObligor(seedAlpha, seedBeta, params, obligorOpts...)
	if err != nil {
		return nil, Report{}, err
	}
	rep, err := Replay(o, events, opts)
	if err != nil {
		return o, rep, err
	}
	return o, rep, nil
}
