package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// EventType is the kind of on-chain lending activity an event records.
type EventType string

const (
	EventBorrow      EventType = "borrow"
	EventDeposit     EventType = "deposit"
	EventRepay       EventType = "repay"
	EventWithdraw    EventType = "withdraw"
	EventLiquidation EventType = "liquidation"
)

// Known reports whether the scorer routes events of this type. Unknown types
// are skipped during replay.
func (t EventType) Known() bool {
	switch t {
	case EventBorrow, EventDeposit, EventRepay, EventWithdraw, EventLiquidation:
		return true
	}
	return false
}

// LendingEvent is one borrow, deposit, repay, withdraw or liquidation
// performed by an obligor on a lending protocol.
type LendingEvent struct {
	ID        string    `json:"id,omitempty"`
	Obligor   string    `json:"obligor,omitempty"`
	Protocol  string    `json:"protocol,omitempty"`
	Timestamp int64     `json:"timestamp"`
	LogIndex  int64     `json:"logIndex"`
	Type      EventType `json:"type"`
	Symbol    string    `json:"symbol"`
	Amount    float64   `json:"amount"`
	TxHash    string    `json:"tx_hash,omitempty"`
}

// UnmarshalJSON accepts amount as either a JSON number or a numeric string,
// since subgraph and CSV exports disagree on the encoding. Fields the event
// does not model are ignored.
func (e *LendingEvent) UnmarshalJSON(data []byte) error {
	type alias LendingEvent
	aux := struct {
		*alias
		Amount decimal.Decimal `json:"amount"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	e.Amount = aux.Amount.InexactFloat64()
	return nil
}

// Less orders events by timestamp, then by log index within the same block.
func (e LendingEvent) Less(o LendingEvent) bool {
	if e.Timestamp != o.Timestamp {
		return e.Timestamp < o.Timestamp
	}
	return e.LogIndex < o.LogIndex
}
