package domain

import "time"

// ObligorSnapshot is the persisted state of one scored obligor.
type ObligorSnapshot struct {
	Address   string             `json:"address"`
	SeedAlpha float64            `json:"seed_alpha"`
	SeedBeta  float64            `json:"seed_beta"`
	Alpha     float64            `json:"alpha"`
	Beta      float64            `json:"beta"`
	Positions []PositionSnapshot `json:"positions"`
	// EventCount is the number of events applied since the seed.
	EventCount int64     `json:"event_count"`
	LastEvent  string    `json:"last_event,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ScoreSummary is the read model served to API clients.
type ScoreSummary struct {
	Address     string             `json:"address"`
	Score       int                `json:"score"`
	Probability float64            `json:"probability"`
	Variance    float64            `json:"variance"`
	Lower       int                `json:"lower"`
	Upper       int                `json:"upper"`
	Alpha       float64            `json:"alpha"`
	Beta        float64            `json:"beta"`
	EventCount  int64              `json:"event_count"`
	Positions   []PositionSnapshot `json:"positions,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ScoreUpdate is published on the signal bus after every applied event.
type ScoreUpdate struct {
	Address   string    `json:"address"`
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	Score     int       `json:"score"`
	Lower     int       `json:"lower"`
	Upper     int       `json:"upper"`
	At        time.Time `json:"at"`
}

// Signal bus channel and stream names.
const (
	ChannelScoreUpdates = "janka:scores"
	StreamScoreUpdates  = "janka:stream:scores"
)
