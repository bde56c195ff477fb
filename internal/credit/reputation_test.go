package credit

import (
	"errors"
	"math"
	"testing"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

const eps = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) < eps
}

func TestDeltaPositiveAndDecreasing(t *testing.T) {
	p := domain.DefaultMigrationParams()
	pairs := [][2]float64{{p.C0, p.Xi0}, {p.C1, p.Xi1}, {p.C2, p.Xi2}}
	for _, cx := range pairs {
		prev := math.Inf(1)
		for _, sum := range []float64{0.01, 0.5, 1, 2, 10, 50, 199.9, 1000} {
			d := Delta(sum, cx[0], cx[1])
			if d <= 0 {
				t.Fatalf("Delta(%v, %v, %v) = %v, want > 0", sum, cx[0], cx[1], d)
			}
			if d >= prev {
				t.Fatalf("Delta not decreasing at sum=%v: %v >= %v", sum, d, prev)
			}
			prev = d
		}
	}
}

func TestNewReputationRejectsBadSeed(t *testing.T) {
	params := domain.DefaultMigrationParams()
	for _, seed := range [][2]float64{{0, 1}, {1, 0}, {-1, 2}, {0, 0}, {math.NaN(), 1}, {1, math.Inf(1)}} {
		if _, err := NewReputation(seed[0], seed[1], params); !errors.Is(err, domain.ErrInvalidSeed) {
			t.Fatalf("seed %v: got %v, want ErrInvalidSeed", seed, err)
		}
	}
}

func TestNewReputationRejectsBadParams(t *testing.T) {
	params := domain.DefaultMigrationParams()
	params.Cap = 0
	if _, err := NewReputation(1, 1, params); !errors.Is(err, domain.ErrInvalidParams) {
		t.Fatalf("got %v, want ErrInvalidParams", err)
	}
}

func TestOriginationMovesBeta(t *testing.T) {
	p := domain.DefaultMigrationParams()
	r, err := NewReputation(1, 1, p)
	if err != nil {
		t.Fatalf("NewReputation: %v", err)
	}
	r.ApplyOrigination()
	want := 1 + p.C0*math.Log(1+p.Xi0/2)
	if !approx(r.Beta(), want) || r.Alpha() != 1 {
		t.Fatalf("after origination alpha=%v beta=%v, want 1/%v", r.Alpha(), r.Beta(), want)
	}
}

func TestStickinessCapsEvidence(t *testing.T) {
	p := domain.DefaultMigrationParams()
	p.Cap = 10
	r, err := NewReputation(4, 5.5, p)
	if err != nil {
		t.Fatalf("NewReputation: %v", err)
	}
	steps := []func(){r.ApplyOrigination, r.ApplyRepaymentCredit, r.ApplyLiquidationPenalty}
	for i := 0; i < 300; i++ {
		steps[i%len(steps)]()
		if s := r.Alpha() + r.Beta(); s > p.Cap+eps {
			t.Fatalf("step %d: alpha+beta = %v exceeds cap %v", i, s, p.Cap)
		}
		if r.Alpha() < 0 || r.Beta() < 0 {
			t.Fatalf("step %d: negative mass alpha=%v beta=%v", i, r.Alpha(), r.Beta())
		}
	}
}

func TestStickinessFloorsAtZero(t *testing.T) {
	p := domain.DefaultMigrationParams()
	p.Cap = 10
	r := &Reputation{alpha: 0.1, beta: 14, params: p}
	r.stick()
	if r.Alpha() != 0 {
		t.Fatalf("alpha = %v, want 0", r.Alpha())
	}
	if r.Beta() != 10 {
		t.Fatalf("beta = %v, want clipped to cap 10", r.Beta())
	}
}

func TestProbabilityBounds(t *testing.T) {
	p := domain.DefaultMigrationParams()
	for _, seed := range [][2]float64{{1, 1}, {0.001, 150}, {150, 0.001}, {3, 7}} {
		r, err := NewReputation(seed[0], seed[1], p)
		if err != nil {
			t.Fatalf("NewReputation: %v", err)
		}
		if pr := r.Probability(); pr <= 0 || pr >= 1 {
			t.Fatalf("seed %v: probability %v not in (0,1)", seed, pr)
		}
	}
}

func TestVariance(t *testing.T) {
	r, err := NewReputation(2, 3, domain.DefaultMigrationParams())
	if err != nil {
		t.Fatalf("NewReputation: %v", err)
	}
	if want := 6.0 / (25 * 6); !approx(r.Variance(), want) {
		t.Fatalf("variance = %v, want %v", r.Variance(), want)
	}
}

func TestScoreRoundsHalfToEven(t *testing.T) {
	cases := []struct {
		p    float64
		want int
	}{
		{0.125, 12},
		{0.375, 38},
		{0.5, 50},
		{0.625, 62},
		{0, 0},
		{1, 100},
	}
	for _, tc := range cases {
		if got := toScore(tc.p); got != tc.want {
			t.Fatalf("toScore(%v) = %d, want %d", tc.p, got, tc.want)
		}
	}
}

func TestConfidenceIntervalBracketsScore(t *testing.T) {
	p := domain.DefaultMigrationParams()
	for _, seed := range [][2]float64{{1, 1}, {1, 2.0233}, {190, 1}, {1, 190}, {0.5, 0.5}, {100, 100}} {
		r, err := NewReputation(seed[0], seed[1], p)
		if err != nil {
			t.Fatalf("NewReputation: %v", err)
		}
		for _, z := range []float64{0, 1, 1.96, 2, 3} {
			lo, hi := r.ConfidenceInterval(z)
			if s := r.Score(); lo > s || s > hi {
				t.Fatalf("seed %v z=%v: interval (%d,%d) does not bracket score %d", seed, z, lo, hi, s)
			}
			if lo < 0 {
				t.Fatalf("seed %v z=%v: lower %d below zero", seed, z, lo)
			}
		}
	}
}

func TestConfidenceIntervalUpperNotCapped(t *testing.T) {
	r, err := NewReputation(190, 1, domain.DefaultMigrationParams())
	if err != nil {
		t.Fatalf("NewReputation: %v", err)
	}
	lo, hi := r.ConfidenceInterval(2)
	if lo != 98 || hi != 101 || r.Score() != 99 {
		t.Fatalf("interval (%d,%d) score %d, want (98,101) score 99", lo, hi, r.Score())
	}
}
