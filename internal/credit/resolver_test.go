package credit

import (
	"errors"
	"testing"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

func TestDecodeWrappedSymbol(t *testing.T) {
	cases := map[string]string{
		"aEthWETH":  "ETH",
		"aWethDAI":  "WETH",
		"aWbtcUSDC": "WBTC",
		"aLINK":     "L",
		"alinkusdc": "LINKUSDC",
		"aX":        "X",
		"a":         "",
		"":          "",
	}
	for raw, want := range cases {
		if got := DecodeWrappedSymbol(raw); got != want {
			t.Errorf("DecodeWrappedSymbol(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestResolverRegistrySelection(t *testing.T) {
	reg := DefaultResolvers()

	if got := reg.For("compound_v2"); got != (ExactResolver{}) {
		t.Fatalf("compound_v2 resolver = %#v, want ExactResolver", got)
	}
	if got := reg.For("aave_v2"); got != (WrappedResolver{}) {
		t.Fatalf("aave_v2 resolver = %#v, want plain WrappedResolver", got)
	}
	if got := reg.For("aave_v3_polygon"); got != (WrappedResolver{DecodeSymbols: true}) {
		t.Fatalf("aave_v3_polygon resolver = %#v, want decoding WrappedResolver", got)
	}
}

func TestWrappedResolverMatch(t *testing.T) {
	var w WrappedResolver
	name, err := w.MatchCollateral("WETH", []string{"aEthUSDC", "aEthWETH"})
	if err != nil || name != "aEthWETH" {
		t.Fatalf("MatchCollateral = %q, %v", name, err)
	}
	if _, err := w.MatchCollateral("WETH", nil); !errors.Is(err, domain.ErrCollateralNotFound) {
		t.Fatalf("got %v, want ErrCollateralNotFound", err)
	}
}

type upperResolver struct{ ExactResolver }

func (upperResolver) DecodeLiquidationSymbol(raw string) string { return "X" + raw }

func TestCustomResolverPlugsIn(t *testing.T) {
	reg := NewResolverRegistry(nil)
	reg.Register("morpho", upperResolver{})
	o, err := NewObligor(1, 1, domain.DefaultMigrationParams(), WithResolvers(reg))
	if err != nil {
		t.Fatalf("NewObligor: %v", err)
	}
	o.AddCollateral(3, "XETH", "morpho_blue")
	if _, err := o.Apply(domain.LendingEvent{Type: domain.EventLiquidation, Symbol: "ETH", Amount: 1, Protocol: "morpho_blue"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := mustPosition(t, o, "morpho_blue").Collateral["XETH"]; got != 2 {
		t.Fatalf("collateral = %v, want 2", got)
	}
}
