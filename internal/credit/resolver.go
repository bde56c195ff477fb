package credit

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// SymbolResolver handles the asset naming conventions of one protocol
// family.
type SymbolResolver interface {
	// DecodeLiquidationSymbol turns a raw liquidation feed symbol into the
	// collateral mnemonic the obligor is liquidated in.
	DecodeLiquidationSymbol(raw string) string
	// MatchCollateral picks the collateral asset a liquidation of asset
	// debits, given the position's collateral assets in deposit order.
	MatchCollateral(asset string, collateral []string) (string, error)
}

// ExactResolver uses symbols verbatim. A liquidation debits the collateral
// balance named by the event even if nothing was deposited under it.
type ExactResolver struct{}

func (ExactResolver) DecodeLiquidationSymbol(raw string) string { return raw }

func (ExactResolver) MatchCollateral(asset string, _ []string) (string, error) {
	return asset, nil
}

// WrappedResolver serves protocols that hold collateral as wrapped receipt
// tokens (aEthWETH for WETH). A liquidation debits the first collateral asset
// whose name contains the liquidated symbol.
type WrappedResolver struct {
	// DecodeSymbols strips the wrapper prefix from liquidation symbols
	// before matching.
	DecodeSymbols bool
}

func (w WrappedResolver) DecodeLiquidationSymbol(raw string) string {
	if !w.DecodeSymbols {
		return raw
	}
	return DecodeWrappedSymbol(raw)
}

func (WrappedResolver) MatchCollateral(asset string, collateral []string) (string, error) {
	for _, name := range collateral {
		if strings.Contains(name, asset) {
			return name, nil
		}
	}
	return "", fmt.Errorf("credit: %w: %q", domain.ErrCollateralNotFound, asset)
}

// DecodeWrappedSymbol extracts the collateral mnemonic from a liquidation
// symbol of the form <prefix char><Mnemonic><BorrowedAsset>. The mnemonic
// runs from index 1 up to the first upper-case character at or after index
// 2, and is returned upper-cased.
func DecodeWrappedSymbol(raw string) string {
	r := []rune(raw)
	if len(r) <= 2 {
		if len(r) < 2 {
			return ""
		}
		return strings.ToUpper(string(r[1:]))
	}
	end := 2
	for end < len(r) && !unicode.IsUpper(r[end]) {
		end++
	}
	return strings.ToUpper(string(r[1:end]))
}

// ResolverRegistry selects a SymbolResolver by matching markers against the
// protocol name. The longest marker contained in the name wins.
type ResolverRegistry struct {
	markers  map[string]SymbolResolver
	fallback SymbolResolver
}

// NewResolverRegistry returns a registry that answers fallback for
// protocols no marker matches.
func NewResolverRegistry(fallback SymbolResolver) *ResolverRegistry {
	if fallback == nil {
		fallback = ExactResolver{}
	}
	return &ResolverRegistry{markers: make(map[string]SymbolResolver), fallback: fallback}
}

// DefaultResolvers knows the Aave family: every Aave market matches wrapped
// collateral by substring, and v3 liquidation feeds also need decoding.
func DefaultResolvers() *ResolverRegistry {
	reg := NewResolverRegistry(ExactResolver{})
	reg.Register("aave", WrappedResolver{})
	reg.Register("aave_v3", WrappedResolver{DecodeSymbols: true})
	return reg
}

// Register binds marker to r.
func (reg *ResolverRegistry) Register(marker string, r SymbolResolver) {
	reg.markers[marker] = r
}

// For returns the resolver for protocol.
func (reg *ResolverRegistry) For(protocol string) SymbolResolver {
	best := ""
	var found SymbolResolver
	for marker, r := range reg.markers {
		if !strings.Contains(protocol, marker) {
			continue
		}
		if len(marker) > len(best) || (len(marker) == len(best) && marker < best) {
			best, found = marker, r
		}
	}
	if found == nil {
		return reg.fallback
	}
	return found
}
