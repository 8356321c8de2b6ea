package market

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/risk-engine/internal/config"
)

func TestParse_Perp(t *testing.T) {
	m, err := Parse("BTC-USD-PERP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Base != "BTC" || m.Quote != "USD" || m.Kind != KindPerp {
		t.Errorf("unexpected parse: %+v", m)
	}
	if !m.Expiry.IsZero() {
		t.Errorf("perpetual should have no expiry, got %s", m.Expiry)
	}
}

func TestParse_Dated(t *testing.T) {
	m, err := Parse("ETH-USDC-FUT-20261225")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC)
	if !m.Expiry.Equal(want) {
		t.Errorf("expected expiry %s, got %s", want, m.Expiry)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	invalid := []string{
		"",
		"BTCUSD",
		"btc-usd-perp",
		"BTC-USD",
		"BTC-USD-PERP-20261231",
		"BTC-USD-FUT",
		"BTC-USD-OUT-2026123",
		"BTC-USD-FUT-20261340",
	}
	for _, s := range invalid {
		if _, err := Parse(s); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("%q: expected ErrInvalidSymbol, got %v", s, err)
		}
	}
}

func TestParse_InvalidKind(t *testing.T) {
	_, err := Parse("BTC-USD-SWAP")
	if !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, got %v", err)
	}
}

func TestImpactModel_OutcomeUsesLMSR(t *testing.T) {
	out, _ := Parse("BTC-USD-OUT-20261231")
	if got := out.ImpactModel(config.ImpactLinear); got != config.ImpactLMSR {
		t.Errorf("outcome market should use lmsr, got %s", got)
	}
	perp, _ := Parse("BTC-USD-PERP")
	if got := perp.ImpactModel(config.ImpactLinear); got != config.ImpactLinear {
		t.Errorf("perp should keep configured model, got %s", got)
	}
}

func TestSharesBase(t *testing.T) {
	if !SharesBase("BTC-USD-PERP", "BTC-USDT-FUT-20261225") {
		t.Error("BTC markets should share a base")
	}
	if SharesBase("BTC-USD-PERP", "ETH-USD-PERP") {
		t.Error("BTC and ETH should not share a base")
	}
	if SharesBase("BTC-USD-PERP", "garbage") {
		t.Error("unparseable symbols share nothing")
	}
}
