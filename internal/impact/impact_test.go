package impact

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/config"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Linear ---

func TestLinear_SellPushesPriceDown(t *testing.T) {
	m, err := NewLinear(d(0.0001))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 2,450,000 notional × 0.0001 bps = 245 bps.
	got, err := m.Apply(d(490000), d(2450000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := d(490000).Mul(d(0.9755))
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestLinear_BuyPushesPriceUp(t *testing.T) {
	m, _ := NewLinear(d(1))
	got, _ := m.Apply(d(100), d(-50))
	if !got.Equal(d(100.5)) {
		t.Errorf("expected 100.5, got %s", got)
	}
}

func TestLinear_ZeroVolumeNoMove(t *testing.T) {
	m, _ := NewLinear(d(5))
	got, _ := m.Apply(d(42), decimal.Zero)
	if !got.Equal(d(42)) {
		t.Errorf("expected unchanged price, got %s", got)
	}
}

func TestLinear_PriceStaysPositive(t *testing.T) {
	m, _ := NewLinear(d(1))
	got, _ := m.Apply(d(100), d(1e9))
	if !got.IsPositive() {
		t.Errorf("price must stay positive, got %s", got)
	}
}

func TestLinear_Monotonic(t *testing.T) {
	m, _ := NewLinear(d(0.5))
	prev := d(1000)
	for v := 0; v <= 20000; v += 250 {
		got, err := m.Apply(d(1000), decimal.NewFromInt(int64(v)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.GreaterThan(prev) {
			t.Fatalf("volume %d moved price up: %s > %s", v, got, prev)
		}
		prev = got
	}
}

func TestLinear_RejectsBadInput(t *testing.T) {
	if _, err := NewLinear(d(-1)); err == nil {
		t.Error("expected error for negative slope")
	}
	m, _ := NewLinear(d(1))
	if _, err := m.Apply(decimal.Zero, d(1)); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

// --- LMSR ---

func TestNewLMSR_InvalidLiquidity(t *testing.T) {
	for _, b := range []float64{0, -50} {
		if _, err := NewLMSR(d(b)); err != ErrInvalidLiquidity {
			t.Errorf("b=%v: expected ErrInvalidLiquidity, got %v", b, err)
		}
	}
}

func TestLMSR_PriceInitiallyFiftyFifty(t *testing.T) {
	m, _ := NewLMSR(d(100))
	if p := m.Price(d(0), d(0)); !p.Equal(d(0.5)) {
		t.Errorf("expected 0.5, got %s", p)
	}
}

func TestLMSR_SpreadRoundTrips(t *testing.T) {
	m, _ := NewLMSR(d(100))
	for _, p := range []float64{0.1, 0.35, 0.5, 0.8, 0.95} {
		got := m.Price(m.Spread(d(p)), decimal.Zero)
		if got.Sub(d(p)).Abs().GreaterThan(d(0.000001)) {
			t.Errorf("price %v round-tripped to %s", p, got)
		}
	}
}

func TestLMSR_SellingLowersPrice(t *testing.T) {
	m, _ := NewLMSR(d(100))
	got, err := m.Apply(d(0.6), d(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.LessThan(d(0.6)) {
		t.Errorf("selling should lower the YES price, got %s", got)
	}

	up, _ := m.Apply(d(0.6), d(-3))
	if !up.GreaterThan(d(0.6)) {
		t.Errorf("buying should raise the YES price, got %s", up)
	}
}

func TestLMSR_MonotonicAndBounded(t *testing.T) {
	m, _ := NewLMSR(d(50))
	prev := d(1)
	for v := 0; v <= 5000; v += 100 {
		got, err := m.Apply(d(0.7), decimal.NewFromInt(int64(v)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.GreaterThan(prev) {
			t.Fatalf("volume %d raised price: %s > %s", v, got, prev)
		}
		if got.LessThan(MinPrice) {
			t.Fatalf("price %s below floor", got)
		}
		prev = got
	}
}

func TestLMSR_ExtremeQuantitiesNoPanic(t *testing.T) {
	m, _ := NewLMSR(d(10))
	p := m.Price(d(1e6), d(-1e6))
	if !p.Equal(MaxPrice) {
		t.Errorf("expected clamp to MaxPrice, got %s", p)
	}
}

// --- Factory ---

func TestNew_SelectsModel(t *testing.T) {
	cfg := config.DefaultPolicy().Cascade
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.(*Linear); !ok {
		t.Errorf("expected *Linear, got %T", m)
	}

	cfg.ImpactModel = config.ImpactLMSR
	m, err = New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.(*LMSR); !ok {
		t.Errorf("expected *LMSR, got %T", m)
	}

	cfg.ImpactModel = "curve"
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalidPolicy) {
		t.Errorf("expected ErrInvalidPolicy, got %v", err)
	}
}
