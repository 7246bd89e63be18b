package pricing

import (
	"strings"
	"testing"

	"github.com/arbiterai/costgate/internal/money"
	"github.com/arbiterai/costgate/internal/pkg/config"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := NewTable(config.PricingConfig{
		Default:             config.ModelPriceConfig{InputPer1K: "0.01", OutputPer1K: "0.03"},
		AssumedOutputTokens: 256,
		Models: map[string]config.ModelPriceConfig{
			"gpt-4":         {InputPer1K: "0.03", OutputPer1K: "0.06", AssumedOutputTokens: 512},
			"gpt-3.5-turbo": {InputPer1K: "0.0005", OutputPer1K: "0.0015"},
		},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return tbl
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 4000), 1000},
		{strings.Repeat("x", 4001), 1001},
	}

	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(len=%d) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestEstimateCost(t *testing.T) {
	tbl := testTable(t)

	// 1000 input at 0.03 + 500 output at 0.06 = 0.03 + 0.03 = 0.06
	got := tbl.EstimateCost("gpt-4", 1000, 500)
	want, _ := money.Parse("0.06")
	if got != want {
		t.Errorf("EstimateCost(gpt-4, 1000, 500) = %s, want %s", got, want)
	}

	// Fractional thousands round to six decimals.
	got = tbl.EstimateCost("gpt-3.5-turbo", 123, 77)
	want, _ = money.Parse("0.000177") // 0.123*0.0005 + 0.077*0.0015 = 0.0000615 + 0.0001155
	if got != want {
		t.Errorf("EstimateCost(gpt-3.5-turbo, 123, 77) = %s, want %s", got, want)
	}
}

func TestEstimateCostUnknownModelUsesDefault(t *testing.T) {
	tbl := testTable(t)

	if tbl.Known("some-new-model") {
		t.Fatal("model should be unknown")
	}

	// 2000 input at 0.01 + 1000 output at 0.03 = 0.02 + 0.03 = 0.05
	got := tbl.EstimateCost("some-new-model", 2000, 1000)
	want, _ := money.Parse("0.05")
	if got != want {
		t.Errorf("unknown model cost = %s, want %s", got, want)
	}
}

func TestAssumedOutputTokens(t *testing.T) {
	tbl := testTable(t)

	if got := tbl.AssumedOutputTokens("gpt-4"); got != 512 {
		t.Errorf("AssumedOutputTokens(gpt-4) = %d, want 512", got)
	}
	if got := tbl.AssumedOutputTokens("gpt-3.5-turbo"); got != 256 {
		t.Errorf("AssumedOutputTokens(gpt-3.5-turbo) = %d, want table default 256", got)
	}
	if got := tbl.AssumedOutputTokens("unknown"); got != 256 {
		t.Errorf("AssumedOutputTokens(unknown) = %d, want table default 256", got)
	}
}

func TestNewTableRejectsBadPrice(t *testing.T) {
	_, err := NewTable(config.PricingConfig{
		Models: map[string]config.ModelPriceConfig{
			"bad": {InputPer1K: "not-a-price"},
		},
	})
	if err == nil {
		t.Error("expected error for malformed price")
	}
}

func TestNewTableEmptyDefaultFallsBack(t *testing.T) {
	tbl, err := NewTable(config.PricingConfig{})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	// 1000/1000*0.01 + 1000/1000*0.03 = 0.04 at the documented defaults.
	got := tbl.EstimateCost("anything", 1000, 1000)
	want, _ := money.Parse("0.04")
	if got != want {
		t.Errorf("default-price cost = %s, want %s", got, want)
	}
}
