package tp_sl

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func series(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		out = append(out, d(v))
	}
	return out
}

func TestComputeTrailingStop_NotEnoughPrices(t *testing.T) {
	sl, moved := ComputeTrailingStop(d("95"), series("100", "101"), 20)
	if moved {
		t.Fatalf("expected moved=false")
	}
	if !sl.Equal(d("95")) {
		t.Fatalf("expected sl unchanged, got=%s", sl.String())
	}
}

func TestComputeTrailingStop_PrevNotRising_NoRaise(t *testing.T) {
	// prev (104) is below the one before it (105)
	sl, moved := ComputeTrailingStop(d("98"), series("100", "105", "104", "106"), 3)
	if moved {
		t.Fatalf("expected moved=false")
	}
	if !sl.Equal(d("98")) {
		t.Fatalf("expected sl unchanged, got=%s", sl.String())
	}
}

func TestComputeTrailingStop_RaiseToAverage(t *testing.T) {
	// window 100, 102, 104 => avg 102, prev 102 rose from 100
	sl, moved := ComputeTrailingStop(d("95"), series("100", "102", "104"), 3)
	if !moved {
		t.Fatalf("expected moved=true")
	}
	if !sl.Equal(d("102")) {
		t.Fatalf("expected sl=102, got=%s", sl.String())
	}
}

func TestComputeTrailingStop_ClampedToPrev(t *testing.T) {
	// avg of 110, 100, 101, 130 = 110.25 > prev 101 => clamp to 101
	sl, moved := ComputeTrailingStop(d("90"), series("110", "100", "101", "130"), 4)
	if !moved {
		t.Fatalf("expected moved=true")
	}
	if !sl.Equal(d("101")) {
		t.Fatalf("expected sl=101, got=%s", sl.String())
	}
}

func TestComputeTrailingStop_NeverLowers(t *testing.T) {
	sl, moved := ComputeTrailingStop(d("150"), series("100", "102", "104"), 3)
	if moved {
		t.Fatalf("expected moved=false")
	}
	if !sl.Equal(d("150")) {
		t.Fatalf("expected sl unchanged, got=%s", sl.String())
	}
}
