package billing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$0.00", FormatCents(0))
	assert.Equal(t, "$0.01", FormatCents(1))
	assert.Equal(t, "$25.00", FormatCents(2500))
	assert.Equal(t, "$26.37", FormatCents(2637))
	assert.Equal(t, "$1234.56", FormatCents(123456))
}

func TestDollarsToCents(t *testing.T) {
	assert.Equal(t, int64(2500), DollarsToCents(25.00))
	assert.Equal(t, int64(1), DollarsToCents(0.01))
	assert.Equal(t, int64(0), DollarsToCents(0))
	// Sub-cent provider costs round to the nearest cent.
	assert.Equal(t, int64(13), DollarsToCents(0.1251))
	assert.Equal(t, int64(12), DollarsToCents(0.1249))
}

// TestProperty_FormatCents_Shape tests the rendered amount shape
// *For any* non-negative cent amount, FormatCents SHALL produce a dollar
// sign followed by a number with exactly two decimal places.
func TestProperty_FormatCents_Shape(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cents := rapid.Int64Range(0, 1_000_000_000).Draw(rt, "cents")

		formatted := FormatCents(cents)

		if !strings.HasPrefix(formatted, "$") {
			t.Fatalf("PROPERTY VIOLATION: formatted amount %q should start with $", formatted)
		}
		dot := strings.LastIndex(formatted, ".")
		if dot == -1 || len(formatted)-dot-1 != 2 {
			t.Fatalf("PROPERTY VIOLATION: formatted amount %q should have exactly two decimal places", formatted)
		}
	})
}

// TestProperty_DollarsToCents_Roundtrip tests dollars-to-cents conversion
// *For any* whole-cent dollar amount, converting to cents and formatting
// back SHALL reproduce the amount exactly.
func TestProperty_DollarsToCents_Roundtrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cents := rapid.Int64Range(0, 100_000_000).Draw(rt, "cents")
		dollars := float64(cents) / 100

		got := DollarsToCents(dollars)

		if got != cents {
			t.Fatalf("PROPERTY VIOLATION: %d cents through dollars came back as %d", cents, got)
		}
	})
}

// TestProperty_DollarsToCents_Monotonic tests ordering preservation
// *For any* pair of non-negative dollar amounts, the larger amount SHALL
// never convert to fewer cents.
func TestProperty_DollarsToCents_Monotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.Float64Range(0, 1_000_000).Draw(rt, "a")
		b := rapid.Float64Range(0, 1_000_000).Draw(rt, "b")
		if a > b {
			a, b = b, a
		}

		if DollarsToCents(a) > DollarsToCents(b) {
			t.Fatalf("PROPERTY VIOLATION: DollarsToCents(%v) > DollarsToCents(%v)", a, b)
		}
	})
}
