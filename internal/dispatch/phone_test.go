package dispatch

import (
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestFormatToE164(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"555-123-4567", "+15551234567"},
		{"(555) 123-4567", "+15551234567"},
		{"5551234567", "+15551234567"},
		{"15551234567", "+15551234567"},
		{"+15551234567", "+15551234567"},
		{"+44 20 7946 0958", "+442079460958"},
		{"  +1 (555) 123-4567  ", "+15551234567"},
		{"911", "+911"},
		{"0044 20 7946 0958", "+00442079460958"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatToE164(tc.input), "input %q", tc.input)
	}
}

func TestFormatToE164_Shape(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		input := rapid.StringMatching(`[0-9 ()+.\-]{1,20}`).Draw(t, "input")
		if strings.IndexFunc(input, unicode.IsDigit) < 0 {
			t.Skip("no digits")
		}

		got := FormatToE164(input)

		if !strings.HasPrefix(got, "+") {
			t.Fatalf("PROPERTY VIOLATION: %q formatted to %q without + prefix", input, got)
		}
		for _, r := range got[1:] {
			if !unicode.IsDigit(r) {
				t.Fatalf("PROPERTY VIOLATION: %q formatted to %q with non-digit %q", input, got, r)
			}
		}
	})
}
