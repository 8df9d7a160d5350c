package dispatch

import "strings"

// FormatToE164 normalizes a free-form phone number to E.164. Numbers already
// carrying a + keep their digits as-is; bare 10-digit numbers are assumed to
// be US/Canada and get a +1.
func FormatToE164(phoneNumber string) string {
	var b strings.Builder
	for _, r := range phoneNumber {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if strings.HasPrefix(strings.TrimSpace(phoneNumber), "+") {
		return "+" + digits
	}
	if len(digits) == 10 {
		return "+1" + digits
	}
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		return "+" + digits
	}
	return "+" + digits
}
