package routing

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	e164Regex   = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
	nonDigitRex = regexp.MustCompile(`\D`)
)

// FormatToE164 strips metadata such as "/TYPE=PLMN" and punctuation and returns the
// number with a leading '+'. The original string is returned alongside an error when
// the result is not a valid E.164 number.
func FormatToE164(number string) (string, error) {
	original := number
	number = strings.Split(number, "/")[0]

	cleaned := "+" + nonDigitRex.ReplaceAllString(strings.TrimLeft(number, "+"), "")
	if !e164Regex.MatchString(cleaned) {
		return original, fmt.Errorf("unable to format to E.164: %s", original)
	}
	return cleaned, nil
}

// digits reduces an address to the digits used for prefix comparison.
func digits(addr string) string {
	addr = strings.Split(addr, "/")[0]
	return nonDigitRex.ReplaceAllString(addr, "")
}
