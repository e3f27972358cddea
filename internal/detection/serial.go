package detection

import "strings"

// ctaAlphabet is the ANSI/CTA-2063-A character set: digits and upper-case
// letters without I and O.
const ctaAlphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// ValidCTASerial checks the structure of an ANSI/CTA-2063-A physical serial
// number: a 4-character manufacturer code, a length code 1-F, and a
// manufacturer serial of exactly that length.
func ValidCTASerial(serial string) bool {
	s := strings.ToUpper(strings.TrimSpace(serial))
	if len(s) < 6 || len(s) > 20 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(ctaAlphabet, r) {
			return false
		}
	}
	n := strings.IndexByte("0123456789ABCDEF", s[4])
	if n < 1 {
		return false
	}
	return len(s[5:]) == n
}
