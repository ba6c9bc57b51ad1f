package images

import (
	"path/filepath"
	"regexp"
	"strings"
)

// tokenRules are tried in order; the first one producing a token of at
// least three characters wins.
var tokenRules = []*regexp.Regexp{
	regexp.MustCompile(`\d{7,}`),
	regexp.MustCompile(`\d{5,}`),
	regexp.MustCompile(`[A-Za-z0-9]{5,}`),
	regexp.MustCompile(`[A-Za-z]+\d+`),
	regexp.MustCompile(`\d+[A-Za-z]+`),
	regexp.MustCompile(`[_\-\s.]([A-Za-z0-9]+)[_\-\s.]`),
	regexp.MustCompile(`^([A-Za-z0-9]+)`),
	regexp.MustCompile(`[A-Za-z0-9]{3,}`),
}

// ExtractToken guesses the part code embedded in an image file name.
// "ACME_80447527_front.jpg" yields "80447527". Returns "" when nothing fits.
func ExtractToken(filename string) string {
	base := filepath.Base(filename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	for _, re := range tokenRules {
		m := re.FindStringSubmatch(stem)
		if m == nil {
			continue
		}
		tok := m[0]
		if len(m) > 1 {
			tok = m[1]
		}
		if len(tok) >= 3 {
			return tok
		}
	}
	return ""
}
