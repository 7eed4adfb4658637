package patterns

import "regexp"

// Sensitive-value shapes and the fixed masks that replace them.
// Masking is idempotent: the mask strings do not themselves match the
// patterns they replace.
var (
	creditCardRe = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	ssnRe        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	apiKeyRe     = regexp.MustCompile(`\bsk-[a-zA-Z0-9_-]{16,}\b`)

	creditCardMask = "****-****-****-****"
	ssnMask        = "***-**-****"
	apiKeyMask     = "sk-****"
)

// Mask replaces sensitive-data shapes in text with fixed masks.
// Credit-card numbers become ****-****-****-****, SSNs ***-**-****,
// API-key shapes sk-****.
func Mask(text string) string {
	if text == "" {
		return text
	}
	masked := creditCardRe.ReplaceAllString(text, creditCardMask)
	masked = ssnRe.ReplaceAllString(masked, ssnMask)
	masked = apiKeyRe.ReplaceAllString(masked, apiKeyMask)
	return masked
}

// ContainsSensitiveShape reports whether text matches any of the
// masked value shapes, independent of the keyword sets.
func ContainsSensitiveShape(text string) bool {
	return creditCardRe.MatchString(text) || ssnRe.MatchString(text) || apiKeyRe.MatchString(text)
}
