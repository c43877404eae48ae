package gwerr

import "regexp"

const maxDetailLen = 200

var (
	bearerRe = regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-_.~+/]+=*`)
	emailRe  = regexp.MustCompile(`([A-Za-z0-9._%+\-]+)@[A-Za-z0-9.\-]+`)
)

// Sanitize scrubs a user-visible detail string: raw JWTs and email hosts are
// redacted and the result is truncated to 200 characters.
func Sanitize(detail string) string {
	if detail == "" {
		return "An error occurred"
	}
	detail = bearerRe.ReplaceAllString(detail, "Bearer [REDACTED]")
	detail = emailRe.ReplaceAllString(detail, "$1@[REDACTED]")
	r := []rune(detail)
	if len(r) > maxDetailLen {
		detail = string(r[:maxDetailLen-1]) + "…"
	}
	return detail
}
