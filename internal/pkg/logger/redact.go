package logger

import "strings"

// MaskEmail produces the irreversible display form of an email address.
// "john.doe@example.com" → "jo***@example.com"
// Local parts of two characters or fewer are fully masked:
// "ab@example.com" → "***@example.com"
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}
