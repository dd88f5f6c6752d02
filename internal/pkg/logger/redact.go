package logger

import "strings"

// RedactEmail keeps the first two characters of the local part and the
// domain: "jane.doe@example.com" logs as "ja***@example.com".
func RedactEmail(addr string) string {
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || domain == "" || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
