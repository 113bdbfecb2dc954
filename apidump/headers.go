package apidump

// sensitiveRequestHeaders are redacted from request dumps.
var sensitiveRequestHeaders = map[string]struct{}{
	"Authorization":       {},
	"X-Api-Key":           {},
	"Api-Key":             {},
	"X-Auth-Token":        {},
	"Cookie":              {},
	"Proxy-Authorization": {},
}

// sensitiveResponseHeaders are redacted from response dumps. Names are in
// canonical form.
var sensitiveResponseHeaders = map[string]struct{}{
	"Set-Cookie":         {},
	"Www-Authenticate":   {},
	"Proxy-Authenticate": {},
}

// redactHeaderValue keeps the first and last 4 bytes of values of at least 8
// bytes, and the first and last byte of shorter ones.
func redactHeaderValue(value string) string {
	switch {
	case len(value) >= 8:
		return value[:4] + "..." + value[len(value)-4:]
	case len(value) >= 2:
		return value[:1] + "..." + value[len(value)-1:]
	default:
		return value
	}
}
