package observability

import "unicode"

// clean strips control characters and truncates value to limit runes.
func clean(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	out := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return string(out)
}

// SanitizeRoute makes a route pattern safe to log.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clean(route, 180)
}

// SanitizeMethod makes an HTTP method safe to log.
func SanitizeMethod(method string) string {
	return clean(method, 10)
}

// SanitizeID limits opaque identifiers (user, session, order) before logging.
func SanitizeID(id string) string {
	return clean(id, 64)
}
