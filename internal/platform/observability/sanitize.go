package observability

import (
	"strings"
	"unicode"
)

// Log field limits. Routes carry order and refund ids, actors carry customer
// ids; both end up in Cloud Logging so they are stripped of control
// characters and capped before leaving the process.
const (
	routeFieldLimit = 180
	actorFieldLimit = 64
	tokenFieldLimit = 10
)

func clampLogValue(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if limit > 0 && len(cleaned) > limit {
		runes := []rune(cleaned)
		if len(runes) > limit {
			cleaned = string(runes[:limit])
		}
	}
	return cleaned
}

// SanitizeRoute prepares a route pattern for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clampLogValue(route, routeFieldLimit)
}

// SanitizeMethod prepares an HTTP method for logging.
func SanitizeMethod(method string) string {
	return clampLogValue(method, tokenFieldLimit)
}

// SanitizeUserID caps actor identifiers so a hostile header cannot flood a
// log entry.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return clampLogValue(uid, actorFieldLimit)
}
