package events

import "regexp"

// sensitiveKey matches payload keys that must never reach the cockpit.
var sensitiveKey = regexp.MustCompile(`(?i)secret|token|password|apikey|api_key|OS_HTTP_SECRET|_KEY$`)

// Sanitize returns a copy of data with every sensitive key stripped,
// recursing through nested maps and slices. The input is never mutated.
func Sanitize(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if sensitiveKey.MatchString(k) {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		return Sanitize(vv)
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, item := range vv {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// SanitizeEvent returns a shallow copy of e with sanitized Data.
func SanitizeEvent(e *Event) *Event {
	clean := *e
	clean.Data = Sanitize(e.Data)
	return &clean
}
