package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeStripsSensitiveKeys(t *testing.T) {
	in := map[string]interface{}{
		"task_id":        "T1",
		"shared_secret":  "sssh",
		"authToken":      "abc",
		"password":       "hunter2",
		"apikey":         "k",
		"api_key":        "k",
		"OS_HTTP_SECRET": "s",
		"PUBLIC_KEY":     "pem",
		"keyboard":       "qwerty",
	}
	out := Sanitize(in)

	assert.Equal(t, "T1", out["task_id"])
	assert.Equal(t, "qwerty", out["keyboard"])
	for _, gone := range []string{"shared_secret", "authToken", "password", "apikey", "api_key", "OS_HTTP_SECRET", "PUBLIC_KEY"} {
		assert.NotContains(t, out, gone)
	}
	// Original untouched.
	assert.Contains(t, in, "password")
}

func TestSanitizeRecurses(t *testing.T) {
	in := map[string]interface{}{
		"worker": map[string]interface{}{
			"id":            "w1",
			"shared_secret": "sssh",
		},
		"items": []interface{}{
			map[string]interface{}{"name": "a", "token": "t"},
			"plain",
		},
	}
	out := Sanitize(in)

	worker := out["worker"].(map[string]interface{})
	assert.Equal(t, "w1", worker["id"])
	assert.NotContains(t, worker, "shared_secret")

	items := out["items"].([]interface{})
	first := items[0].(map[string]interface{})
	assert.Equal(t, "a", first["name"])
	assert.NotContains(t, first, "token")
	assert.Equal(t, "plain", items[1])
}
