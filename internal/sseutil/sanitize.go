package sseutil

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/relaymux/relaymux/internal/json"
)

// SanitizeUndefinedValues removes "[undefined]" placeholder values from
// JSON payloads. Some clients send "[undefined]" for missing values,
// which upstream providers reject.
func SanitizeUndefinedValues(payload []byte) []byte {
	if !strings.Contains(string(payload), "[undefined]") {
		return payload
	}
	result := gjson.ParseBytes(payload)
	if !result.IsObject() && !result.IsArray() {
		return payload
	}
	cleaned := cleanUndefinedRecursive(result.Value())
	if cleaned == nil {
		return payload
	}
	out, err := json.Marshal(cleaned)
	if err != nil {
		return payload
	}
	return out
}

func cleanUndefinedRecursive(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cleaned := make(map[string]any)
		for k, child := range val {
			if str, ok := child.(string); ok && str == "[undefined]" {
				continue
			}
			if cleanedChild := cleanUndefinedRecursive(child); cleanedChild != nil {
				cleaned[k] = cleanedChild
			}
		}
		if len(cleaned) == 0 {
			return nil
		}
		return cleaned
	case []any:
		var cleaned []any
		for _, child := range val {
			if str, ok := child.(string); ok && str == "[undefined]" {
				continue
			}
			if cleanedChild := cleanUndefinedRecursive(child); cleanedChild != nil {
				cleaned = append(cleaned, cleanedChild)
			}
		}
		return cleaned
	case string:
		if val == "[undefined]" {
			return nil
		}
		return val
	default:
		return val
	}
}
