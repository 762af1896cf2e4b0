package audit

import (
	"encoding/json"
	"regexp"
	"slices"
	"strings"
)

const maskedValue = "***"

const truncatedSuffix = "...(truncated)"

var sensitiveKeywords = []string{
	"password", "passwd", "pwd", "secret", "token", "key", "apikey", "api_key",
	"access_key", "private_key", "credential", "auth",
}

// plainSecretRegex finds key=value and key: value pairs in non-JSON text.
var plainSecretRegex = regexp.MustCompile(`(?i)\b([a-z_]*(?:` + strings.Join(sensitiveKeywords, "|") + `)[a-z_]*)(\s*[=:]\s*)("[^"]*"|\S+)`)

func isSensitiveName(name string, extra []string) bool {
	if slices.Contains(extra, name) {
		return true
	}
	lower := strings.ToLower(name)
	for _, k := range sensitiveKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Mask hides secrets in a request or response snapshot. JSON objects are
// masked by key, {name, value} pairs by name; anything else by pattern.
func Mask(snapshot string, sensitive []string) string {
	if snapshot == "" {
		return ""
	}
	var doc any
	if err := json.Unmarshal([]byte(snapshot), &doc); err != nil {
		return plainSecretRegex.ReplaceAllString(snapshot, "${1}${2}"+maskedValue)
	}
	masked, err := json.Marshal(maskValue(doc, sensitive))
	if err != nil {
		return snapshot
	}
	return string(masked)
}

func maskValue(v any, sensitive []string) any {
	switch t := v.(type) {
	case map[string]any:
		if name, ok := t["name"].(string); ok {
			if _, hasValue := t["value"]; hasValue && isSensitiveName(name, sensitive) {
				t["value"] = maskedValue
			}
		}
		for k, child := range t {
			if k != "name" && k != "value" && isSensitiveName(k, nil) {
				t[k] = maskedValue
				continue
			}
			t[k] = maskValue(child, sensitive)
		}
		return t
	case []any:
		for i := range t {
			t[i] = maskValue(t[i], sensitive)
		}
		return t
	default:
		return v
	}
}

// Truncate cuts s to at most limit bytes without splitting a UTF-8 rune.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit - len(truncatedSuffix)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && cut < len(s) && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + truncatedSuffix
}
