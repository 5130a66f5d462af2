package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings (user IDs, tunnel URLs) so a caller cannot forge log entries by
// embedding newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Mask hides all but the last four characters of a secret. Share tokens
// and bearer tokens must only ever reach a log line through Mask.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
