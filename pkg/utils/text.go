// Package utils provides shared utilities for text, math, and logging.
package utils

import "strings"

// Truncate returns s truncated to maxLen characters, with "..." appended if truncated.
// If maxLen is 0 or negative, returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// SanitizeCourseID normalizes a raw course identifier: trims whitespace,
// replaces spaces with underscores, strips characters outside [A-Za-z0-9_-],
// and uppercases. An input that sanitizes to nothing maps to "MISC".
func SanitizeCourseID(courseID string) string {
	courseID = strings.TrimSpace(courseID)
	courseID = strings.ReplaceAll(courseID, " ", "_")
	var b strings.Builder
	for _, r := range courseID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	out := strings.ToUpper(b.String())
	if out == "" {
		return "MISC"
	}
	return out
}
