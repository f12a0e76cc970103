package util

// SafeTruncate safely truncates a string to maxLen bytes without panicking.
// It is used to log a short prefix of CSRF tokens instead of the full value.
// A negative maxLen yields an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
