package utils

import "fmt"

// GenerateRateLimitKey creates a unique key for rate limiting.
func GenerateRateLimitKey(userID uint, path string) string {
	return fmt.Sprintf("rl:%d:%s", userID, path)
}
