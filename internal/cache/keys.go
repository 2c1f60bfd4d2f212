package cache

import "fmt"

func JobStatusKey(jobID string) string {
	return fmt.Sprintf("job:status:%s", jobID)
}

// RateLimitKey scopes a counter to one client and one fixed window.
func RateLimitKey(client string, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", client, window)
}
