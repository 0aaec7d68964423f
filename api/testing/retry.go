package apitesting

import (
	"fmt"
	"strings"
	"time"
)

const containerStartAttempts = 3

// startContainer calls run until it succeeds, retrying only the transient
// Docker failures seen on busy CI hosts.
func startContainer[T any](name string, run func() (T, error)) (T, error) {
	var lastErr error
	for attempt := 1; attempt <= containerStartAttempts; attempt++ {
		c, err := run()
		if err == nil {
			return c, nil
		}
		lastErr = err
		if !isRetryableContainerStartErr(err) {
			break
		}
		if attempt < containerStartAttempts {
			time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
		}
	}
	var zero T
	return zero, fmt.Errorf("failed to start %s container after retries: %w", name, lastErr)
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json") ||
		strings.Contains(s, "Get \"http://%2Fvar%2Frun%2Fdocker.sock")
}
