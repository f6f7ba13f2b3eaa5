package requestlog

import "time"

// CleanupInterval is how often the SQL stores delete expired entries.
const CleanupInterval = 1 * time.Hour

// RunCleanupLoop runs fn immediately and then every CleanupInterval until
// stop is closed.
func RunCleanupLoop(stop <-chan struct{}, fn func()) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	fn()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-stop:
			return
		}
	}
}

func retentionCutoff(now time.Time, days int) time.Time {
	return now.AddDate(0, 0, -days).UTC()
}
