package silencedump

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// DefaultRetentionDays is how long clip files are kept on disk.
const DefaultRetentionDays = 7

// datePattern matches the date in a clip filename: YYYY-MM-DD_HH-MM-SS.wav
var datePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)

// Cleaner removes old clip files once a day.
type Cleaner struct {
	dir           string
	retentionDays int
	now           func() time.Time
}

// NewCleaner returns a cleaner for dir. A retention of zero keeps files
// forever.
func NewCleaner(dir string, retentionDays int) *Cleaner {
	return &Cleaner{dir: dir, retentionDays: retentionDays, now: time.Now}
}

// Run removes expired clips every day at 03:00 until ctx is done.
func (c *Cleaner) Run(ctx context.Context) {
	if c.retentionDays <= 0 {
		return
	}
	c.Cleanup()
	for {
		now := c.now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, now.Location())
		if now.After(next) {
			next = next.Add(24 * time.Hour)
		}
		slog.Debug("clip cleanup: next run scheduled", "at", next.Format(time.DateTime))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			c.Cleanup()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Cleanup removes clip files older than the retention period and returns
// how many were deleted.
func (c *Cleaner) Cleanup() int {
	if c.retentionDays <= 0 {
		return 0
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("clip cleanup: failed to read directory", "path", c.dir, "error", err)
		}
		return 0
	}

	cutoff := c.now().AddDate(0, 0, -c.retentionDays)
	var deleted int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".wav" {
			continue
		}
		fileDate, ok := extractDateFromFilename(name)
		if !ok || !fileDate.Before(cutoff) {
			continue
		}
		path := filepath.Join(c.dir, name)
		if err := os.Remove(path); err != nil {
			slog.Warn("clip cleanup: failed to delete file", "path", path, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		slog.Info("clip cleanup: deleted old files", "count", deleted)
	}
	return deleted
}

// extractDateFromFilename extracts the date from a name like
// "2025-01-15_14-32-05.wav".
func extractDateFromFilename(filename string) (time.Time, bool) {
	matches := datePattern.FindStringSubmatch(filename)
	if len(matches) < 2 {
		return time.Time{}, false
	}
	date, err := time.Parse("2006-01-02", matches[1])
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}
