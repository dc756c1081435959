package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetentionSchedule runs retention once an hour.
const DefaultRetentionSchedule = "@hourly"

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a 5-field cron expression or descriptor.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", expr, err)
	}
	return sched, nil
}

// RemoveExpired deletes *.wav files in dir last modified before cutoff and
// returns the removed paths. Files currently being recorded are skipped
// via the skip function.
func RemoveExpired(dir string, cutoff time.Time, skip func(path string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading recordings dir: %w", err)
	}

	var removed []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if skip != nil && skip(p) {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove recording file", "path", p, "error", err)
			continue
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// StartRetention runs a background goroutine that removes recordings older
// than maxDays on the given schedule. Nothing runs when maxDays is 0. The
// goroutine stops when ctx is cancelled.
func StartRetention(ctx context.Context, dir string, maxDays int, sched cron.Schedule, skip func(path string) bool) {
	if maxDays <= 0 || sched == nil {
		return
	}

	go func() {
		for {
			next := sched.Next(time.Now())
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			cutoff := time.Now().AddDate(0, 0, -maxDays)
			paths, err := RemoveExpired(dir, cutoff, skip)
			if err != nil {
				slog.Error("recording retention cleanup failed", "error", err)
				continue
			}
			if len(paths) == 0 {
				continue
			}
			slog.Info("recording retention cleanup", "deleted", len(paths), "max_days", maxDays)
		}
	}()
}
