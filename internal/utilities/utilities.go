package utilities

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FrameLog appends lines to one file per prefix and day, e.g.
// logs/ALLTRACKINGS_20260116.log. A nil FrameLog discards everything.
type FrameLog struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewFrameLog returns a log writing under dir, or nil when dir is empty.
func NewFrameLog(dir string) *FrameLog {
	if dir == "" {
		return nil
	}
	return &FrameLog{dir: dir, now: time.Now}
}

// Write appends a timestamped line to the current day's file.
func (l *FrameLog) Write(prefix, message string) error {
	if l == nil {
		return nil
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Create the directory if missing
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("frame log dir: %w", err)
	}
	name := filepath.Join(l.dir, prefix+"_"+now.Format("20060102")+".log")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("frame log open: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(now.Format("15:04:05") + " - " + message + "\n"); err != nil {
		return fmt.Errorf("frame log write: %w", err)
	}
	return nil
}
