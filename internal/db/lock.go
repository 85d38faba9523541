package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	lockFileName   = "replica.lock"
	defaultTimeout = 500 * time.Millisecond
	initialBackoff = 5 * time.Millisecond
	maxBackoff     = 50 * time.Millisecond
)

// writeLocker serializes replica writes across processes with an OS file
// lock next to the replica, so `stellar put` and a running `stellar watch`
// never interleave transactions. The OS drops the lock when its holder exits.
type writeLocker struct {
	lockPath string
	lockFile *os.File
}

func newWriteLocker(baseDir string) *writeLocker {
	return &writeLocker{lockPath: filepath.Join(baseDir, lockFileName)}
}

// lockHolder is the process recorded in the lock file.
type lockHolder struct {
	PID     int
	Command string
	Since   string
}

func (h lockHolder) String() string {
	if h.PID == 0 {
		return "unknown"
	}
	s := fmt.Sprintf("pid:%d (%s) since %s", h.PID, h.Command, h.Since)
	if !isProcessAlive(h.PID) {
		s += " (STALE - process dead)"
	}
	return s
}

func parseHolder(data string) lockHolder {
	var h lockHolder
	for _, line := range strings.Split(data, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "cmd":
			h.Command = value
		case "time":
			h.Since = value
		}
	}
	return h
}

// acquire polls for the lock with capped exponential backoff. On timeout
// the error names the current holder.
func (l *writeLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open replica lock: %w", err)
	}
	l.lockFile = f

	deadline := time.Now().Add(timeout)
	for backoff := initialBackoff; ; backoff = min(backoff*2, maxBackoff) {
		if l.tryLock() == nil {
			l.writeHolder()
			return nil
		}
		if time.Now().After(deadline) {
			holder := l.readHolder()
			l.lockFile.Close()
			l.lockFile = nil
			return fmt.Errorf("replica write lock timeout after %v\n  holder: %s\n  is another stellar process stuck?", timeout, holder)
		}
		time.Sleep(backoff)
	}
}

func (l *writeLocker) release() error {
	if l.lockFile == nil {
		return nil
	}
	l.lockFile.Truncate(0)
	l.unlock()
	err := l.lockFile.Close()
	l.lockFile = nil
	return err
}

func (l *writeLocker) writeHolder() {
	if l.lockFile == nil {
		return
	}
	l.lockFile.Truncate(0)
	l.lockFile.Seek(0, 0)
	fmt.Fprintf(l.lockFile, "pid:%d\ncmd:%s\ntime:%s\n",
		os.Getpid(), filepath.Base(os.Args[0]), time.Now().Format(time.RFC3339))
	l.lockFile.Sync()
}

func (l *writeLocker) readHolder() string {
	data, err := os.ReadFile(l.lockPath)
	if err != nil {
		return "unknown"
	}
	return parseHolder(string(data)).String()
}
