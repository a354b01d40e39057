package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/internal/util"
	"github.com/ssuji15/ciwatch/model"
)

const (
	defaultBlockSize = 64 * 1024
	// DisplayInterval is the sampling cadence snapshots are rounded to for display.
	DisplayInterval = 15 * time.Minute
)

// Log is an append-only JSONL file of snapshots, oldest first.
type Log struct {
	path      string
	blockSize int
	mu        sync.Mutex
}

func NewLog(path string) *Log {
	return &Log{path: path, blockSize: defaultBlockSize}
}

func (l *Log) Path() string {
	return l.path
}

// Append writes s as one line. The timestamp is stored in UTC at second precision.
func (l *Log) Append(s model.Snapshot) error {
	s.Timestamp = s.Timestamp.UTC().Truncate(time.Second)
	line, err := json.Marshal(s)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := util.EnsureDirExist(filepath.Dir(l.path)); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot log %s: %w", l.path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append snapshot log %s: %w", l.path, err)
	}
	return f.Close()
}

// Tail returns the snapshots of the last hours before now, oldest first.
func (l *Log) Tail(hours int, now time.Time) ([]model.Snapshot, error) {
	return l.Since(now.Add(-time.Duration(hours) * time.Hour))
}

// Since reads the log backwards block by block and stops at the first snapshot
// older than cutoff, so only the tail of a long log is read. Malformed lines
// are skipped. A missing log is empty.
func (l *Log) Since(cutoff time.Time) ([]model.Snapshot, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot log %s: %w", l.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var (
		rev   []model.Snapshot
		carry []byte
		done  bool
	)
	visit := func(line []byte) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return
		}
		var s model.Snapshot
		if err := json.Unmarshal(line, &s); err != nil {
			logger.Log.Debug().Err(err).Str("path", l.path).Msg("skipping malformed snapshot line")
			return
		}
		if s.Timestamp.Before(cutoff) {
			done = true
			return
		}
		rev = append(rev, s)
	}

	pos := info.Size()
	for pos > 0 && !done {
		n := min(int64(l.blockSize), pos)
		pos -= n
		buf := make([]byte, n, n+int64(len(carry)))
		if _, err := f.ReadAt(buf, pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read snapshot log %s: %w", l.path, err)
		}
		buf = append(buf, carry...)

		lines := bytes.Split(buf, []byte{'\n'})
		carry = lines[0]
		for i := len(lines) - 1; i >= 1 && !done; i-- {
			visit(lines[i])
		}
	}
	if !done {
		visit(carry)
	}

	slices.Reverse(rev)
	return rev, nil
}

// Dedupe keeps the latest snapshot of each interval window, ordered by window.
// Input must be oldest first.
func Dedupe(snaps []model.Snapshot, interval time.Duration) []model.Snapshot {
	if interval <= 0 {
		interval = DisplayInterval
	}
	var out []model.Snapshot
	var lastKey time.Time
	for _, s := range snaps {
		key := s.Timestamp.UTC().Truncate(interval)
		if len(out) > 0 && key.Equal(lastKey) {
			out[len(out)-1] = s
			continue
		}
		out = append(out, s)
		lastKey = key
	}
	return out
}
