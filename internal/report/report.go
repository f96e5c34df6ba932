// Package report keeps a durable, append-only log of per-cycle sync reports.
// One JSON document per line; files rotate by size and old rotations are
// removed by age.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CycleReport is what gets appended after each completed drain cycle.
type CycleReport struct {
	CompletedAt time.Time `json:"completed_at"`
	Status      string    `json:"status"`
	Processed   int       `json:"processed"`
	Synced      int       `json:"synced"`
	Failed      int       `json:"failed"`
	Conflicts   int       `json:"conflicts"`
	Skipped     int       `json:"skipped"`
	Aborted     bool      `json:"aborted"`
	PeriodID    string    `json:"period_id,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
}

type Writer struct {
	mu          sync.Mutex
	file        *os.File
	size        int64
	dir         string
	maxFileSize int64
}

const currentName = "sync-report.log"

func NewWriter(dir string, maxFileSize int64) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create report directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, currentName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open report log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat report log: %w", err)
	}
	return &Writer{
		file:        f,
		size:        info.Size(),
		dir:         dir,
		maxFileSize: maxFileSize,
	}, nil
}

// Append writes one report line, rotating first when the current file is full.
func (w *Writer) Append(rep CycleReport) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size >= w.maxFileSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("rotate report log: %w", err)
		}
	}
	n, err := w.file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	w.size += int64(n)
	return nil
}

func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close report log: %w", err)
	}
	current := filepath.Join(w.dir, currentName)
	rotated := filepath.Join(w.dir, fmt.Sprintf("sync-report-%s.log", time.Now().Format("20060102T150405")))
	if err := os.Rename(current, rotated); err != nil {
		return fmt.Errorf("rename report log: %w", err)
	}
	f, err := os.OpenFile(current, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open new report log: %w", err)
	}
	w.file = f
	w.size = 0
	return nil
}

// Cleanup removes rotated report files older than retention.
func (w *Writer) Cleanup(retention time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	files, err := filepath.Glob(filepath.Join(w.dir, "sync-report-*.log"))
	if err != nil {
		return fmt.Errorf("list rotated report files: %w", err)
	}
	for _, file := range files {
		name := filepath.Base(file)
		if len(name) < len("sync-report-.log")+15 {
			continue
		}
		timeStr := name[len("sync-report-") : len(name)-len(".log")]
		ts, err := time.Parse("20060102T150405", timeStr)
		if err != nil {
			continue // skip files that do not match the rotation pattern
		}
		if ts.Before(cutoff) {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("remove old report file %s: %w", file, err)
			}
		}
	}
	return nil
}

// Recent reads back the newest reports from the current file, newest first.
func (w *Writer) Recent(limit int) ([]CycleReport, error) {
	w.mu.Lock()
	path := w.file.Name()
	w.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report log: %w", err)
	}
	lines := bytes.Split(data, []byte{'\n'})
	var reports []CycleReport
	for i := len(lines) - 1; i >= 0 && len(reports) < limit; i-- {
		if len(lines[i]) == 0 {
			continue
		}
		var rep CycleReport
		if err := json.Unmarshal(lines[i], &rep); err != nil {
			continue // tolerate a torn final line after a crash
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close report log: %w", err)
	}
	return nil
}
