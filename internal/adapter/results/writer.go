// Package results implements the append-only line-delimited result files.
//
// Each job gets one file under a date-bucketed directory:
//
//	<dir>/<YYYY-MM-DD>/job_<platform>_<jobID>.jsonl
//
// The first line is a header meta-line, every record is one JSON object per
// line, and a footer meta-line with the summary is written on close. A file
// without a footer is classified incomplete but stays parseable
// record-by-record: every line is flushed whole, so a writer crash never
// leaves partial JSON.
package results

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/commercewatch/prodscan/internal/domain"
)

// Record statuses recognized by the incremental summary.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusNotFound = "not_found"
)

// Summary carries the incremental counters of one result file.
type Summary struct {
	Total     int     `json:"total"`
	Success   int     `json:"success"`
	Failed    int     `json:"failed"`
	NotFound  int     `json:"not_found"`
	MatchRate float64 `json:"match_rate"`
}

type headerLine struct {
	Meta       bool      `json:"_meta"`
	Type       string    `json:"type"`
	JobID      string    `json:"job_id"`
	Platform   string    `json:"platform"`
	WorkflowID string    `json:"workflow_id"`
	StartedAt  time.Time `json:"started_at"`
}

type footerLine struct {
	Meta        bool      `json:"_meta"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
	Summary     Summary   `json:"summary"`
}

// Writer streams records for a single job. Safe for concurrent appends.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	bw      *bufio.Writer
	path    string
	summary Summary
	closed  bool
}

// Open creates the date-bucketed file for the job and writes the header
// line. Files are never appended to across jobs; an existing file for the
// same job id is truncated by the re-run.
func Open(dir string, job domain.Job, now time.Time) (*Writer, error) {
	bucket := filepath.Join(dir, now.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(bucket, 0o755); err != nil {
		return nil, fmt.Errorf("op=results.open: %w", err)
	}
	path := filepath.Join(bucket, fmt.Sprintf("job_%s_%s.jsonl", job.Platform, job.ID))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("op=results.open: %w", err)
	}
	w := &Writer{f: f, bw: bufio.NewWriter(f), path: path}
	hdr := headerLine{
		Meta:       true,
		Type:       "header",
		JobID:      job.ID,
		Platform:   string(job.Platform),
		WorkflowID: job.WorkflowID,
		StartedAt:  now.UTC(),
	}
	if err := w.writeLine(hdr); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the file path of the result file.
func (w *Writer) Path() string { return w.path }

// Append writes one record line and updates the incremental counters from
// the record's "status" field. Unknown statuses count as failed.
func (w *Writer) Append(record map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("op=results.append: writer closed")
	}
	if err := w.writeLine(record); err != nil {
		return err
	}
	w.summary.Total++
	switch record["status"] {
	case StatusSuccess:
		w.summary.Success++
	case StatusNotFound:
		w.summary.NotFound++
	default:
		w.summary.Failed++
	}
	return nil
}

// Summary returns a snapshot of the incremental counters.
func (w *Writer) Summary() Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.summary
	s.MatchRate = matchRate(s)
	return s
}

// Close writes the footer line with the final summary and the job status
// (completed, failed or cancelled) and closes the file. Idempotent.
func (w *Writer) Close(status domain.JobStatus, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.summary.MatchRate = matchRate(w.summary)
	ftr := footerLine{
		Meta:        true,
		Type:        "footer",
		Status:      string(status),
		CompletedAt: now.UTC(),
		Summary:     w.summary,
	}
	if err := w.writeLine(ftr); err != nil {
		_ = w.f.Close()
		return err
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("op=results.close: %w", err)
	}
	return nil
}

// Abandon closes the underlying file without a footer. Used when the
// platform lock is lost: the re-acquirer owns the job now and this file
// must read as incomplete.
func (w *Writer) Abandon() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	_ = w.bw.Flush()
	_ = w.f.Close()
}

func (w *Writer) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=results.write: encode: %w", err)
	}
	if _, err := w.bw.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("op=results.write: %w", err)
	}
	// Flush per line so a crash never leaves partial JSON.
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("op=results.write: flush: %w", err)
	}
	return nil
}

func matchRate(s Summary) float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Success) / float64(s.Total)
}
