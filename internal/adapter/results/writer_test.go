package results

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercewatch/prodscan/internal/domain"
)

var testNow = time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)

func testWriterJob() domain.Job {
	return domain.Job{
		ID:         "job-w1",
		WorkflowID: "oliveyoung-validation",
		Platform:   domain.PlatformOliveYoung,
		Status:     domain.JobRunning,
	}
}

func TestWriterProducesHeaderRecordsFooter(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, testWriterJob(), testNow)
	require.NoError(t, err)

	require.NoError(t, w.Append(map[string]any{"status": StatusSuccess, "product_id": "1001"}))
	require.NoError(t, w.Append(map[string]any{"status": StatusNotFound, "product_id": "1002"}))
	require.NoError(t, w.Append(map[string]any{"status": StatusFailed, "product_id": "1003"}))
	require.NoError(t, w.Close(domain.JobCompleted, testNow.Add(time.Minute)))

	wantPath := filepath.Join(dir, "2026-08-24", "job_oliveyoung_job-w1.jsonl")
	assert.Equal(t, wantPath, w.Path())

	info, err := Classify(wantPath)
	require.NoError(t, err)
	assert.True(t, info.Complete)
	assert.Equal(t, "job-w1", info.JobID)
	assert.Equal(t, "oliveyoung", info.Platform)
	assert.Equal(t, string(domain.JobCompleted), info.Status)
	assert.Equal(t, 3, info.Records)
	assert.Equal(t, 3, info.Summary.Total)
	assert.Equal(t, info.Summary.Total, info.Summary.Success+info.Summary.Failed+info.Summary.NotFound)
	assert.InDelta(t, 1.0/3.0, info.Summary.MatchRate, 1e-9)
}

func TestFileWithoutFooterIsIncomplete(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, testWriterJob(), testNow)
	require.NoError(t, err)
	require.NoError(t, w.Append(map[string]any{"status": StatusSuccess}))
	// Simulate a crash: no Close, just drop the handle.
	w.Abandon()

	info, err := Classify(w.Path())
	require.NoError(t, err)
	assert.False(t, info.Complete)
	assert.Equal(t, 1, info.Records)
	assert.Equal(t, "job-w1", info.JobID)
}

func TestPartialTrailingLineIsTolerated(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, testWriterJob(), testNow)
	require.NoError(t, err)
	require.NoError(t, w.Append(map[string]any{"status": StatusSuccess}))
	w.Abandon()

	f, err := os.OpenFile(w.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"status":"succ`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := Classify(w.Path())
	require.NoError(t, err)
	assert.False(t, info.Complete)
	assert.Equal(t, 1, info.Records)
}

func TestCancelledFooterStatus(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, testWriterJob(), testNow)
	require.NoError(t, err)
	require.NoError(t, w.Close(domain.JobCancelled, testNow))

	info, err := Classify(w.Path())
	require.NoError(t, err)
	assert.True(t, info.Complete)
	assert.Equal(t, string(domain.JobCancelled), info.Status)
	assert.Equal(t, 0, info.Summary.Total)
}

func TestCloseIsIdempotentAndAppendAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, testWriterJob(), testNow)
	require.NoError(t, err)
	require.NoError(t, w.Close(domain.JobCompleted, testNow))
	require.NoError(t, w.Close(domain.JobCompleted, testNow))

	err = w.Append(map[string]any{"status": StatusSuccess})
	assert.Error(t, err)
}

func TestRerunTruncatesPriorFile(t *testing.T) {
	dir := t.TempDir()
	w1, err := Open(dir, testWriterJob(), testNow)
	require.NoError(t, err)
	require.NoError(t, w1.Append(map[string]any{"status": StatusFailed}))
	w1.Abandon()

	w2, err := Open(dir, testWriterJob(), testNow)
	require.NoError(t, err)
	require.NoError(t, w2.Append(map[string]any{"status": StatusSuccess}))
	require.NoError(t, w2.Close(domain.JobCompleted, testNow))

	info, err := Classify(w2.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, info.Records)
	assert.Equal(t, 1, info.Summary.Success)
	assert.Equal(t, 0, info.Summary.Failed)
}
