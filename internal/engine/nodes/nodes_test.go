package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercewatch/prodscan/internal/adapter/browser"
	"github.com/commercewatch/prodscan/internal/adapter/results"
	"github.com/commercewatch/prodscan/internal/adapter/scanner"
	"github.com/commercewatch/prodscan/internal/domain"
	"github.com/commercewatch/prodscan/internal/engine"
)

type fakeScanner struct {
	platform domain.Platform
	method   scanner.ScanMethod
	scan     func(ctx context.Context, url string, page context.Context) (domain.ScanResult, error)
}

func (f *fakeScanner) Platform() domain.Platform        { return f.platform }
func (f *fakeScanner) ScanMethod() scanner.ScanMethod   { return f.method }
func (f *fakeScanner) ExtractProductID(u string) string { return u }
func (f *fakeScanner) Scan(ctx context.Context, url string, page context.Context) (domain.ScanResult, error) {
	return f.scan(ctx, url, page)
}

type fakeRefs struct {
	targets []domain.ReferenceProduct
	rows    map[string]domain.ReferenceProduct
}

func (f *fakeRefs) GetByNativeID(ctx context.Context, p domain.Platform, nativeID string) (domain.ReferenceProduct, error) {
	row, ok := f.rows[nativeID]
	if !ok {
		return domain.ReferenceProduct{}, fmt.Errorf("op=fakerefs: %w", domain.ErrNotFound)
	}
	return row, nil
}

func (f *fakeRefs) ListTargets(ctx context.Context, p domain.Platform, limit int) ([]domain.ReferenceProduct, error) {
	if limit < len(f.targets) {
		return f.targets[:limit], nil
	}
	return f.targets, nil
}

// fakeJobs is an in-memory JobRepository for node tests.
type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]domain.Job)}
}

func (f *fakeJobs) Enqueue(ctx context.Context, j domain.Job) error { return f.Save(ctx, j) }

func (f *fakeJobs) Dequeue(ctx context.Context, p domain.Platform) (*domain.Job, error) {
	return nil, nil
}

func (f *fakeJobs) QueueLength(ctx context.Context, p domain.Platform) (int64, error) {
	return 0, nil
}

func (f *fakeJobs) Load(ctx context.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=fakejobs: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (f *fakeJobs) Save(ctx context.Context, j domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
	return nil
}

func (f *fakeJobs) ListRecent(ctx context.Context, p domain.Platform, n int64) ([]domain.Job, error) {
	return nil, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakePublisher) Publish(ctx context.Context, e domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func newNC(t *testing.T, cfg map[string]any) engine.NodeContext {
	t.Helper()
	return engine.NodeContext{
		JobID:      "job-n1",
		WorkflowID: "wf",
		NodeID:     "n",
		Platform:   domain.PlatformHwahae,
		Config:     cfg,
		Params:     map[string]any{},
		Input:      map[string]any{},
		Shared:     engine.NewSharedState(),
		Logger:     slog.Default(),
	}
}

func scanRegistry(t *testing.T, s scanner.Scanner) *scanner.Registry {
	t.Helper()
	r := scanner.NewRegistry()
	require.NoError(t, r.Register(s))
	return r
}

func okRecord() *domain.ProductRecord {
	return &domain.ProductRecord{
		Name:            "수분 크림",
		OriginalPrice:   28000,
		DiscountedPrice: 21000,
		SaleStatus:      domain.SaleStatusOnSale,
	}
}

func TestFetchUsesParamURLs(t *testing.T) {
	n := &fetchNode{deps: Deps{}}
	nc := newNC(t, nil)
	nc.Params["urls"] = []any{"https://www.hwahae.co.kr/products/1", "https://www.hwahae.co.kr/products/2"}

	res, err := n.Execute(context.Background(), nc)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output["target_count"])

	targets, err := sharedTargets(nc)
	require.NoError(t, err)
	assert.Equal(t, "https://www.hwahae.co.kr/products/1", targets[0].URL)
}

func TestFetchPullsTargetsFromReferenceRepository(t *testing.T) {
	refs := &fakeRefs{targets: []domain.ReferenceProduct{
		{Platform: domain.PlatformHwahae, NativeID: "1", URL: "u1"},
		{Platform: domain.PlatformHwahae, NativeID: "2", URL: "u2"},
		{Platform: domain.PlatformHwahae, NativeID: "3", URL: "u3"},
	}}
	n := &fetchNode{deps: Deps{Refs: refs}}
	nc := newNC(t, map[string]any{"limit": 2})

	res, err := n.Execute(context.Background(), nc)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output["target_count"])
}

func TestFetchFailsWithoutTargets(t *testing.T) {
	n := &fetchNode{deps: Deps{Refs: &fakeRefs{}}}
	_, err := n.Execute(context.Background(), newNC(t, nil))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestScanAPICollectsOutcomes(t *testing.T) {
	var calls atomic.Int32
	sc := &fakeScanner{platform: domain.PlatformHwahae, method: scanner.ScanMethodAPI,
		scan: func(ctx context.Context, url string, page context.Context) (domain.ScanResult, error) {
			calls.Add(1)
			switch url {
			case "u-missing":
				return domain.ScanResult{IsNotFound: true}, nil
			case "u-broken":
				return domain.ScanResult{}, fmt.Errorf("x: %w", domain.ErrTransientUpstream)
			default:
				return domain.ScanResult{Record: okRecord()}, nil
			}
		}}
	n := &scanNode{deps: Deps{Scanners: scanRegistry(t, sc)}}
	nc := newNC(t, map[string]any{"concurrency": 2})
	nc.Shared.Set(keyTargets, []domain.ReferenceProduct{
		{URL: "u-ok"}, {URL: "u-missing"}, {URL: "u-broken"},
	})

	res, err := n.Execute(context.Background(), nc)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, res.Output["scanned"])
	assert.Equal(t, 1, res.Output["not_found"])
	assert.Equal(t, 1, res.Output["failed"])

	outcomes, err := sharedOutcomes(nc)
	require.NoError(t, err)
	assert.Len(t, outcomes, 3)
}

func TestScanFailsWhenEveryTargetFails(t *testing.T) {
	sc := &fakeScanner{platform: domain.PlatformHwahae, method: scanner.ScanMethodAPI,
		scan: func(ctx context.Context, url string, page context.Context) (domain.ScanResult, error) {
			return domain.ScanResult{}, fmt.Errorf("x: %w", domain.ErrTransientUpstream)
		}}
	n := &scanNode{deps: Deps{Scanners: scanRegistry(t, sc)}}
	nc := newNC(t, nil)
	nc.Shared.Set(keyTargets, []domain.ReferenceProduct{{URL: "u1"}, {URL: "u2"}})

	_, err := n.Execute(context.Background(), nc)
	assert.ErrorIs(t, err, domain.ErrTransientUpstream)
}

func TestScanBrowserRetriesOnceAfterCrash(t *testing.T) {
	stubLaunch := func(parent context.Context) (context.Context, context.CancelFunc, error) {
		ctx, cancel := context.WithCancel(parent)
		return ctx, cancel, nil
	}
	pool, err := browser.New(context.Background(), 1, browser.WithLauncher(stubLaunch))
	require.NoError(t, err)
	t.Cleanup(pool.Cleanup)

	var calls atomic.Int32
	sc := &fakeScanner{platform: domain.PlatformHwahae, method: scanner.ScanMethodBrowser,
		scan: func(ctx context.Context, url string, page context.Context) (domain.ScanResult, error) {
			if calls.Add(1) == 1 {
				return domain.ScanResult{}, fmt.Errorf("tab gone: %w", domain.ErrBrowserCrashed)
			}
			return domain.ScanResult{Record: okRecord()}, nil
		}}
	n := &scanNode{deps: Deps{Scanners: scanRegistry(t, sc), Pool: pool}}
	nc := newNC(t, nil)
	nc.Shared.Set(keyTargets, []domain.ReferenceProduct{{URL: "u1"}})

	res, err := n.Execute(context.Background(), nc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, res.Output["scanned"])

	st := pool.Status()
	assert.Equal(t, 0, st.InUse)
}

func TestValidateDemotesMalformedRecords(t *testing.T) {
	n := &validateNode{}
	nc := newNC(t, map[string]any{"max_invalid_ratio": 0.6})
	bad := okRecord()
	bad.Name = ""
	nc.Shared.Set(keyOutcomes, []ScanOutcome{
		{Result: domain.ScanResult{ProductID: "1", Record: okRecord()}},
		{Result: domain.ScanResult{ProductID: "2", Record: bad}},
		{Result: domain.ScanResult{ProductID: "3", IsNotFound: true}},
	})

	res, err := n.Execute(context.Background(), nc)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output["checked"])
	assert.Equal(t, 1, res.Output["invalid"])

	outcomes, err := sharedOutcomes(nc)
	require.NoError(t, err)
	assert.ErrorIs(t, outcomes[1].Err, domain.ErrValidationFailed)
	assert.NoError(t, outcomes[0].Err)
}

func TestValidateFailsAboveThreshold(t *testing.T) {
	n := &validateNode{}
	nc := newNC(t, map[string]any{"max_invalid_ratio": 0.2})
	bad := okRecord()
	bad.OriginalPrice = -1
	nc.Shared.Set(keyOutcomes, []ScanOutcome{
		{Result: domain.ScanResult{ProductID: "1", Record: bad}},
		{Result: domain.ScanResult{ProductID: "2", Record: okRecord()}},
	})

	_, err := n.Execute(context.Background(), nc)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestCompareReportsDriftAndUnknowns(t *testing.T) {
	refs := &fakeRefs{rows: map[string]domain.ReferenceProduct{
		"1": {NativeID: "1", Name: "수분 크림", OriginalPrice: 28000, DiscountedPrice: 21000, SaleStatus: domain.SaleStatusOnSale},
		"2": {NativeID: "2", Name: "선크림", OriginalPrice: 18000, DiscountedPrice: 18000, SaleStatus: domain.SaleStatusOnSale},
	}}
	n := &compareNode{deps: Deps{Refs: refs}}
	nc := newNC(t, nil)

	drifted := okRecord()
	drifted.Name = "선크림"
	drifted.OriginalPrice = 18000
	drifted.DiscountedPrice = 15000
	drifted.SaleStatus = domain.SaleStatusSoldOut
	nc.Shared.Set(keyOutcomes, []ScanOutcome{
		{Result: domain.ScanResult{ProductID: "1", Record: okRecord()}},
		{Result: domain.ScanResult{ProductID: "2", Record: drifted}},
		{Result: domain.ScanResult{ProductID: "9", Record: okRecord()}},
	})

	res, err := n.Execute(context.Background(), nc)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Output["compared"])
	assert.Equal(t, 1, res.Output["matched"])
	assert.Equal(t, 1, res.Output["mismatched"])
	assert.Equal(t, 1, res.Output["unknown"])
	assert.InDelta(t, 0.5, res.Output["match_rate"], 1e-9)

	v, ok := nc.Shared.Get(keyComparisons)
	require.True(t, ok)
	comparisons := v.([]Comparison)
	require.Len(t, comparisons, 3)
	var fields []string
	for _, d := range comparisons[1].Diffs {
		fields = append(fields, d.Field)
	}
	assert.ElementsMatch(t, []string{"discounted_price", "sale_status"}, fields)
}

func TestSaveWritesCompleteResultFile(t *testing.T) {
	dir := t.TempDir()
	n := &saveNode{deps: Deps{ResultsDir: dir}}
	nc := newNC(t, nil)
	nc.Shared.Set(keyOutcomes, []ScanOutcome{
		{Result: domain.ScanResult{ProductID: "1", Record: okRecord(), ScannedAt: time.Now().UTC()}},
		{Result: domain.ScanResult{ProductID: "2", IsNotFound: true}},
		{Err: fmt.Errorf("x: %w", domain.ErrTransientUpstream)},
	})

	res, err := n.Execute(context.Background(), nc)
	require.NoError(t, err)
	path, ok := res.Output["path"].(string)
	require.True(t, ok)

	info, err := results.Classify(path)
	require.NoError(t, err)
	assert.True(t, info.Complete)
	assert.Equal(t, 3, info.Records)
	assert.Equal(t, 1, info.Summary.Success)
	assert.Equal(t, 1, info.Summary.NotFound)
	assert.Equal(t, 1, info.Summary.Failed)
}

func TestSaveClosesCancelledFooterWhenJobCancelledMidWrite(t *testing.T) {
	dir := t.TempDir()
	repo := newFakeJobs()
	now := time.Now().UTC()
	require.NoError(t, repo.Save(context.Background(), domain.Job{
		ID:          "job-n1",
		Platform:    domain.PlatformHwahae,
		Status:      domain.JobCancelled,
		CompletedAt: &now,
	}))

	n := &saveNode{deps: Deps{ResultsDir: dir, Repo: repo}}
	nc := newNC(t, nil)
	outcomes := make([]ScanOutcome, cancelCheckEvery+5)
	for i := range outcomes {
		outcomes[i] = ScanOutcome{Result: domain.ScanResult{ProductID: fmt.Sprint(i), Record: okRecord()}}
	}
	nc.Shared.Set(keyOutcomes, outcomes)

	res, err := n.Execute(context.Background(), nc)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["cancelled"])
	assert.Equal(t, cancelCheckEvery, res.Output["records"])

	path, ok := res.Output["path"].(string)
	require.True(t, ok)
	info, err := results.Classify(path)
	require.NoError(t, err)
	assert.True(t, info.Complete)
	assert.Equal(t, string(domain.JobCancelled), info.Status)
	assert.Equal(t, cancelCheckEvery, info.Records)
}

func TestSaveContextCancelWritesCancelledFooterForCancelledJob(t *testing.T) {
	dir := t.TempDir()
	repo := newFakeJobs()
	require.NoError(t, repo.Save(context.Background(), domain.Job{
		ID:       "job-n1",
		Platform: domain.PlatformHwahae,
		Status:   domain.JobCancelled,
	}))

	n := &saveNode{deps: Deps{ResultsDir: dir, Repo: repo}}
	nc := newNC(t, nil)
	nc.Shared.Set(keyOutcomes, []ScanOutcome{
		{Result: domain.ScanResult{ProductID: "1", Record: okRecord()}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := n.Execute(ctx, nc)
	require.ErrorIs(t, err, context.Canceled)

	// The file exists with a cancelled footer even though the node errored.
	infos, err := filepath.Glob(filepath.Join(dir, "*", "job_hwahae_job-n1.jsonl"))
	require.NoError(t, err)
	require.Len(t, infos, 1)
	info, err := results.Classify(infos[0])
	require.NoError(t, err)
	assert.True(t, info.Complete)
	assert.Equal(t, string(domain.JobCancelled), info.Status)
}

func TestSaveContextCancelAbandonsFileForRunningJob(t *testing.T) {
	dir := t.TempDir()
	repo := newFakeJobs()
	require.NoError(t, repo.Save(context.Background(), domain.Job{
		ID:       "job-n1",
		Platform: domain.PlatformHwahae,
		Status:   domain.JobRunning,
	}))

	n := &saveNode{deps: Deps{ResultsDir: dir, Repo: repo}}
	nc := newNC(t, nil)
	nc.Shared.Set(keyOutcomes, []ScanOutcome{
		{Result: domain.ScanResult{ProductID: "1", Record: okRecord()}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := n.Execute(ctx, nc)
	require.ErrorIs(t, err, context.Canceled)

	infos, err := filepath.Glob(filepath.Join(dir, "*", "job_hwahae_job-n1.jsonl"))
	require.NoError(t, err)
	require.Len(t, infos, 1)
	info, err := results.Classify(infos[0])
	require.NoError(t, err)
	assert.False(t, info.Complete)
}

func TestMonitorRescansTargetListBoundedly(t *testing.T) {
	var calls atomic.Int32
	sc := &fakeScanner{platform: domain.PlatformHwahae, method: scanner.ScanMethodAPI,
		scan: func(ctx context.Context, url string, page context.Context) (domain.ScanResult, error) {
			calls.Add(1)
			if url == "u-gone" {
				return domain.ScanResult{IsNotFound: true}, nil
			}
			return domain.ScanResult{Record: okRecord()}, nil
		}}
	n := &monitorNode{deps: Deps{Scanners: scanRegistry(t, sc)}}
	nc := newNC(t, map[string]any{
		"urls":     []any{"u-ok", "u-gone"},
		"count":    3,
		"interval": "1ms",
	})

	res, err := n.Execute(context.Background(), nc)
	require.NoError(t, err)
	assert.Equal(t, int32(6), calls.Load())
	assert.Equal(t, 2, res.Output["targets"])
	assert.Equal(t, 3, res.Output["passes"])
	assert.Equal(t, 3, res.Output["scanned"])
	assert.Equal(t, 3, res.Output["not_found"])
	assert.Equal(t, 0, res.Output["failed"])
}

func TestMonitorFallsBackToReferenceTargets(t *testing.T) {
	var calls atomic.Int32
	sc := &fakeScanner{platform: domain.PlatformHwahae, method: scanner.ScanMethodAPI,
		scan: func(ctx context.Context, url string, page context.Context) (domain.ScanResult, error) {
			calls.Add(1)
			return domain.ScanResult{Record: okRecord()}, nil
		}}
	refs := &fakeRefs{targets: []domain.ReferenceProduct{
		{Platform: domain.PlatformHwahae, NativeID: "1", URL: "u1"},
		{Platform: domain.PlatformHwahae, NativeID: "2", URL: "u2"},
		{Platform: domain.PlatformHwahae, NativeID: "3", URL: "u3"},
	}}
	repo := newFakeJobs()
	n := &monitorNode{deps: Deps{Scanners: scanRegistry(t, sc), Refs: refs, Repo: repo}}
	nc := newNC(t, map[string]any{"limit": 2})

	res, err := n.Execute(context.Background(), nc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, res.Output["scanned"])
	assert.Equal(t, int64(0), res.Output["queue_depth"])
}

func TestMonitorStopsBetweenPassesOnCancellation(t *testing.T) {
	sc := &fakeScanner{platform: domain.PlatformHwahae, method: scanner.ScanMethodAPI,
		scan: func(ctx context.Context, url string, page context.Context) (domain.ScanResult, error) {
			return domain.ScanResult{Record: okRecord()}, nil
		}}
	n := &monitorNode{deps: Deps{Scanners: scanRegistry(t, sc)}}
	nc := newNC(t, map[string]any{
		"urls":     []any{"u1"},
		"count":    100,
		"interval": "1h",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := n.Execute(ctx, nc)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on cancellation")
	}
}

func TestNotifyPublishesAccumulatedOutputs(t *testing.T) {
	pub := &fakePublisher{}
	n := &notifyNode{deps: Deps{Events: pub}}
	nc := newNC(t, map[string]any{"kind": "job.completed"})
	nc.Input["scan"] = map[string]any{"scanned": 3}

	res, err := n.Execute(context.Background(), nc)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["published"])
	require.Len(t, pub.events, 1)
	assert.Equal(t, "job.completed", pub.events[0].Kind)
	assert.Equal(t, "job-n1", pub.events[0].JobID)
}

func TestNotifyWithoutPublisherIsNoOp(t *testing.T) {
	n := &notifyNode{deps: Deps{}}
	res, err := n.Execute(context.Background(), newNC(t, nil))
	require.NoError(t, err)
	assert.Equal(t, false, res.Output["published"])
}

func TestRegisterWiresEveryBuiltinType(t *testing.T) {
	f := engine.NewFactory()
	require.NoError(t, Register(f, Deps{}))
	assert.ElementsMatch(t,
		[]string{"fetch", "scan", "validate", "compare", "save", "notify", "monitor"},
		f.Types(),
	)
	// Re-registering collides.
	assert.ErrorIs(t, Register(f, Deps{}), domain.ErrConflict)
}
