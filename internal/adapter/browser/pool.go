// Package browser maintains the bounded pool of long-lived headless
// browser instances shared across worker goroutines.
//
// Instances are launched once and reused; workers borrow an instance per
// scan node and must return it on all exit paths. Slot selection is
// serialized with a short-lived mutex, while capacity is enforced with a
// token channel so an exhausted pool blocks callers instead of
// overcommitting.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/commercewatch/prodscan/internal/adapter/observability"
	"github.com/commercewatch/prodscan/internal/domain"
)

// Instance is one pooled browser. The embedded context is the browser
// context; tabs for individual jobs are derived from it via NewTab.
type Instance struct {
	slot      int
	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time
	scans     int
}

// Context returns the browser context of the instance.
func (i *Instance) Context() context.Context { return i.ctx }

// CreatedAt returns the launch time of the current underlying browser.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// LaunchFunc starts one headless browser and returns its context. Injected
// so tests can substitute stub browsers.
type LaunchFunc func(parent context.Context) (context.Context, context.CancelFunc, error)

// chromedpLaunch is the production launcher: a dedicated exec allocator per
// instance so a crashed browser process never takes down its siblings.
func chromedpLaunch(parent context.Context) (context.Context, context.CancelFunc, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, chromedp.DefaultExecAllocatorOptions[:]...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// Start the browser process eagerly so launch failures surface here.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, nil, fmt.Errorf("op=browser.launch: %w", err)
	}
	cancel := func() {
		browserCancel()
		allocCancel()
	}
	return browserCtx, cancel, nil
}

// Status is a point-in-time snapshot of pool occupancy.
// Invariant: InUse + Available == Size.
type Status struct {
	Size      int
	InUse     int
	Available int
}

// Pool is the singleton bounded browser pool.
type Pool struct {
	mu          sync.Mutex
	slots       []*Instance
	inUse       []bool
	tokens      chan struct{}
	launch      LaunchFunc
	parent      context.Context
	rotateEvery int
	closed      bool
}

// Option configures pool construction.
type Option func(*Pool)

// WithLauncher overrides the browser launcher. Tests use this to run the
// pool against stub instances.
func WithLauncher(l LaunchFunc) Option {
	return func(p *Pool) { p.launch = l }
}

// WithRotateEvery sets the scan count after which ShouldRotate fires.
func WithRotateEvery(k int) Option {
	return func(p *Pool) { p.rotateEvery = k }
}

// New launches n browsers in parallel and returns the pool. Failing slots
// fail construction; a half-started pool is cleaned up before returning.
func New(ctx context.Context, n int, opts ...Option) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("op=browser.new: %w: pool size must be positive", domain.ErrInvalidArgument)
	}
	p := &Pool{
		slots:       make([]*Instance, n),
		inUse:       make([]bool, n),
		tokens:      make(chan struct{}, n),
		launch:      chromedpLaunch,
		parent:      ctx,
		rotateEvery: 50,
	}
	for _, opt := range opts {
		opt(p)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			inst, err := p.launchInstance(slot)
			if err != nil {
				errs[slot] = err
				return
			}
			p.slots[slot] = inst
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			p.Cleanup()
			return nil, err
		}
	}
	for i := 0; i < n; i++ {
		p.tokens <- struct{}{}
	}
	return p, nil
}

func (p *Pool) launchInstance(slot int) (*Instance, error) {
	ctx, cancel, err := p.launch(p.parent)
	if err != nil {
		return nil, err
	}
	return &Instance{slot: slot, ctx: ctx, cancel: cancel, createdAt: time.Now()}, nil
}

// Acquire borrows an available instance, blocking while the pool is
// exhausted. The returned instance is verified connected; a dead instance
// is relaunched before being handed out.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case _, ok := <-p.tokens:
		if !ok {
			return nil, fmt.Errorf("op=browser.acquire: %w", domain.ErrPoolClosed)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("op=browser.acquire: %w", domain.ErrPoolClosed)
	}
	var inst *Instance
	for i, busy := range p.inUse {
		if !busy {
			p.inUse[i] = true
			inst = p.slots[i]
			break
		}
	}
	p.mu.Unlock()
	if inst == nil {
		// Token accounting guarantees a free slot; reaching here is a bug.
		p.tokens <- struct{}{}
		return nil, fmt.Errorf("op=browser.acquire: no free slot despite token")
	}
	observability.BrowserPoolInUse.Inc()

	if !p.healthy(inst) {
		fresh, err := p.relaunch(inst)
		if err != nil {
			p.Release(inst)
			return nil, err
		}
		inst = fresh
	}
	return inst, nil
}

// Release returns the instance to the pool without closing it. The token
// send stays under the mutex: Cleanup closes the channel under the same
// mutex, so a racing Release can never send on a closed channel. The send
// cannot block; the channel is buffered to the pool size and the inUse
// check bounds outstanding sends.
func (p *Pool) Release(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inUse[inst.slot] {
		return
	}
	p.inUse[inst.slot] = false
	observability.BrowserPoolInUse.Dec()
	if !p.closed {
		p.tokens <- struct{}{}
	}
}

// ReplaceCrashed relaunches the browser behind a held instance and returns
// the replacement. The caller keeps holding the slot.
func (p *Pool) ReplaceCrashed(inst *Instance) (*Instance, error) {
	return p.relaunch(inst)
}

func (p *Pool) relaunch(inst *Instance) (*Instance, error) {
	inst.cancel()
	fresh, err := p.launchInstance(inst.slot)
	if err != nil {
		return nil, fmt.Errorf("op=browser.relaunch: %w: %v", domain.ErrBrowserCrashed, err)
	}
	observability.BrowserRelaunchesTotal.Inc()
	p.mu.Lock()
	p.slots[inst.slot] = fresh
	p.mu.Unlock()
	return fresh, nil
}

// healthy reports whether the instance's browser context is still live.
func (p *Pool) healthy(inst *Instance) bool {
	return inst.ctx.Err() == nil
}

// NewTab opens a fresh browser tab context for a job, isolating page state
// from previous jobs. Cheap relative to a browser launch.
func (p *Pool) NewTab(inst *Instance) (context.Context, context.CancelFunc) {
	return chromedp.NewContext(inst.ctx)
}

// RecordScan bumps the instance's scan counter and reports whether the
// caller should rotate its tab to bound memory growth. Rotation does not
// release the instance to the pool.
func (p *Pool) RecordScan(inst *Instance) (rotate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst.scans++
	if p.rotateEvery > 0 && inst.scans%p.rotateEvery == 0 {
		return true
	}
	return false
}

// Status reports pool occupancy.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{Size: len(p.slots)}
	for _, busy := range p.inUse {
		if busy {
			st.InUse++
		}
	}
	st.Available = st.Size - st.InUse
	return st
}

// Cleanup closes all instances. Idempotent.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tokens)
	slots := make([]*Instance, len(p.slots))
	copy(slots, p.slots)
	p.mu.Unlock()

	for _, inst := range slots {
		if inst != nil {
			inst.cancel()
		}
	}
}
