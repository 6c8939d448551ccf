// Package domain defines the core entities and ports of the product-data
// acquisition platform. It has no dependencies on adapters; adapters
// implement the ports declared here.
package domain

import (
	"context"
	"time"
)

// Platform identifies one of the upstream e-commerce sites. It is also the
// sharding key for queues and locks.
type Platform string

const (
	PlatformOliveYoung Platform = "oliveyoung"
	PlatformHwahae     Platform = "hwahae"
	PlatformMusinsa    Platform = "musinsa"
	PlatformAbly       Platform = "ably"
	PlatformKurly      Platform = "kurly"
	PlatformZigzag     Platform = "zigzag"
)

// AllPlatforms lists every supported platform tag in a stable order.
func AllPlatforms() []Platform {
	return []Platform{
		PlatformOliveYoung, PlatformHwahae, PlatformMusinsa,
		PlatformAbly, PlatformKurly, PlatformZigzag,
	}
}

// ValidPlatform reports whether p is one of the supported platform tags.
func ValidPlatform(p Platform) bool {
	for _, known := range AllPlatforms() {
		if p == known {
			return true
		}
	}
	return false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobError records the failure diagnostics of a job.
type JobError struct {
	Message string    `json:"message"`
	NodeID  string    `json:"node_id,omitempty"`
	At      time.Time `json:"at"`
}

// Job is one enqueued workflow execution instance.
// Invariants: Platform is one of the six tags; Progress in [0,1];
// Result is keyed by node id.
type Job struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Platform    Platform       `json:"platform"`
	Priority    int            `json:"priority"`
	Status      JobStatus      `json:"status"`
	Params      map[string]any `json:"params,omitempty"`
	CurrentNode string         `json:"current_node,omitempty"`
	Progress    float64        `json:"progress"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SaleStatus is the canonical sale-status vocabulary. Platform-native
// vocabularies are normalized by the scanner layer; temporarily-out-of-stock
// maps to sold_out, discontinued/not-sellable maps to off_sale. sold_out is
// preserved as its own state and never collapsed into off_sale.
type SaleStatus string

const (
	SaleStatusOnSale  SaleStatus = "on_sale"
	SaleStatusSoldOut SaleStatus = "sold_out"
	SaleStatusOffSale SaleStatus = "off_sale"
)

// ProductRecord is the normalized output of any scan strategy.
type ProductRecord struct {
	Name            string            `json:"name"`
	ThumbnailURL    string            `json:"thumbnail_url,omitempty"`
	OriginalPrice   int64             `json:"original_price"`
	DiscountedPrice int64             `json:"discounted_price"`
	SaleStatus      SaleStatus        `json:"sale_status"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ScanResult is the outcome of scanning one product reference.
// NOT_FOUND is a distinct success branch, not an error.
type ScanResult struct {
	Platform   Platform       `json:"platform"`
	ProductID  string         `json:"product_id"`
	URL        string         `json:"url"`
	Record     *ProductRecord `json:"record,omitempty"`
	IsNotFound bool           `json:"is_not_found"`
	ScannedAt  time.Time      `json:"scanned_at"`
	Strategy   string         `json:"strategy,omitempty"`
}

// ReferenceProduct is the authoritative database row a scanned record is
// compared against.
type ReferenceProduct struct {
	Platform        Platform   `json:"platform"`
	NativeID        string     `json:"native_id"`
	URL             string     `json:"url"`
	Name            string     `json:"name"`
	ThumbnailURL    string     `json:"thumbnail_url"`
	OriginalPrice   int64      `json:"original_price"`
	DiscountedPrice int64      `json:"discounted_price"`
	SaleStatus      SaleStatus `json:"sale_status"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SchedulerState is the per-platform scheduler record kept alongside the
// queues, plus the global daily-sync state when Scope is "daily_sync".
type SchedulerState struct {
	Scope           string         `json:"scope"`
	LastCompletedAt *time.Time     `json:"last_completed_at,omitempty"`
	NextEligibleAt  *time.Time     `json:"next_eligible_at,omitempty"`
	HeartbeatAt     *time.Time     `json:"heartbeat_at,omitempty"`
	Enabled         bool           `json:"enabled,omitempty"`
	Hour            int            `json:"hour,omitempty"`
	Minute          int            `json:"minute,omitempty"`
	LastRunSummary  map[string]any `json:"last_run_summary,omitempty"`
}

// JobRepository persists jobs, per-platform queues, and scheduler state.
// Dequeue is atomic with respect to concurrent callers; ordering within a
// platform is descending priority with insertion-order ties.
type JobRepository interface {
	Enqueue(ctx context.Context, j Job) error
	Dequeue(ctx context.Context, p Platform) (*Job, error)
	QueueLength(ctx context.Context, p Platform) (int64, error)
	Load(ctx context.Context, id string) (Job, error)
	Save(ctx context.Context, j Job) error
	ListRecent(ctx context.Context, p Platform, n int64) ([]Job, error)
}

// PlatformLock is the distributed mutex granting one active job per
// platform across the cluster.
type PlatformLock interface {
	Acquire(ctx context.Context, p Platform, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, p Platform, holder string) error
	Heartbeat(ctx context.Context, p Platform, holder string, ttl time.Duration) error
	SetRunningJob(ctx context.Context, p Platform, jobID string, ttl time.Duration) error
	ClearRunningJob(ctx context.Context, p Platform) error
	RunningJob(ctx context.Context, p Platform) (string, error)
}

// SchedulerStore persists scheduler state per scope (a platform tag or
// "daily_sync").
type SchedulerStore interface {
	SchedulerState(ctx context.Context, scope string) (SchedulerState, error)
	SaveSchedulerState(ctx context.Context, st SchedulerState) error
	SetJobCompletedAt(ctx context.Context, p Platform, at time.Time) error
}

// ReferenceRepository provides authoritative rows and scan targets.
type ReferenceRepository interface {
	GetByNativeID(ctx context.Context, p Platform, nativeID string) (ReferenceProduct, error)
	ListTargets(ctx context.Context, p Platform, limit int) ([]ReferenceProduct, error)
}

// EventPublisher emits job lifecycle and scan events to an external bus.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// Event is a platform event emitted by notify nodes and the worker loop.
type Event struct {
	Kind     string         `json:"kind"`
	JobID    string         `json:"job_id"`
	Platform Platform       `json:"platform"`
	At       time.Time      `json:"at"`
	Payload  map[string]any `json:"payload,omitempty"`
}
