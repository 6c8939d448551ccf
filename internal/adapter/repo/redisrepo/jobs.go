// Package redisrepo persists jobs, per-platform queues, and scheduler state
// in Redis. Keys:
//
//	job:<id>              serialized job record, TTL only on terminal states
//	queue:<platform>      sorted set of job ids ordered by priority
//	queue_seq:<platform>  insertion counter used to break priority ties
//	recent:<platform>     capped list of recently enqueued job ids
//	scheduler:<scope>     scheduler state JSON
//
// The repository does not enforce the platform lock; Dequeue is atomic
// (ZPOPMAX) and callers serialize per platform by holding the lock.
package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/commercewatch/prodscan/internal/domain"
)

const (
	jobKeyPrefix      = "job:"
	queueKeyPrefix    = "queue:"
	queueSeqKeyPrefix = "queue_seq:"
	recentKeyPrefix   = "recent:"

	recentKeep = 100
)

// JobRepo implements domain.JobRepository on top of go-redis.
type JobRepo struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewJobRepo constructs a JobRepo. retention is the TTL applied to job
// records once they reach a terminal state.
func NewJobRepo(rdb *redis.Client, retention time.Duration) *JobRepo {
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	return &JobRepo{rdb: rdb, retention: retention}
}

func jobKey(id string) string              { return jobKeyPrefix + id }
func queueKey(p domain.Platform) string    { return queueKeyPrefix + string(p) }
func queueSeqKey(p domain.Platform) string { return queueSeqKeyPrefix + string(p) }
func recentKey(p domain.Platform) string   { return recentKeyPrefix + string(p) }

// queueScore builds a sorted-set score that orders by descending priority
// with insertion-order ties. The sequence fraction stays below one priority
// unit for any realistic queue depth.
func queueScore(priority int, seq int64) float64 {
	return float64(priority) - float64(seq)/1e12
}

// Enqueue persists the job and pushes its id onto the platform queue.
func (r *JobRepo) Enqueue(ctx context.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()

	if err := r.Save(ctx, j); err != nil {
		return err
	}
	seq, err := r.rdb.Incr(ctx, queueSeqKey(j.Platform)).Result()
	if err != nil {
		return fmt.Errorf("op=job.enqueue: %w: %v", domain.ErrQueueUnavailable, err)
	}
	if err := r.rdb.ZAdd(ctx, queueKey(j.Platform), redis.Z{
		Score:  queueScore(j.Priority, seq),
		Member: j.ID,
	}).Err(); err != nil {
		return fmt.Errorf("op=job.enqueue: %w: %v", domain.ErrQueueUnavailable, err)
	}
	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, recentKey(j.Platform), j.ID)
	pipe.LTrim(ctx, recentKey(j.Platform), 0, recentKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=job.enqueue: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Dequeue pops the highest-priority job id and loads its record. Returns
// (nil, nil) when the queue is empty. Atomic with respect to other callers.
func (r *JobRepo) Dequeue(ctx context.Context, p domain.Platform) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Dequeue")
	defer span.End()

	popped, err := r.rdb.ZPopMax(ctx, queueKey(p), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=job.dequeue: %w: %v", domain.ErrQueueUnavailable, err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id, _ := popped[0].Member.(string)
	// The queue entry can become visible a beat before the job record;
	// retry the load briefly before giving up on the id.
	var j domain.Job
	for attempt := 0; ; attempt++ {
		j, err = r.Load(ctx, id)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrNotFound) || attempt >= 2 {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return &j, nil
}

// QueueLength is a non-blocking length read; it never requires the lock.
func (r *JobRepo) QueueLength(ctx context.Context, p domain.Platform) (int64, error) {
	n, err := r.rdb.ZCard(ctx, queueKey(p)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=job.queue_length: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return n, nil
}

// Load reads a job record by id.
func (r *JobRepo) Load(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Load")
	defer span.End()

	b, err := r.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Job{}, fmt.Errorf("op=job.load: %w: %s", domain.ErrNotFound, id)
		}
		return domain.Job{}, fmt.Errorf("op=job.load: %w: %v", domain.ErrQueueUnavailable, err)
	}
	var j domain.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.load: decode %s: %w", id, err)
	}
	return j, nil
}

// Save writes the job record. Idempotent; terminal states get a TTL so
// finished jobs age out of the store.
func (r *JobRepo) Save(ctx context.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Save")
	defer span.End()

	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=job.save: encode %s: %w", j.ID, err)
	}
	ttl := time.Duration(0)
	if j.Status.Terminal() {
		ttl = r.retention
	}
	if err := r.rdb.Set(ctx, jobKey(j.ID), b, ttl).Err(); err != nil {
		return fmt.Errorf("op=job.save: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// ListRecent returns up to n recently enqueued jobs for observability.
// Records that already aged out are skipped.
func (r *JobRepo) ListRecent(ctx context.Context, p domain.Platform, n int64) ([]domain.Job, error) {
	if n <= 0 {
		n = 10
	}
	ids, err := r.rdb.LRange(ctx, recentKey(p), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=job.list_recent: %w: %v", domain.ErrQueueUnavailable, err)
	}
	out := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.Load(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
