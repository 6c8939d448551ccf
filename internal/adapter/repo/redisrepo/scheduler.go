package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/commercewatch/prodscan/internal/domain"
)

const schedulerKeyPrefix = "scheduler:"

// DailySyncScope is the scheduler scope of the global daily-sync state.
const DailySyncScope = "daily_sync"

// SchedulerStore implements domain.SchedulerStore in the same Redis
// instance as the queues to keep a single consistency domain.
type SchedulerStore struct {
	rdb *redis.Client
}

// NewSchedulerStore constructs a SchedulerStore.
func NewSchedulerStore(rdb *redis.Client) *SchedulerStore {
	return &SchedulerStore{rdb: rdb}
}

func schedulerKey(scope string) string { return schedulerKeyPrefix + scope }

// SchedulerState loads the state for a scope. A missing key yields a zero
// state for that scope rather than an error.
func (s *SchedulerStore) SchedulerState(ctx context.Context, scope string) (domain.SchedulerState, error) {
	b, err := s.rdb.Get(ctx, schedulerKey(scope)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.SchedulerState{Scope: scope}, nil
		}
		return domain.SchedulerState{}, fmt.Errorf("op=scheduler.state: %w: %v", domain.ErrQueueUnavailable, err)
	}
	var st domain.SchedulerState
	if err := json.Unmarshal(b, &st); err != nil {
		return domain.SchedulerState{}, fmt.Errorf("op=scheduler.state: decode %s: %w", scope, err)
	}
	return st, nil
}

// SaveSchedulerState writes the state for its scope.
func (s *SchedulerStore) SaveSchedulerState(ctx context.Context, st domain.SchedulerState) error {
	if st.Scope == "" {
		return fmt.Errorf("op=scheduler.save: %w: scope required", domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=scheduler.save: encode %s: %w", st.Scope, err)
	}
	if err := s.rdb.Set(ctx, schedulerKey(st.Scope), b, 0).Err(); err != nil {
		return fmt.Errorf("op=scheduler.save: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// SetJobCompletedAt records the completion timestamp and heartbeat of the
// platform scope.
func (s *SchedulerStore) SetJobCompletedAt(ctx context.Context, p domain.Platform, at time.Time) error {
	st, err := s.SchedulerState(ctx, string(p))
	if err != nil {
		return err
	}
	at = at.UTC()
	st.LastCompletedAt = &at
	st.HeartbeatAt = &at
	return s.SaveSchedulerState(ctx, st)
}
