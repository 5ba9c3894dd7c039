package types

import (
	"context"
	"time"
)

const (
	WarmingPriorityMin = 1
	WarmingPriorityMax = 10
)

// WarmingTask proactively populates one cache key. Tasks are immutable
// once registered; re-registering the same key replaces the definition.
type WarmingTask struct {
	Key      string
	Fetch    FetchFunc
	TTL      time.Duration
	Priority int
	Category string
	Timeout  time.Duration
}

type WarmingOptions struct {
	Parallel    bool
	MaxParallel int
}

type WarmingReport struct {
	TotalTasks      int               `json:"total_tasks"`
	SuccessfulTasks int               `json:"successful_tasks"`
	FailedTasks     int               `json:"failed_tasks"`
	TotalTime       time.Duration     `json:"total_time"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     time.Time         `json:"completed_at"`
	Failures        map[string]string `json:"failures,omitempty"`
}

type WarmerManager interface {
	LifecycleManager

	Register(task WarmingTask) error
	RegisterBatch(tasks []WarmingTask) error

	WarmAll(ctx context.Context, opts WarmingOptions) *WarmingReport
	WarmCategory(ctx context.Context, category string, opts WarmingOptions) *WarmingReport
	WarmExpiringSoon(ctx context.Context, threshold time.Duration) *WarmingReport

	StartBackgroundWarming(interval time.Duration) error
	StopBackgroundWarming() error

	TasksByCategory() map[string]int
	LastReport() *WarmingReport
}
