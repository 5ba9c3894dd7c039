package warmer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const defaultMaxParallel = 5

var warmerRunBuckets = []float64{0.01, 0.1, 1, 10, 60, 300}

// Manager executes registered warming tasks with bounded parallelism
// and priority ordering, on demand and on a background schedule.
type Manager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      types.Logger
	metrics     types.MetricsManager
	cache       types.CacheService
	config      *types.WarmerConfig
	tasks       map[string]types.WarmingTask
	mu          sync.RWMutex
	cron        *cron.Cron
	cronEntry   cron.EntryID
	cronMu      sync.Mutex
	lastReport  atomic.Pointer[types.WarmingReport]
	state       atomic.Value
	warmingRuns sync.WaitGroup
}

func NewManager(ctx context.Context, logger types.Logger, cache types.CacheService, config *types.WarmerConfig, metrics types.MetricsManager) (*Manager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	managerCtx, cancel := context.WithCancel(ctx)

	cronLogger := safeCronLogger{logger: logger}
	manager := &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cache:   cache,
		config:  config,
		tasks:   make(map[string]types.WarmingTask),
		cron: cron.New(
			cron.WithChain(cron.Recover(cronLogger)),
			cron.WithLogger(cron.DiscardLogger),
		),
	}

	manager.state.Store(StateStopped)

	return manager, nil
}

// Register is idempotent by key: re-registering replaces the prior task
// definition.
func (m *Manager) Register(task types.WarmingTask) error {
	if task.Key == "" {
		return types.ErrWarmerTaskKeyEmpty
	}
	if task.Fetch == nil {
		return types.ErrWarmerTaskFetchIsNil
	}

	if task.Priority < types.WarmingPriorityMin {
		task.Priority = types.WarmingPriorityMin
	}
	if task.Priority > types.WarmingPriorityMax {
		task.Priority = types.WarmingPriorityMax
	}
	if task.Timeout <= 0 {
		task.Timeout = m.config.TaskTimeout
	}

	m.mu.Lock()
	m.tasks[task.Key] = task
	m.mu.Unlock()

	return nil
}

func (m *Manager) RegisterBatch(tasks []types.WarmingTask) error {
	for _, task := range tasks {
		if err := m.Register(task); err != nil {
			return types.WrapError(err, fmt.Sprintf("task %q", task.Key))
		}
	}
	return nil
}

func (m *Manager) WarmAll(ctx context.Context, opts types.WarmingOptions) *types.WarmingReport {
	return m.run(ctx, m.snapshot(func(types.WarmingTask) bool { return true }), opts)
}

func (m *Manager) WarmCategory(ctx context.Context, category string, opts types.WarmingOptions) *types.WarmingReport {
	return m.run(ctx, m.snapshot(func(t types.WarmingTask) bool { return t.Category == category }), opts)
}

// WarmExpiringSoon re-warms tasks whose cached entry is close to expiry.
// Tasks with no cached value at all are always included.
func (m *Manager) WarmExpiringSoon(ctx context.Context, threshold time.Duration) *types.WarmingReport {
	tasks := m.snapshot(func(t types.WarmingTask) bool {
		remaining, found := m.cache.TTL(ctx, t.Key)
		if !found {
			return true
		}
		return remaining < threshold
	})

	return m.run(ctx, tasks, types.WarmingOptions{Parallel: true, MaxParallel: m.maxParallel(0)})
}

func (m *Manager) run(ctx context.Context, tasks []types.WarmingTask, opts types.WarmingOptions) *types.WarmingReport {
	m.warmingRuns.Add(1)
	defer m.warmingRuns.Done()

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})

	report := &types.WarmingReport{
		TotalTasks: len(tasks),
		StartedAt:  time.Now(),
		Failures:   make(map[string]string),
	}

	var reportMu sync.Mutex
	record := func(task types.WarmingTask, err error) {
		reportMu.Lock()
		defer reportMu.Unlock()
		if err != nil {
			report.FailedTasks++
			report.Failures[task.Key] = err.Error()
		} else {
			report.SuccessfulTasks++
		}
	}

	if opts.Parallel {
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(m.maxParallel(opts.MaxParallel))

		for _, task := range tasks {
			task := task
			g.Go(func() error {
				record(task, m.execute(gCtx, task))
				// Task failures are isolated; never cancel the group.
				return nil
			})
		}

		_ = g.Wait()
	} else {
		for _, task := range tasks {
			record(task, m.execute(ctx, task))
		}
	}

	report.CompletedAt = time.Now()
	report.TotalTime = report.CompletedAt.Sub(report.StartedAt)
	m.lastReport.Store(report)
	m.recordRunMetrics(report)

	m.logger.Info("Warming run completed",
		zap.Int("total", report.TotalTasks),
		zap.Int("successful", report.SuccessfulTasks),
		zap.Int("failed", report.FailedTasks),
		zap.Duration("took", report.TotalTime))

	return report
}

// execute runs one task inside its own failure boundary: a panicking or
// failing fetcher is recorded, never propagated into the batch.
func (m *Manager) execute(ctx context.Context, task types.WarmingTask) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = types.NewErrorf("fetcher panic: %v", rec)
			m.logger.Error("Warming task panicked",
				zap.String("key", task.Key), zap.Any("panic", rec))
		}
	}()

	taskCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	value, err := task.Fetch(taskCtx)
	if err != nil {
		if types.IsError(err, context.DeadlineExceeded) {
			err = types.ErrWarmerTaskTimeout
		}
		m.logger.Warn("Warming task failed",
			zap.String("key", task.Key),
			zap.String("category", task.Category),
			zap.Error(err))
		return err
	}

	return m.cache.Set(taskCtx, task.Key, value, task.TTL)
}

// StartBackgroundWarming schedules a recurring parallel WarmAll. At most
// one schedule is active; a second call while running is rejected.
func (m *Manager) StartBackgroundWarming(interval time.Duration) error {
	if interval <= 0 {
		interval = m.config.BackgroundInterval
	}
	if interval <= 0 {
		return types.ErrWarmerScheduleInvalid
	}

	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	// Idempotent: a second start leaves the active schedule untouched.
	if m.cronEntry != 0 {
		m.logger.Debug("Background warming already active")
		return nil
	}

	entry, err := m.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		m.logger.Debug("Background warming tick")
		m.WarmAll(m.ctx, types.WarmingOptions{Parallel: true, MaxParallel: m.maxParallel(0)})
	})
	if err != nil {
		return types.WrapError(err, "failed to schedule background warming")
	}

	m.cronEntry = entry
	m.cron.Start()

	m.logger.Info("Background warming started", zap.Duration("interval", interval))
	return nil
}

func (m *Manager) StopBackgroundWarming() error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.cronEntry == 0 {
		return types.ErrWarmerNotWarming
	}

	m.cron.Remove(m.cronEntry)
	m.cronEntry = 0

	m.logger.Info("Background warming stopped")
	return nil
}

func (m *Manager) TasksByCategory() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, task := range m.tasks {
		counts[task.Category]++
	}

	return counts
}

func (m *Manager) LastReport() *types.WarmingReport {
	return m.lastReport.Load()
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	defer func() {
		if m.getState() == StateStarting {
			m.setState(StateRunning)
		}
	}()

	if m.config.Enabled && m.config.BackgroundInterval > 0 {
		if err := m.StartBackgroundWarming(m.config.BackgroundInterval); err != nil {
			return err
		}
	}

	m.logger.Info("Cache warmer started", zap.Int("registered_tasks", m.taskCount()))
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer m.setState(StateStopped)

	m.cancel()

	m.cronMu.Lock()
	cronStop := m.cron.Stop()
	m.cronEntry = 0
	m.cronMu.Unlock()

	done := make(chan struct{})
	go func() {
		<-cronStop.Done()
		m.warmingRuns.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Cache warmer stopped gracefully")
	case <-time.After(10 * time.Second):
		m.logger.Warn("Cache warmer stop timeout, runs may still be in flight")
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) snapshot(include func(types.WarmingTask) bool) []types.WarmingTask {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]types.WarmingTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		if include(task) {
			tasks = append(tasks, task)
		}
	}

	return tasks
}

func (m *Manager) taskCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

func (m *Manager) maxParallel(requested int) int {
	if requested > 0 {
		return requested
	}
	if m.config.MaxParallel > 0 {
		return m.config.MaxParallel
	}
	return defaultMaxParallel
}

func (m *Manager) recordRunMetrics(report *types.WarmingReport) {
	if m.metrics == nil {
		return
	}

	m.metrics.Counter("warmer_runs_total", nil).Inc()
	m.metrics.Counter("warmer_tasks_total", map[string]string{"result": "success"}).
		Add(float64(report.SuccessfulTasks))
	m.metrics.Counter("warmer_tasks_total", map[string]string{"result": "failed"}).
		Add(float64(report.FailedTasks))
	m.metrics.Histogram("warmer_run_duration_seconds", warmerRunBuckets, nil).
		Observe(report.TotalTime.Seconds())
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	return m.state.CompareAndSwap(m.getState(), newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

type safeCronLogger struct {
	logger types.Logger
}

func (l safeCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l safeCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
