package invalidator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const defaultHistorySize = 100

// Manager applies rule-based cascading invalidation. Every entry point
// is a failure boundary: invalidation is a best-effort side effect of a
// domain write and must never fail that write.
type Manager struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     types.Logger
	metrics    types.MetricsManager
	cache      types.CacheService
	config     *types.InvalidatorConfig
	instanceID string
	rules      map[types.EntityType]types.InvalidationRule
	rulesMu    sync.RWMutex
	history    *historyRing
	observers  []types.InvalidationObserver
	obsMu      sync.RWMutex
	sub        types.Subscription
	state      atomic.Value
}

func NewManager(ctx context.Context, logger types.Logger, cache types.CacheService, config *types.InvalidatorConfig, metrics types.MetricsManager) (*Manager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	historySize := config.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:        managerCtx,
		cancel:     cancel,
		logger:     logger,
		metrics:    metrics,
		cache:      cache,
		config:     config,
		instanceID: uuid.NewString(),
		rules:      make(map[types.EntityType]types.InvalidationRule),
		history:    newHistoryRing(historySize),
	}

	manager.state.Store(StateStopped)

	if config.SeedDefaultRules {
		for _, rule := range DefaultRules() {
			if err := manager.RegisterRule(rule); err != nil {
				cancel()
				return nil, types.WrapError(err, "failed to seed default rules")
			}
		}
	}

	return manager, nil
}

// RegisterRule installs the rule for its entity type, replacing any
// earlier registration for the same type.
func (m *Manager) RegisterRule(rule types.InvalidationRule) error {
	if rule.Entity == "" {
		return types.ErrRuleEntityEmpty
	}
	if len(rule.EntityPatterns) == 0 && len(rule.AggregatePatterns) == 0 {
		return types.ErrRuleHasNoPatterns
	}

	m.rulesMu.Lock()
	m.rules[rule.Entity] = rule
	m.rulesMu.Unlock()

	return nil
}

func (m *Manager) Rule(entity types.EntityType) (types.InvalidationRule, bool) {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()

	rule, exists := m.rules[entity]
	return rule, exists
}

// Invalidate expands the rule for entity into a pattern set, deletes
// matching keys, cascades into related aggregate views, records history
// and broadcasts a coordination message. It never panics or returns: an
// unregistered entity type is a logged no-op, and all failures stay
// inside this boundary.
func (m *Manager) Invalidate(ctx context.Context, event types.InvalidationEvent, entity types.EntityType, entityID string, data interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("Panic during invalidation",
				zap.String("entity", string(entity)),
				zap.String("entity_id", entityID),
				zap.Any("panic", rec))
		}
	}()

	rule, exists := m.Rule(entity)
	if !exists {
		m.logger.Debug("No invalidation rule registered, skipping",
			zap.String("entity", string(entity)))
		return
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	patterns := m.expandPatterns(rule, entityID)
	keysInvalidated := m.deletePatterns(opCtx, patterns)

	if rule.CustomHandler != nil {
		m.runCustomHandler(opCtx, rule, entityID, data)
	}

	keysInvalidated += m.cascade(opCtx, rule, patterns)

	record := types.InvalidationRecord{
		Timestamp:       time.Now(),
		Event:           event,
		Entity:          entity,
		EntityID:        entityID,
		Patterns:        patterns.ordered,
		KeysInvalidated: keysInvalidated,
	}

	m.history.Append(record)
	m.notifyObservers(record)
	m.recordMetrics(record)
	m.broadcast(opCtx, record)

	m.logger.Debug("Invalidation completed",
		zap.String("event", string(event)),
		zap.String("entity", string(entity)),
		zap.String("entity_id", entityID),
		zap.Int("patterns", len(patterns.ordered)),
		zap.Int64("keys_invalidated", keysInvalidated))
}

// InvalidateBatch invalidates every id concurrently. Each call carries
// its own failure boundary, so one id cannot cancel the rest.
func (m *Manager) InvalidateBatch(ctx context.Context, event types.InvalidationEvent, entity types.EntityType, entityIDs []string) {
	var wg sync.WaitGroup
	for _, id := range entityIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Invalidate(ctx, event, entity, id, nil)
		}(id)
	}
	wg.Wait()
}

// InvalidateAll drops the whole keyspace of an entity type. Expensive:
// it scans and deletes every key under the type's wildcard, so it is
// meant for exceptional situations, not the per-write path.
func (m *Manager) InvalidateAll(ctx context.Context, entity types.EntityType) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("Panic during full invalidation",
				zap.String("entity", string(entity)), zap.Any("panic", rec))
		}
	}()

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	pattern := string(entity) + ":*"
	if _, err := m.cache.InvalidatePattern(opCtx, pattern); err != nil {
		m.logger.Warn("Full invalidation degraded",
			zap.String("pattern", pattern), zap.Error(err))
	}

	record := types.InvalidationRecord{
		Timestamp:       time.Now(),
		Event:           types.EventBatch,
		Entity:          entity,
		Patterns:        []string{pattern},
		KeysInvalidated: types.KeysCountUnknown,
	}

	m.history.Append(record)
	m.notifyObservers(record)
	m.recordMetrics(record)
	m.broadcast(opCtx, record)

	m.logger.Warn("Invalidated entire entity keyspace",
		zap.String("entity", string(entity)))
}

func (m *Manager) OnInvalidated(observer types.InvalidationObserver) {
	if observer == nil {
		return
	}

	m.obsMu.Lock()
	m.observers = append(m.observers, observer)
	m.obsMu.Unlock()
}

// History returns the most recent records, newest first. limit <= 0
// returns everything retained.
func (m *Manager) History(limit int) []types.InvalidationRecord {
	return m.history.Newest(limit)
}

func (m *Manager) Stats() types.InvalidationStats {
	records := m.history.Newest(0)

	stats := types.InvalidationStats{
		TotalRecords: len(records),
		ByEvent:      make(map[types.InvalidationEvent]int),
		ByEntity:     make(map[types.EntityType]int),
	}

	hourAgo := time.Now().Add(-time.Hour)
	for _, record := range records {
		stats.ByEvent[record.Event]++
		stats.ByEntity[record.Entity]++
		if record.Timestamp.After(hourAgo) {
			stats.LastHour++
		}
	}

	return stats
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

	if m.config.Channel != "" {
		sub, err := m.cache.Subscribe(m.ctx, m.config.Channel, m.handleCoordinationMessage)
		if err != nil {
			// Coordination is best-effort bookkeeping; the shared store
			// still sees every delete without it.
			m.logger.Warn("Failed to subscribe to coordination channel, cross-process history disabled",
				zap.String("channel", m.config.Channel), zap.Error(err))
		} else {
			m.sub = sub
		}
	}

	m.logger.Info("Cache invalidator started",
		zap.Int("rules", m.ruleCount()),
		zap.String("channel", m.config.Channel))

	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer m.setState(StateStopped)

	m.cancel()

	if m.sub != nil {
		if err := m.sub.Close(); err != nil {
			m.logger.Warn("Failed to close coordination subscription", zap.Error(err))
		}
		m.sub = nil
	}

	m.logger.Info("Cache invalidator stopped")
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

// patternSet keeps insertion order while deduplicating, so history
// records stay readable.
type patternSet struct {
	seen    map[string]struct{}
	ordered []string
}

func newPatternSet() *patternSet {
	return &patternSet{seen: make(map[string]struct{})}
}

func (p *patternSet) add(pattern string) bool {
	if pattern == "" {
		return false
	}
	if _, dup := p.seen[pattern]; dup {
		return false
	}
	p.seen[pattern] = struct{}{}
	p.ordered = append(p.ordered, pattern)
	return true
}

func (m *Manager) expandPatterns(rule types.InvalidationRule, entityID string) *patternSet {
	patterns := newPatternSet()

	substitution := entityID
	if substitution == "" {
		// An id-less event falls back to the whole per-entity keyspace.
		substitution = "*"
	}

	for _, pattern := range rule.EntityPatterns {
		patterns.add(strings.ReplaceAll(pattern, types.IDPlaceholder, substitution))
	}
	for _, pattern := range rule.AggregatePatterns {
		patterns.add(pattern)
	}

	if entityID != "" {
		patterns.add(string(rule.Entity) + ":" + entityID)
	}

	return patterns
}

func (m *Manager) deletePatterns(ctx context.Context, patterns *patternSet) int64 {
	var total int64

	for _, pattern := range patterns.ordered {
		deleted, err := m.cache.InvalidatePattern(ctx, pattern)
		if err != nil {
			m.logger.Warn("Pattern invalidation degraded",
				zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		total += deleted
	}

	return total
}

// cascade invalidates the aggregate views of related entity types. The
// related entities' own keys stay: their identity did not change, only
// facts feeding their list and aggregate views.
func (m *Manager) cascade(ctx context.Context, rule types.InvalidationRule, already *patternSet) int64 {
	var total int64

	for _, related := range rule.RelatedEntities {
		relatedRule, exists := m.Rule(related)
		if !exists {
			m.logger.Debug("Related entity has no rule, skipping cascade",
				zap.String("entity", string(related)))
			continue
		}

		for _, pattern := range relatedRule.AggregatePatterns {
			if !already.add(pattern) {
				continue
			}

			deleted, err := m.cache.InvalidatePattern(ctx, pattern)
			if err != nil {
				m.logger.Warn("Cascade invalidation degraded",
					zap.String("pattern", pattern), zap.Error(err))
				continue
			}
			total += deleted
		}
	}

	return total
}

func (m *Manager) runCustomHandler(ctx context.Context, rule types.InvalidationRule, entityID string, data interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("Panic in custom invalidation handler",
				zap.String("entity", string(rule.Entity)),
				zap.Any("panic", rec))
		}
	}()

	rule.CustomHandler(ctx, entityID, data)
}

func (m *Manager) notifyObservers(record types.InvalidationRecord) {
	m.obsMu.RLock()
	observers := make([]types.InvalidationObserver, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.RUnlock()

	for _, observer := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error("Panic in invalidation observer", zap.Any("panic", rec))
				}
			}()
			observer(record)
		}()
	}
}

// broadcast tells sibling processes to replay bookkeeping. The deletes
// already happened in the shared store, so a publish failure costs only
// observability, never correctness.
func (m *Manager) broadcast(ctx context.Context, record types.InvalidationRecord) {
	if m.config.Channel == "" {
		return
	}

	message := types.CoordinationMessage{
		Event:     record.Event,
		Entity:    record.Entity,
		EntityID:  record.EntityID,
		Timestamp: record.Timestamp,
		Origin:    m.instanceID,
	}

	if err := m.cache.Publish(ctx, m.config.Channel, message); err != nil {
		m.logger.Warn("Failed to publish coordination message",
			zap.String("channel", m.config.Channel), zap.Error(err))
	}
}

func (m *Manager) handleCoordinationMessage(_ string, payload []byte) {
	var message types.CoordinationMessage
	if err := utils.Unmarshal(payload, &message); err != nil {
		m.logger.Warn("Dropping malformed coordination message", zap.Error(err))
		return
	}

	// Our own broadcast: local bookkeeping already happened.
	if message.Origin == m.instanceID {
		return
	}

	record := types.InvalidationRecord{
		Timestamp:       message.Timestamp,
		Event:           message.Event,
		Entity:          message.Entity,
		EntityID:        message.EntityID,
		KeysInvalidated: types.KeysCountUnknown,
		Replayed:        true,
	}

	m.history.Append(record)
	m.notifyObservers(record)

	if m.metrics != nil {
		m.metrics.Counter("invalidations_replayed_total", nil).Inc()
	}
}

func (m *Manager) recordMetrics(record types.InvalidationRecord) {
	if m.metrics == nil {
		return
	}

	m.metrics.Counter("invalidations_total", map[string]string{
		"event":  string(record.Event),
		"entity": string(record.Entity),
	}).Inc()

	if record.KeysInvalidated > 0 {
		m.metrics.Counter("invalidated_keys_total", nil).Add(float64(record.KeysInvalidated))
	}
}

func (m *Manager) ruleCount() int {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()
	return len(m.rules)
}

func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = m.ctx
	}
	if m.config.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.config.OperationTimeout)
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
