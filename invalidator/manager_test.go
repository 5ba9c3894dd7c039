package invalidator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/cache"
	"github.com/saiset-co/sai-cache/kv"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
)

func newTestCacheService(t *testing.T) types.CacheService {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())

	store, err := kv.NewMemoryStore(context.Background(), log, &types.StoreConfig{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Stop() })

	cacheService, err := cache.NewService(context.Background(), log, store, &types.CacheConfig{
		DefaultTTL: time.Hour,
	}, nil)
	require.NoError(t, err)

	return cacheService
}

func newTestInvalidator(t *testing.T, cacheService types.CacheService, config *types.InvalidatorConfig) *Manager {
	t.Helper()

	if config == nil {
		config = &types.InvalidatorConfig{
			HistorySize:      100,
			SeedDefaultRules: true,
		}
	}

	manager, err := NewManager(context.Background(), logger.NewZapWrapper(zap.NewNop()), cacheService, config, nil)
	require.NoError(t, err)

	return manager
}

func TestRegisterRuleValidation(t *testing.T) {
	manager := newTestInvalidator(t, newTestCacheService(t), &types.InvalidatorConfig{HistorySize: 10})

	assert.ErrorIs(t, manager.RegisterRule(types.InvalidationRule{
		EntityPatterns: []string{"x::id"},
	}), types.ErrRuleEntityEmpty)

	assert.ErrorIs(t, manager.RegisterRule(types.InvalidationRule{
		Entity: "widgets",
	}), types.ErrRuleHasNoPatterns)

	require.NoError(t, manager.RegisterRule(types.InvalidationRule{
		Entity:         "widgets",
		EntityPatterns: []string{"widgets::id"},
	}))

	rule, exists := manager.Rule("widgets")
	require.True(t, exists)
	assert.Equal(t, types.EntityType("widgets"), rule.Entity)

	// Re-registration replaces the earlier rule.
	require.NoError(t, manager.RegisterRule(types.InvalidationRule{
		Entity:            "widgets",
		AggregatePatterns: []string{"widgets:list:*"},
	}))
	rule, _ = manager.Rule("widgets")
	assert.Empty(t, rule.EntityPatterns)
}

func TestInvalidateEntityKeys(t *testing.T) {
	cacheService := newTestCacheService(t)
	manager := newTestInvalidator(t, cacheService, nil)
	ctx := context.Background()

	require.NoError(t, cacheService.Set(ctx, "companies:42", "record", time.Hour))
	require.NoError(t, cacheService.Set(ctx, "companies:42:contacts", "related", time.Hour))
	require.NoError(t, cacheService.Set(ctx, "companies:list:page1", "list", time.Hour))
	require.NoError(t, cacheService.Set(ctx, "companies:7", "other record", time.Hour))

	manager.Invalidate(ctx, types.EventUpdated, types.EntityCompanies, "42", nil)

	for _, key := range []string{"companies:42", "companies:42:contacts", "companies:list:page1"} {
		_, found := cacheService.Get(ctx, key)
		assert.False(t, found, "%s must be invalidated", key)
	}

	_, found := cacheService.Get(ctx, "companies:7")
	assert.True(t, found, "an unrelated company must survive")
}

func TestCascadeTouchesAggregatesOnly(t *testing.T) {
	cacheService := newTestCacheService(t)
	manager := newTestInvalidator(t, cacheService, nil)
	ctx := context.Background()

	require.NoError(t, cacheService.Set(ctx, "projects:9", "project record", time.Hour))
	require.NoError(t, cacheService.Set(ctx, "projects:list:active", "list", time.Hour))
	require.NoError(t, cacheService.Set(ctx, "invoices:3", "invoice record", time.Hour))
	require.NoError(t, cacheService.Set(ctx, "invoices:stats", "stats", time.Hour))

	manager.Invalidate(ctx, types.EventUpdated, types.EntityCompanies, "42", nil)

	_, found := cacheService.Get(ctx, "projects:list:active")
	assert.False(t, found, "related aggregate views cascade")
	_, found = cacheService.Get(ctx, "invoices:stats")
	assert.False(t, found)

	_, found = cacheService.Get(ctx, "projects:9")
	assert.True(t, found, "related entity records do not cascade")
	_, found = cacheService.Get(ctx, "invoices:3")
	assert.True(t, found)
}

func TestInvalidateWithoutIDFallsBackToWildcard(t *testing.T) {
	cacheService := newTestCacheService(t)
	manager := newTestInvalidator(t, cacheService, nil)
	ctx := context.Background()

	require.NoError(t, cacheService.Set(ctx, "quotes:1", "q1", time.Hour))
	require.NoError(t, cacheService.Set(ctx, "quotes:2", "q2", time.Hour))

	manager.Invalidate(ctx, types.EventBatch, types.EntityQuotes, "", nil)

	_, found := cacheService.Get(ctx, "quotes:1")
	assert.False(t, found)
	_, found = cacheService.Get(ctx, "quotes:2")
	assert.False(t, found)
}

func TestInvalidateUnknownEntityIsNoOp(t *testing.T) {
	cacheService := newTestCacheService(t)
	manager := newTestInvalidator(t, cacheService, &types.InvalidatorConfig{HistorySize: 10})
	ctx := context.Background()

	require.NoError(t, cacheService.Set(ctx, "unknown:1", "v", time.Hour))

	manager.Invalidate(ctx, types.EventDeleted, "unknown", "1", nil)

	_, found := cacheService.Get(ctx, "unknown:1")
	assert.True(t, found, "no rule means no deletion")
	assert.Empty(t, manager.History(0), "a skipped invalidation leaves no record")
}

func TestCustomHandler(t *testing.T) {
	cacheService := newTestCacheService(t)
	manager := newTestInvalidator(t, cacheService, &types.InvalidatorConfig{HistorySize: 10})
	ctx := context.Background()

	var mu sync.Mutex
	var gotID string
	var gotData interface{}

	require.NoError(t, manager.RegisterRule(types.InvalidationRule{
		Entity:         "documents",
		EntityPatterns: []string{"documents::id"},
		CustomHandler: func(ctx context.Context, entityID string, data interface{}) {
			mu.Lock()
			gotID = entityID
			gotData = data
			mu.Unlock()
		},
	}))

	manager.Invalidate(ctx, types.EventUpdated, "documents", "d-1", "payload")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "d-1", gotID)
	assert.Equal(t, "payload", gotData)
}

func TestCustomHandlerPanicIsContained(t *testing.T) {
	cacheService := newTestCacheService(t)
	manager := newTestInvalidator(t, cacheService, &types.InvalidatorConfig{HistorySize: 10})
	ctx := context.Background()

	require.NoError(t, manager.RegisterRule(types.InvalidationRule{
		Entity:         "documents",
		EntityPatterns: []string{"documents::id"},
		CustomHandler: func(ctx context.Context, entityID string, data interface{}) {
			panic("handler bug")
		},
	}))

	require.NoError(t, cacheService.Set(ctx, "documents:d-1", "v", time.Hour))

	manager.Invalidate(ctx, types.EventUpdated, "documents", "d-1", nil)

	_, found := cacheService.Get(ctx, "documents:d-1")
	assert.False(t, found, "the deletion happened despite the handler panic")
	assert.Len(t, manager.History(0), 1)
}

func TestInvalidateBatch(t *testing.T) {
	cacheService := newTestCacheService(t)
	manager := newTestInvalidator(t, cacheService, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, cacheService.Set(ctx, fmt.Sprintf("invoices:%d", i), "v", time.Hour))
	}

	manager.InvalidateBatch(ctx, types.EventUpdated, types.EntityInvoices, []string{"1", "2", "3"})

	for i := 1; i <= 3; i++ {
		_, found := cacheService.Get(ctx, fmt.Sprintf("invoices:%d", i))
		assert.False(t, found)
	}
	for i := 4; i <= 5; i++ {
		_, found := cacheService.Get(ctx, fmt.Sprintf("invoices:%d", i))
		assert.True(t, found)
	}

	assert.Len(t, manager.History(0), 3, "one record per id")
}

func TestInvalidateAll(t *testing.T) {
	cacheService := newTestCacheService(t)
	manager := newTestInvalidator(t, cacheService, nil)
	ctx := context.Background()

	require.NoError(t, cacheService.Set(ctx, "users:1", "v", time.Hour))
	require.NoError(t, cacheService.Set(ctx, "users:list:all", "v", time.Hour))
	require.NoError(t, cacheService.Set(ctx, "companies:1", "v", time.Hour))

	manager.InvalidateAll(ctx, types.EntityUsers)

	_, found := cacheService.Get(ctx, "users:1")
	assert.False(t, found)
	_, found = cacheService.Get(ctx, "users:list:all")
	assert.False(t, found)
	_, found = cacheService.Get(ctx, "companies:1")
	assert.True(t, found)

	history := manager.History(1)
	require.Len(t, history, 1)
	assert.Equal(t, types.EventBatch, history[0].Event)
	assert.Equal(t, types.KeysCountUnknown, history[0].KeysInvalidated)
}

func TestHistoryBoundAndOrder(t *testing.T) {
	cacheService := newTestCacheService(t)
	manager := newTestInvalidator(t, cacheService, &types.InvalidatorConfig{
		HistorySize:      100,
		SeedDefaultRules: true,
	})
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		manager.Invalidate(ctx, types.EventUpdated, types.EntityUsers, fmt.Sprintf("u-%d", i), nil)
	}

	history := manager.History(0)
	require.Len(t, history, 100, "history is bounded at its configured size")

	assert.Equal(t, "u-149", history[0].EntityID, "newest record comes first")
	assert.Equal(t, "u-50", history[99].EntityID, "oldest retained record is the 51st")

	limited := manager.History(10)
	require.Len(t, limited, 10)
	assert.Equal(t, "u-149", limited[0].EntityID)
	assert.Equal(t, "u-140", limited[9].EntityID)
}

func TestObserversAreNotified(t *testing.T) {
	cacheService := newTestCacheService(t)
	manager := newTestInvalidator(t, cacheService, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var records []types.InvalidationRecord

	manager.OnInvalidated(func(record types.InvalidationRecord) {
		mu.Lock()
		records = append(records, record)
		mu.Unlock()
	})

	// A panicking observer must not break the others.
	manager.OnInvalidated(func(record types.InvalidationRecord) {
		panic("observer bug")
	})

	manager.Invalidate(ctx, types.EventCreated, types.EntityCompanies, "42", nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 1)
	assert.Equal(t, types.EventCreated, records[0].Event)
	assert.Equal(t, types.EntityCompanies, records[0].Entity)
	assert.Equal(t, "42", records[0].EntityID)
	assert.False(t, records[0].Replayed)
}

func TestStats(t *testing.T) {
	cacheService := newTestCacheService(t)
	manager := newTestInvalidator(t, cacheService, nil)
	ctx := context.Background()

	manager.Invalidate(ctx, types.EventCreated, types.EntityCompanies, "1", nil)
	manager.Invalidate(ctx, types.EventUpdated, types.EntityCompanies, "1", nil)
	manager.Invalidate(ctx, types.EventDeleted, types.EntityInvoices, "2", nil)

	stats := manager.Stats()
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 2, stats.ByEntity[types.EntityCompanies])
	assert.Equal(t, 1, stats.ByEntity[types.EntityInvoices])
	assert.Equal(t, 1, stats.ByEvent[types.EventCreated])
	assert.Equal(t, 3, stats.LastHour)
}

func TestCrossProcessCoordination(t *testing.T) {
	cacheService := newTestCacheService(t)
	ctx := context.Background()

	config := &types.InvalidatorConfig{
		HistorySize:      100,
		Channel:          "cache:invalidation",
		SeedDefaultRules: true,
	}

	// Two managers on the same store stand in for two processes.
	local := newTestInvalidator(t, cacheService, config)
	sibling := newTestInvalidator(t, cacheService, config)

	require.NoError(t, local.Start())
	require.NoError(t, sibling.Start())
	t.Cleanup(func() {
		_ = local.Stop()
		_ = sibling.Stop()
	})

	local.Invalidate(ctx, types.EventDeleted, types.EntityProjects, "p-1", nil)

	assert.Eventually(t, func() bool {
		history := sibling.History(0)
		return len(history) == 1 && history[0].Replayed
	}, time.Second, 10*time.Millisecond, "sibling must replay the broadcast")

	history := sibling.History(1)
	require.Len(t, history, 1)
	assert.Equal(t, types.EventDeleted, history[0].Event)
	assert.Equal(t, types.EntityProjects, history[0].Entity)
	assert.Equal(t, "p-1", history[0].EntityID)
	assert.Equal(t, types.KeysCountUnknown, history[0].KeysInvalidated)

	// The publisher skips its own broadcast: exactly one local record.
	time.Sleep(50 * time.Millisecond)
	localHistory := local.History(0)
	require.Len(t, localHistory, 1)
	assert.False(t, localHistory[0].Replayed)
}
