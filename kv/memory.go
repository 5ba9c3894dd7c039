package kv

import (
	"bytes"
	"context"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

type MemoryConfig struct {
	MaxEntries      int           `json:"max_entries"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

type memoryEntry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore implements the KVStore contract in process memory. It
// backs tests and single-process deployments; pub/sub only reaches
// subscribers in the same process.
type MemoryStore struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      types.Logger
	config      *MemoryConfig
	entries     map[string]*memoryEntry
	subscribers map[string]map[uint64]types.MessageHandler
	nextSubID   uint64
	mu          sync.RWMutex
	subMu       sync.RWMutex
	state       atomic.Value
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

func NewMemoryStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (types.KVStore, error) {
	memConfig := &MemoryConfig{
		MaxEntries:      100000,
		CleanupInterval: time.Minute,
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory store config")
		}
	}

	storeCtx, cancel := context.WithCancel(ctx)

	store := &MemoryStore{
		ctx:         storeCtx,
		cancel:      cancel,
		logger:      logger,
		config:      memConfig,
		entries:     make(map[string]*memoryEntry),
		subscribers: make(map[string]map[uint64]types.MessageHandler),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	store.state.Store(MemoryStateStopped)

	return store, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	now := time.Now()

	m.mu.RLock()
	entry, exists := m.entries[key]
	if !exists {
		m.mu.RUnlock()
		return nil, false, nil
	}

	if entry.expired(now) {
		m.mu.RUnlock()
		m.mu.Lock()
		if entry, exists := m.entries[key]; exists && entry.expired(now) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}

	value := entry.value
	m.mu.RUnlock()

	return value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	now := time.Now()
	entry := &memoryEntry{
		value:     append([]byte(nil), value...),
		createdAt: now,
	}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxEntries > 0 && len(m.entries) >= m.config.MaxEntries {
		if _, exists := m.entries[key]; !exists {
			m.evictOldestUnsafe()
		}
	}

	m.entries[key] = entry
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if entry, exists := m.entries[key]; exists {
			if !entry.expired(now) {
				deleted++
			}
			delete(m.entries, key)
		}
	}

	return deleted, nil
}

func (m *MemoryStore) Scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	if pattern == "" {
		return types.ErrInvalidParameter
	}

	now := time.Now()

	m.mu.RLock()
	matched := make([]string, 0, 64)
	for key, entry := range m.entries {
		if entry.expired(now) {
			continue
		}
		if ok, err := path.Match(pattern, key); err == nil && ok {
			matched = append(matched, key)
		}
	}
	m.mu.RUnlock()

	const batchSize = 100
	for i := 0; i < len(matched); i += batchSize {
		select {
		case <-ctx.Done():
			return types.WrapError(ctx.Err(), "scan cancelled")
		default:
		}

		end := i + batchSize
		if end > len(matched) {
			end = len(matched)
		}

		if err := fn(matched[i:end]); err != nil {
			return err
		}
	}

	return nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.entries[key]
	if !exists || entry.expired(now) || entry.expiresAt.IsZero() {
		return 0, false, nil
	}

	return entry.expiresAt.Sub(now), true, nil
}

func (m *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists || entry.expired(now) {
		m.entries[key] = &memoryEntry{
			value:     []byte("1"),
			createdAt: now,
			expiresAt: now.Add(window),
		}
		return 1, window, nil
	}

	count, err := strconv.ParseInt(utils.BytesToString(entry.value), 10, 64)
	if err != nil {
		return 0, 0, types.WrapError(err, "counter holds a non-numeric value")
	}

	count++
	entry.value = strconv.AppendInt(entry.value[:0], count, 10)

	return count, entry.expiresAt.Sub(now), nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, types.ErrCacheKeyEmpty
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.entries[key]; exists && !entry.expired(now) {
		return false, nil
	}

	entry := &memoryEntry{
		value:     append([]byte(nil), value...),
		createdAt: now,
	}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	m.entries[key] = entry
	return true, nil
}

func (m *MemoryStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists || entry.expired(now) || !bytes.Equal(entry.value, expected) {
		return false, nil
	}

	delete(m.entries, key)
	return true, nil
}

func (m *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.subMu.RLock()
	handlers := make([]types.MessageHandler, 0, len(m.subscribers[channel]))
	for _, handler := range m.subscribers[channel] {
		handlers = append(handlers, handler)
	}
	m.subMu.RUnlock()

	message := append([]byte(nil), payload...)
	for _, handler := range handlers {
		go func(h types.MessageHandler) {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error("Panic in subscription handler",
						zap.String("channel", channel),
						zap.Any("panic", rec))
				}
			}()
			h(channel, message)
		}(handler)
	}

	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channel string, handler types.MessageHandler) (types.Subscription, error) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if m.subscribers[channel] == nil {
		m.subscribers[channel] = make(map[uint64]types.MessageHandler)
	}

	m.nextSubID++
	id := m.nextSubID
	m.subscribers[channel][id] = handler

	return &memorySubscription{store: m, channel: channel, id: id}, nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryStore) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		return types.ErrAlreadyRunning
	}

	defer func() {
		if m.getState() == MemoryStateStarting {
			m.setState(MemoryStateRunning)
		}
	}()

	go m.startCleanupRoutine()

	m.logger.Info("Memory store started")
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		return types.ErrNotRunning
	}

	defer m.setState(MemoryStateStopped)

	m.cancel()

	select {
	case m.stopCleanup <- struct{}{}:
	case <-time.After(time.Second):
	}

	select {
	case <-m.cleanupDone:
	case <-time.After(5 * time.Second):
		m.logger.Warn("Memory store cleanup routine stop timeout")
	}

	m.mu.Lock()
	cleared := len(m.entries)
	m.entries = make(map[string]*memoryEntry)
	m.mu.Unlock()

	m.subMu.Lock()
	m.subscribers = make(map[string]map[uint64]types.MessageHandler)
	m.subMu.Unlock()

	m.logger.Info("Memory store stopped", zap.Int("cleared_entries", cleared))
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryStore) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryStore) setState(newState MemoryState) bool {
	return m.state.CompareAndSwap(m.getState(), newState)
}

func (m *MemoryStore) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryStore) startCleanupRoutine() {
	defer close(m.cleanupDone)

	interval := m.config.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryStore) cleanup() {
	now := time.Now()

	m.mu.Lock()
	expired := 0
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			expired++
		}
	}
	m.mu.Unlock()

	if expired > 0 {
		m.logger.Debug("Memory store cleanup completed", zap.Int("expired_entries", expired))
	}
}

func (m *MemoryStore) evictOldestUnsafe() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range m.entries {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

type memorySubscription struct {
	store   *MemoryStore
	channel string
	id      uint64
	closed  int32
}

func (s *memorySubscription) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.store.subMu.Lock()
	defer s.store.subMu.Unlock()

	if handlers, exists := s.store.subscribers[s.channel]; exists {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.store.subscribers, s.channel)
		}
	}

	return nil
}
