package invalidator

import (
	"sync"

	"github.com/saiset-co/sai-cache/types"
)

// historyRing is a fixed-size append-only ring of invalidation records.
// Oldest records are evicted first. Process-local by design: cheap,
// approximate observability, not shared state.
type historyRing struct {
	records []types.InvalidationRecord
	next    int
	filled  bool
	mu      sync.RWMutex
}

func newHistoryRing(size int) *historyRing {
	return &historyRing{
		records: make([]types.InvalidationRecord, size),
	}
}

func (h *historyRing) Append(record types.InvalidationRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[h.next] = record
	h.next++
	if h.next == len(h.records) {
		h.next = 0
		h.filled = true
	}
}

// Newest returns up to limit records, most recent first. limit <= 0
// returns all retained records.
func (h *historyRing) Newest(limit int) []types.InvalidationRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := h.next
	if h.filled {
		count = len(h.records)
	}
	if limit > 0 && limit < count {
		count = limit
	}

	result := make([]types.InvalidationRecord, 0, count)
	for i := 1; i <= count; i++ {
		idx := h.next - i
		if idx < 0 {
			idx += len(h.records)
		}
		result = append(result, h.records[idx])
	}

	return result
}

func (h *historyRing) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.filled {
		return len(h.records)
	}
	return h.next
}
