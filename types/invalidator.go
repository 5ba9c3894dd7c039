package types

import (
	"context"
	"time"
)

type EntityType string

const (
	EntityCompanies EntityType = "companies"
	EntityInvoices  EntityType = "invoices"
	EntityQuotes    EntityType = "quotes"
	EntityProjects  EntityType = "projects"
	EntityUsers     EntityType = "users"
)

type InvalidationEvent string

const (
	EventCreated             InvalidationEvent = "created"
	EventUpdated             InvalidationEvent = "updated"
	EventDeleted             InvalidationEvent = "deleted"
	EventBatch               InvalidationEvent = "batch"
	EventRelationshipChanged InvalidationEvent = "relationship_changed"
)

// IDPlaceholder inside a rule pattern is substituted with the entity id
// of the triggering event, or with "*" when the event carries no id.
const IDPlaceholder = ":id"

// InvalidationRule declares what a change to one entity type
// invalidates. EntityPatterns cover the entity's own keys and may carry
// the :id placeholder. AggregatePatterns cover list and aggregate views;
// they are the only patterns touched when a related entity cascades into
// this rule, since the entity's own identity did not change.
type InvalidationRule struct {
	Entity            EntityType
	EntityPatterns    []string
	AggregatePatterns []string
	RelatedEntities   []EntityType
	CustomHandler     func(ctx context.Context, entityID string, data interface{})
}

// InvalidationRecord is an audit entry in the per-process history ring.
// KeysInvalidated is KeysCountUnknown for wildcard bulk deletes and for
// records replayed from sibling processes.
type InvalidationRecord struct {
	Timestamp       time.Time         `json:"timestamp"`
	Event           InvalidationEvent `json:"event"`
	Entity          EntityType        `json:"entity_type"`
	EntityID        string            `json:"entity_id,omitempty"`
	Patterns        []string          `json:"patterns_invalidated"`
	KeysInvalidated int64             `json:"keys_invalidated"`
	Replayed        bool              `json:"replayed,omitempty"`
}

const KeysCountUnknown int64 = -1

type InvalidationStats struct {
	TotalRecords int                       `json:"total_records"`
	ByEvent      map[InvalidationEvent]int `json:"by_event"`
	ByEntity     map[EntityType]int        `json:"by_entity"`
	LastHour     int                       `json:"last_hour"`
}

// CoordinationMessage is broadcast on the coordination channel after a
// local invalidation. Origin identifies the publishing process so it can
// skip its own broadcast; the shared store already saw the deletes, so
// siblings only replay bookkeeping.
type CoordinationMessage struct {
	Event     InvalidationEvent `json:"event"`
	Entity    EntityType        `json:"entityType"`
	EntityID  string            `json:"entityId,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Origin    string            `json:"origin,omitempty"`
}

type InvalidationObserver func(record InvalidationRecord)

// InvalidatorManager applies rule-based, cascading cache invalidation.
// Invalidate and InvalidateBatch never propagate failures: invalidation
// is a best-effort side effect of a write and must not fail the write.
type InvalidatorManager interface {
	LifecycleManager

	RegisterRule(rule InvalidationRule) error
	Rule(entity EntityType) (InvalidationRule, bool)

	Invalidate(ctx context.Context, event InvalidationEvent, entity EntityType, entityID string, data interface{})
	InvalidateBatch(ctx context.Context, event InvalidationEvent, entity EntityType, entityIDs []string)
	InvalidateAll(ctx context.Context, entity EntityType)

	OnInvalidated(observer InvalidationObserver)

	History(limit int) []InvalidationRecord
	Stats() InvalidationStats
}
