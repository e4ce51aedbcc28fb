package ledger

import (
	"encoding/json"
	"time"
)

// EntityType identifies the domain entity a mutation belongs to.
type EntityType string

const (
	EntityStock       EntityType = "stock"
	EntityBilling     EntityType = "billing"
	EntityTransaction EntityType = "transaction"
	EntityCustomer    EntityType = "customer"
	EntitySession     EntityType = "session"
	EntityAttendance  EntityType = "attendance"
)

// entityRanks encodes the cross-entity processing order. A mutation at a
// higher rank may reference entities at lower ranks, so lower ranks must be
// pushed to the remote authority first.
var entityRanks = map[EntityType]int{
	EntityStock:       1,
	EntityBilling:     2,
	EntityTransaction: 3,
	EntityCustomer:    4,
	EntitySession:     5,
	EntityAttendance:  6,
}

// Rank returns the entity type's processing rank, or 0 for unknown types.
func (t EntityType) Rank() int {
	return entityRanks[t]
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	_, ok := entityRanks[t]
	return ok
}

// EntityTypesByRank returns all entity types in ascending rank order.
func EntityTypesByRank() []EntityType {
	return []EntityType{
		EntityStock,
		EntityBilling,
		EntityTransaction,
		EntityCustomer,
		EntitySession,
		EntityAttendance,
	}
}

// SyncStatus is the remote-reconciliation state of a mutation.
type SyncStatus string

const (
	// StatusUndefined is the zero value. It must never persist past
	// initialization; stores reject it.
	StatusUndefined           SyncStatus = ""
	StatusPendingCreation     SyncStatus = "pending_creation"
	StatusPendingModification SyncStatus = "pending_modification"
	StatusPendingDeletion     SyncStatus = "pending_deletion"
	StatusSynced              SyncStatus = "synced"
)

// Pending reports whether the status still requires a remote push.
func (s SyncStatus) Pending() bool {
	switch s {
	case StatusPendingCreation, StatusPendingModification, StatusPendingDeletion:
		return true
	}
	return false
}

// Mutation is one locally-originated change awaiting remote reconciliation.
type Mutation struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entityType"`
	EntityKey  string          `json:"entityKey"` // natural key of the domain entity
	Status     SyncStatus      `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Filter narrows a ledger query. Zero fields match everything.
type Filter struct {
	EntityType  EntityType
	Status      SyncStatus
	PendingOnly bool
}

// Matches reports whether m satisfies the filter.
func (f Filter) Matches(m *Mutation) bool {
	if f.EntityType != "" && m.EntityType != f.EntityType {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.PendingOnly && !m.Status.Pending() {
		return false
	}
	return true
}
