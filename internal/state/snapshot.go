package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/foldwatch/foldwatch/internal/wire"
)

// SlotState is one work unit's progress on a machine.
type SlotState struct {
	Index           int           `json:"index"`
	Kind            wire.SlotKind `json:"kind"`
	PercentComplete float64       `json:"percent_complete"`
	WorkUnitLabel   string        `json:"work_unit_label,omitempty"`
	Running         bool          `json:"running"`
}

// MachineSnapshot is the aggregated view of one machine at an instant.
type MachineSnapshot struct {
	Identifier    string      `json:"identifier"`
	DisplayName   string      `json:"display_name"`
	IsLocal       bool        `json:"is_local"`
	Slots         []SlotState `json:"slots"`
	LastUpdatedAt time.Time   `json:"last_updated_at"`
	Stale         bool        `json:"stale"`
}

// AccountSummary carries the account totals fetched by the poller.
type AccountSummary struct {
	User      string    `json:"user"`
	Score     uint64    `json:"score"`
	WorkUnits uint64    `json:"work_units"`
	Rank      uint64    `json:"rank"`
	FetchedAt time.Time `json:"fetched_at"`
}

// AggregateSnapshot is the read-only merged view handed to consumers. Each
// published snapshot is a fresh value; holders of a previous one are never
// affected by later updates.
type AggregateSnapshot struct {
	Machines    []MachineSnapshot `json:"machines"`
	Account     *AccountSummary   `json:"account,omitempty"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Store publishes complete snapshots through an atomically swapped pointer.
// The relay worker and the account poller both write through it; readers
// are wait-free and always see a fully-formed snapshot.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[AggregateSnapshot]
}

func NewStore() *Store {
	s := &Store{}
	s.current.Store(&AggregateSnapshot{GeneratedAt: time.Now()})
	return s
}

// Latest returns the most recently published snapshot. Safe to call at
// arbitrary frequency; never blocks on a writer.
func (s *Store) Latest() *AggregateSnapshot {
	return s.current.Load()
}

// SetMachines publishes a new snapshot with the given machine list,
// retaining the current account summary.
func (s *Store) SetMachines(machines []MachineSnapshot, at time.Time) *AggregateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &AggregateSnapshot{
		Machines:    machines,
		Account:     s.current.Load().Account,
		GeneratedAt: at,
	}
	s.current.Store(snap)
	return snap
}

// SetAccount publishes a new snapshot with the given account summary,
// retaining the current machine list. This is the poller's merge point.
func (s *Store) SetAccount(account *AccountSummary) *AggregateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	snap := &AggregateSnapshot{
		Machines:    prev.Machines,
		Account:     account,
		GeneratedAt: time.Now(),
	}
	s.current.Store(snap)
	return snap
}
