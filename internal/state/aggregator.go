package state

import (
	"sort"
	"sync"
	"time"

	"github.com/foldwatch/foldwatch/internal/wire"
)

// DefaultStaleAfter flags a machine as stale when no frame mentions it for
// this long. Stale machines are retained, never pruned: a relay reconnect
// repopulates them without losing position or history.
const DefaultStaleAfter = 5 * time.Minute

const shortNameLen = 8

type slotEntry struct {
	state SlotState
	// seq orders writes to the same slot: the frame timestamp when the
	// relay supplies one, otherwise a local arrival counter.
	seq int64
}

type machineEntry struct {
	identifier  string
	displayName string
	named       bool
	isLocal     bool
	slots       map[int]*slotEntry
	updatedAt   time.Time
}

// Aggregator folds decoded relay updates into canonical per-machine state
// and publishes an immutable snapshot through the Store after every change.
// It is owned by the relay worker; the mutex only guards against the
// account poller's display-name writes.
type Aggregator struct {
	mu         sync.Mutex
	store      *Store
	localID    string
	staleAfter time.Duration

	machines map[string]*machineEntry
	order    []string // non-local identifiers in first-observed order
	arrival  int64

	now func() time.Time
}

func NewAggregator(store *Store, localMachineID string, staleAfter time.Duration) *Aggregator {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Aggregator{
		store:      store,
		localID:    localMachineID,
		staleAfter: staleAfter,
		machines:   make(map[string]*machineEntry),
		now:        time.Now,
	}
}

// Apply folds one decoded frame into the aggregate and publishes a fresh
// snapshot. Applying the same update twice yields the same machine state;
// per-slot writes are last-write-wins keyed by the frame timestamp when
// present, otherwise by arrival order.
func (a *Aggregator) Apply(u wire.Update) *AggregateSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	m := a.observe(u.Machine)
	if u.Name != "" {
		m.displayName = u.Name
		m.named = true
	}

	seq := u.Timestamp
	if seq == 0 {
		a.arrival++
		seq = a.arrival
	} else if seq > a.arrival {
		// Keep the arrival counter ahead of every timestamp seen, so an
		// untimestamped frame arriving after a timestamped one still wins
		// its slots.
		a.arrival = seq
	}

	for _, s := range u.Slots {
		entry, ok := m.slots[s.ID]
		if !ok {
			entry = &slotEntry{}
			m.slots[s.ID] = entry
		}
		if seq < entry.seq {
			continue
		}
		entry.seq = seq
		entry.state = SlotState{
			Index:           s.ID,
			Kind:            s.Kind,
			PercentComplete: s.Percent,
			WorkUnitLabel:   s.Unit,
			Running:         s.IsRunning(),
		}
	}
	m.updatedAt = now

	return a.publish(now)
}

// SetDisplayName records the account API's name for a machine, creating the
// entry if the relay has not mentioned it yet.
func (a *Aggregator) SetDisplayName(identifier, name string) *AggregateSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.observe(identifier)
	if name != "" {
		m.displayName = name
		m.named = true
	}
	return a.publish(a.now())
}

// Refresh republishes the snapshot so staleness flags reflect the current
// clock even when no frames arrive.
func (a *Aggregator) Refresh() *AggregateSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.publish(a.now())
}

// observe returns the entry for an identifier, creating it on first
// mention. IsLocal is computed once here and never recomputed; the
// identifier's position in the ordering is fixed at this moment.
func (a *Aggregator) observe(identifier string) *machineEntry {
	if m, ok := a.machines[identifier]; ok {
		return m
	}

	m := &machineEntry{
		identifier:  identifier,
		displayName: shortName(identifier),
		isLocal:     identifier == a.localID,
		slots:       make(map[int]*slotEntry),
		updatedAt:   a.now(),
	}
	a.machines[identifier] = m
	if !m.isLocal {
		a.order = append(a.order, identifier)
	}
	return m
}

// publish builds a deep-copied snapshot: local machine first, then the
// remaining machines in first-observed order. Callers hold the mutex.
func (a *Aggregator) publish(now time.Time) *AggregateSnapshot {
	machines := make([]MachineSnapshot, 0, len(a.machines))
	if local, ok := a.machines[a.localID]; ok {
		machines = append(machines, a.copyMachine(local, now))
	}
	for _, id := range a.order {
		machines = append(machines, a.copyMachine(a.machines[id], now))
	}
	return a.store.SetMachines(machines, now)
}

func (a *Aggregator) copyMachine(m *machineEntry, now time.Time) MachineSnapshot {
	slots := make([]SlotState, 0, len(m.slots))
	for _, entry := range m.slots {
		slots = append(slots, entry.state)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Index < slots[j].Index })

	return MachineSnapshot{
		Identifier:    m.identifier,
		DisplayName:   m.displayName,
		IsLocal:       m.isLocal,
		Slots:         slots,
		LastUpdatedAt: m.updatedAt,
		Stale:         now.Sub(m.updatedAt) > a.staleAfter,
	}
}

func shortName(identifier string) string {
	if len(identifier) > shortNameLen {
		return identifier[:shortNameLen]
	}
	return identifier
}
