package realtime

import (
	"sync"
	"time"

	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// Snapshot is a point-in-time copy of the replicated auction state. Its
// slices are replaced wholesale on every refresh and never mutated, so a
// Snapshot may be shared freely.
type Snapshot struct {
	Teams           []store.Team             `json:"teams"`
	Players         []store.Player           `json:"players"`
	Assignments     []store.AssignmentDetail `json:"assignments"`
	Overview        *store.Overview          `json:"overview,omitempty"`
	CurrentPlayerID *int64                   `json:"current_player_id"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

// Current returns the player on the block as seen in the replicated player
// list, or nil.
func (s Snapshot) Current() *store.Player {
	if s.CurrentPlayerID == nil {
		return nil
	}
	for i := range s.Players {
		if s.Players[i].ID == *s.CurrentPlayerID {
			p := s.Players[i]
			return &p
		}
	}
	return nil
}

// NeedsRecycle reports whether the snapshot shows an exhausted pool with
// unsold players waiting to go back in.
func NeedsRecycle(s Snapshot) bool {
	if s.Players == nil {
		return false
	}
	var available, unsold int
	for _, p := range s.Players {
		switch p.Status {
		case store.StatusAvailable:
			available++
		case store.StatusUnsold:
			unsold++
		}
	}
	return available == 0 && unsold > 0
}

// RecycleOnExhaustion returns an observer that calls trigger for every
// players update whose snapshot NeedsRecycle. trigger is expected to
// debounce and to re-check the pool authoritatively.
func RecycleOnExhaustion(trigger func()) func(Update) {
	return func(u Update) {
		if u.Collection == store.Players && NeedsRecycle(u.Snapshot) {
			trigger()
		}
	}
}

type field int

const (
	fieldTeams field = iota
	fieldPlayers
	fieldAssignments
	fieldOverview
	fieldCurrent
	numFields
)

// Replica holds the last known good copy of every collection. Each field
// remembers the version of the fetch that wrote it and refuses older ones.
type Replica struct {
	mu       sync.RWMutex
	snap     Snapshot
	versions [numFields]uint64
}

// Snapshot returns the current replicated state.
func (r *Replica) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// set applies fn when version is newer than the last write to f.
func (r *Replica) set(f field, version uint64, now time.Time, fn func(*Snapshot)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version <= r.versions[f] {
		return false
	}
	r.versions[f] = version
	fn(&r.snap)
	r.snap.UpdatedAt = now
	return true
}
