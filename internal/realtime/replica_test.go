package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jensholdgaard/cricket-auction/internal/store"
)

func TestReplica_SetRejectsOlderVersions(t *testing.T) {
	var r Replica
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	newer := []store.Team{{ID: 1, Name: "new"}}
	older := []store.Team{{ID: 1, Name: "old"}}

	require.True(t, r.set(fieldTeams, 2, t0, func(s *Snapshot) { s.Teams = newer }))
	require.False(t, r.set(fieldTeams, 1, t0.Add(time.Second), func(s *Snapshot) { s.Teams = older }))

	snap := r.Snapshot()
	require.Equal(t, "new", snap.Teams[0].Name)
	require.Equal(t, t0, snap.UpdatedAt)

	// Versions are tracked per field.
	require.True(t, r.set(fieldPlayers, 1, t0, func(s *Snapshot) { s.Players = []store.Player{} }))
}
