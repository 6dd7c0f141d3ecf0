package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/swarmchat/internal/identity"
)

const micros = 1_000_000

func mustID(t *testing.T) identity.NodeID {
	t.Helper()
	_, id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func TestSightedUsesPlaceholderUntilPresence(t *testing.T) {
	tbl := NewPeerTable()
	id := mustID(t)

	tbl.Sighted(id, 100*micros)
	p, ok := tbl.Get(id)
	require.True(t, ok)
	require.Equal(t, PlaceholderNickname, p.Nickname)
	require.Equal(t, StatusOnline, p.Status)
	require.Equal(t, RoleRemote, p.Role)

	require.True(t, tbl.ApplyPresence(id, "carol", 101*micros), "first presence after sighting is new")
	p, _ = tbl.Get(id)
	require.Equal(t, "carol", p.Nickname)

	require.False(t, tbl.ApplyPresence(id, "carol", 102*micros), "later heartbeats are not new")
}

func TestApplyPresenceWithoutSighting(t *testing.T) {
	tbl := NewPeerTable()
	id := mustID(t)
	require.False(t, tbl.ApplyPresence(id, "dave", 50*micros))
	p, ok := tbl.Get(id)
	require.True(t, ok)
	require.Equal(t, "dave", p.Nickname)
}

func TestTickDecaysStatus(t *testing.T) {
	tbl := NewPeerTable()
	id := mustID(t)
	tbl.ApplyPresence(id, "erin", 0)

	tbl.Tick(OnlineThresholdSec * micros)
	p, _ := tbl.Get(id)
	require.Equal(t, StatusOnline, p.Status)

	tbl.Tick((OnlineThresholdSec + 1) * micros)
	p, _ = tbl.Get(id)
	require.Equal(t, StatusAway, p.Status)

	tbl.Tick((AwayThresholdSec + 1) * micros)
	p, _ = tbl.Get(id)
	require.Equal(t, StatusOffline, p.Status)

	// A fresh heartbeat brings the peer straight back online.
	tbl.ApplyPresence(id, "erin", (AwayThresholdSec+2)*micros)
	p, _ = tbl.Get(id)
	require.Equal(t, StatusOnline, p.Status)
}

func TestTickSkipsSelf(t *testing.T) {
	tbl := NewPeerTable()
	me := mustID(t)
	tbl.SetSelf(me, "me", 0)
	tbl.Tick(1000 * micros)
	p, _ := tbl.Get(me)
	require.Equal(t, StatusOnline, p.Status)
}

func TestMarkDown(t *testing.T) {
	tbl := NewPeerTable()
	id := mustID(t)
	tbl.Sighted(id, 10*micros)
	tbl.MarkDown(id, 11*micros)
	p, _ := tbl.Get(id)
	require.Equal(t, StatusOffline, p.Status)

	// Unknown peers are ignored.
	tbl.MarkDown(mustID(t), 12*micros)
	require.Len(t, tbl.Snapshot(), 1)
}

func TestSnapshotSortedAndSubscribe(t *testing.T) {
	tbl := NewPeerTable()
	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	for i := 0; i < 3; i++ {
		tbl.Sighted(mustID(t), uint64(i)*micros)
	}
	snap := tbl.Snapshot()
	require.Len(t, snap, 3)
	for i := 1; i < len(snap); i++ {
		require.Less(t, snap[i-1].ID.String(), snap[i].ID.String())
	}

	select {
	case got := <-ch:
		require.NotEmpty(t, got)
	default:
		t.Fatal("expected a snapshot notification")
	}
}
