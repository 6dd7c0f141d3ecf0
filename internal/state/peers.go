package state

import (
	"sort"
	"sync"

	"github.com/petervdpas/swarmchat/internal/identity"
)

// PlaceholderNickname is shown for a peer sighted through the swarm before
// its first presence message arrives.
const PlaceholderNickname = "identifying..."

// Decay thresholds, in seconds of silence since last_seen.
const (
	OnlineThresholdSec = 10
	AwayThresholdSec   = 30
)

type PeerRole string

const (
	RoleMyself PeerRole = "myself"
	RoleRemote PeerRole = "remote"
)

type PeerStatus string

const (
	StatusOnline  PeerStatus = "online"
	StatusAway    PeerStatus = "away"
	StatusOffline PeerStatus = "offline"
)

// PeerInfo is what the application layer sees about a known swarm member.
// LastSeen is micros since epoch.
type PeerInfo struct {
	ID       identity.NodeID `json:"id"`
	Nickname string          `json:"nickname"`
	LastSeen uint64          `json:"lastSeen"`
	Role     PeerRole        `json:"role"`
	Status   PeerStatus      `json:"status"`
}

// PeerTable tracks every peer ever sighted in the current room. Peers are
// never removed; prolonged silence only decays their status to offline.
// All methods are safe for concurrent use.
type PeerTable struct {
	mu          sync.Mutex
	peers       map[identity.NodeID]PeerInfo
	newStarters map[identity.NodeID]struct{}
	listeners   []chan []PeerInfo
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers:       map[identity.NodeID]PeerInfo{},
		newStarters: map[identity.NodeID]struct{}{},
	}
}

// SetSelf registers the local node's own entry.
func (t *PeerTable) SetSelf(id identity.NodeID, nickname string, now uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = PeerInfo{
		ID:       id,
		Nickname: nickname,
		LastSeen: now,
		Role:     RoleMyself,
		Status:   StatusOnline,
	}
	t.notifyLocked()
}

// Sighted records that a peer was reported by the swarm (joined neighbor
// list or neighbor-up). First sightings get a placeholder nickname and are
// remembered as new starters until their first presence message.
func (t *PeerTable) Sighted(id identity.NodeID, now uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.Status = StatusOnline
		p.LastSeen = now
		t.peers[id] = p
	} else {
		t.newStarters[id] = struct{}{}
		t.peers[id] = PeerInfo{
			ID:       id,
			Nickname: PlaceholderNickname,
			LastSeen: now,
			Role:     RoleRemote,
			Status:   StatusOnline,
		}
	}
	t.notifyLocked()
}

// ApplyPresence refreshes a peer from a verified presence or chat message.
// sentTS is the remote-asserted timestamp. Returns true when this was the
// peer's first presence after being sighted, so the application can announce
// the arrival once instead of on every heartbeat.
func (t *PeerTable) ApplyPresence(id identity.NodeID, nickname string, sentTS uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, isNew := t.newStarters[id]
	delete(t.newStarters, id)
	if p, ok := t.peers[id]; ok {
		p.Nickname = nickname
		p.LastSeen = sentTS
		p.Status = StatusOnline
		t.peers[id] = p
	} else {
		t.peers[id] = PeerInfo{
			ID:       id,
			Nickname: nickname,
			LastSeen: sentTS,
			Role:     RoleRemote,
			Status:   StatusOnline,
		}
	}
	t.notifyLocked()
	return isNew
}

// MarkDown downgrades a peer that the swarm reports as disconnected.
func (t *PeerTable) MarkDown(id identity.NodeID, now uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.Status = StatusOffline
	p.LastSeen = now
	t.peers[id] = p
	t.notifyLocked()
}

// Tick decays peer statuses by silence: online within 10s, away within 30s,
// offline beyond that. The local entry is left alone.
func (t *PeerTable) Tick(now uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for id, p := range t.peers {
		if p.Role == RoleMyself {
			continue
		}
		var silence uint64
		if now > p.LastSeen {
			silence = (now - p.LastSeen) / 1_000_000
		}
		status := StatusOffline
		switch {
		case silence <= OnlineThresholdSec:
			status = StatusOnline
		case silence <= AwayThresholdSec:
			status = StatusAway
		}
		if p.Status != status {
			p.Status = status
			t.peers[id] = p
			changed = true
		}
	}
	if changed {
		t.notifyLocked()
	}
}

// Get returns a single peer's entry.
func (t *PeerTable) Get(id identity.NodeID) (PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

// Snapshot returns all known peers ordered by id.
func (t *PeerTable) Snapshot() []PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *PeerTable) snapshotLocked() []PeerInfo {
	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Subscribe returns a channel receiving a full snapshot on every change.
func (t *PeerTable) Subscribe() chan []PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan []PeerInfo, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan []PeerInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notifyLocked() {
	if len(t.listeners) == 0 {
		return
	}
	snap := t.snapshotLocked()
	for _, ch := range t.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
}
