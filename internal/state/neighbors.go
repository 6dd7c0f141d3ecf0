package state

import (
	"sync"

	"github.com/petervdpas/swarmchat/internal/identity"
)

// NeighborSet is the deduplicated set of peers currently connected in the
// gossip overlay. The event pipeline mutates it synchronously as membership
// notifications pass through; ticket building reads snapshots of it.
type NeighborSet struct {
	mu    sync.Mutex
	nodes map[identity.NodeID]struct{}
}

func NewNeighborSet() *NeighborSet {
	return &NeighborSet{nodes: map[identity.NodeID]struct{}{}}
}

func (s *NeighborSet) Add(id identity.NodeID) {
	s.mu.Lock()
	s.nodes[id] = struct{}{}
	s.mu.Unlock()
}

// AddAll unions a joined-notification neighbor list into the set.
func (s *NeighborSet) AddAll(ids []identity.NodeID) {
	s.mu.Lock()
	for _, id := range ids {
		s.nodes[id] = struct{}{}
	}
	s.mu.Unlock()
}

func (s *NeighborSet) Remove(id identity.NodeID) {
	s.mu.Lock()
	delete(s.nodes, id)
	s.mu.Unlock()
}

func (s *NeighborSet) Contains(id identity.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[id]
	return ok
}

func (s *NeighborSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Snapshot returns the members in sorted order.
func (s *NeighborSet) Snapshot() []identity.NodeID {
	s.mu.Lock()
	out := make([]identity.NodeID, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	s.mu.Unlock()
	identity.SortIDs(out)
	return out
}
