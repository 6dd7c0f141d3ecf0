package gossip

import (
	"context"

	"github.com/petervdpas/swarmchat/internal/identity"
	"github.com/petervdpas/swarmchat/internal/ticket"
)

// RawKind enumerates the notifications a transport can yield.
type RawKind int

const (
	RawJoined RawKind = iota
	RawNeighborUp
	RawNeighborDown
	RawReceived
	RawLagged
	RawError
)

// RawEvent is one item from the transport's heterogeneous event stream,
// before envelope verification and domain mapping.
type RawEvent struct {
	Kind      RawKind
	Neighbors []identity.NodeID // RawJoined
	Node      identity.NodeID   // RawNeighborUp / RawNeighborDown
	Data      []byte            // RawReceived: opaque envelope bytes
	Err       error             // RawError
}

// Sender broadcasts opaque bytes to the subscribed topic.
type Sender interface {
	Broadcast(ctx context.Context, data []byte) error
}

// Transport is the external gossip collaborator. Subscribe joins a topic
// using the given bootstrap peers and returns a broadcast handle plus the
// raw event stream. The stream channel is closed when the subscription
// terminates; events already read keep the transport's delivery order.
type Transport interface {
	Subscribe(ctx context.Context, topic ticket.TopicID, bootstrap []identity.NodeID) (Sender, <-chan RawEvent, error)
}
