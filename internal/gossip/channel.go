package gossip

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/petervdpas/swarmchat/internal/identity"
	"github.com/petervdpas/swarmchat/internal/state"
	"github.com/petervdpas/swarmchat/internal/ticket"
)

var log = logging.Logger("gossip")

var ErrReceiverTaken = errors.New("event receiver already taken")

// Channel is one joined room: the subscribed topic, the authenticated
// sender, and the pipeline turning raw transport events into domain events.
type Channel struct {
	topicID   ticket.TopicID
	me        identity.NodeID
	bootstrap []identity.NodeID
	neighbors *state.NeighborSet
	sender    *ChatSender
	events    <-chan Event
	taken     bool
}

// Join subscribes to the ticket's topic and wires up the presence heartbeat
// and the event pipeline. Our own id is folded into the bootstrap set so
// tickets issued from this channel point back at us. Both background tasks
// are bound to ctx; cancelling it tears them down.
func Join(ctx context.Context, tr Transport, secretKey crypto.PrivKey, tk ticket.Ticket, nickname string) (*Channel, error) {
	me, err := identity.FromPrivateKey(secretKey)
	if err != nil {
		return nil, err
	}
	tk.AddBootstrap(me)

	log.Infof("joining %s with %d bootstrap peers", tk.TopicID, len(tk.Bootstrap()))
	sender, raw, err := tr.Subscribe(ctx, tk.TopicID, tk.Bootstrap())
	if err != nil {
		return nil, err
	}

	presence := newTrigger()
	cs := newChatSender(nickname, secretKey, sender, presence)
	neighbors := state.NewNeighborSet()

	events := make(chan Event, 64)
	go runPipeline(ctx, raw, events, neighbors, presence)
	go cs.runPresenceLoop(ctx)

	return &Channel{
		topicID:   tk.TopicID,
		me:        me,
		bootstrap: tk.Bootstrap(),
		neighbors: neighbors,
		sender:    cs,
		events:    events,
	}, nil
}

// runPipeline consumes the raw stream, decodes and verifies payloads, and
// forwards domain events. Verification failures are logged and skipped; the
// stream only ends when the transport closes it. The neighbor set is updated
// synchronously as each membership event passes through, and the first
// transition into the swarm fires an immediate presence broadcast so our
// identity propagates without waiting for the next heartbeat tick.
func runPipeline(ctx context.Context, raw <-chan RawEvent, out chan<- Event, neighbors *state.NeighborSet, presence *trigger) {
	defer close(out)
	joined := false
	for {
		var item RawEvent
		var ok bool
		select {
		case <-ctx.Done():
			return
		case item, ok = <-raw:
			if !ok {
				return
			}
		}

		if item.Kind == RawError {
			select {
			case out <- Event{Type: EventErrored, Message: item.Err.Error()}:
			case <-ctx.Done():
				return
			}
			continue
		}

		event, err := fromRaw(item)
		if err != nil {
			log.Warnf("received invalid message: %v", err)
			continue
		}

		switch event.Type {
		case EventJoined:
			neighbors.AddAll(event.Neighbors)
		case EventNeighborUp:
			neighbors.Add(event.NodeID)
		case EventNeighborDown:
			neighbors.Remove(event.NodeID)
		}

		// First contact with the swarm: announce ourselves right away.
		if !joined && (event.Type == EventJoined || event.Type == EventNeighborUp) {
			joined = true
			presence.Fire()
		}

		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}

// Sender returns the authenticated send handle for this channel.
func (c *Channel) Sender() *ChatSender {
	return c.sender
}

// TakeEvents hands out the domain event stream. It can be taken once; the
// channel owns no other copy.
func (c *Channel) TakeEvents() (<-chan Event, error) {
	if c.taken {
		return nil, ErrReceiverTaken
	}
	c.taken = true
	return c.events, nil
}

// ID returns the topic id in string form.
func (c *Channel) ID() string {
	return c.topicID.String()
}

// Me returns the local node id.
func (c *Channel) Me() identity.NodeID {
	return c.me
}

// Neighbors returns the currently connected overlay peers.
func (c *Channel) Neighbors() []identity.NodeID {
	return c.neighbors.Snapshot()
}

// Ticket builds a fresh rendezvous ticket from live channel state. The
// option flags independently fold in ourselves, the peers we originally
// bootstrapped from, and the currently connected neighbors.
func (c *Channel) Ticket(opts ticket.Opts) string {
	tk := ticket.New(c.topicID)
	if opts.IncludeMyself {
		tk.AddBootstrap(c.me)
	}
	if opts.IncludeBootstrap {
		for _, id := range c.bootstrap {
			tk.AddBootstrap(id)
		}
	}
	if opts.IncludeNeighbors {
		for _, id := range c.neighbors.Snapshot() {
			tk.AddBootstrap(id)
		}
	}
	return tk.Serialize()
}
