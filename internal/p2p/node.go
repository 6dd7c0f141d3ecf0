package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/swarmchat/internal/gossip"
	"github.com/petervdpas/swarmchat/internal/identity"
	"github.com/petervdpas/swarmchat/internal/ticket"
)

var log = logging.Logger("p2p")

const (
	// topicNamespace prefixes pubsub topic names so unrelated apps sharing
	// a gossipsub mesh never collide with our rooms.
	topicNamespace = "swarmchat/0/"

	mdnsTag = "swarmchat-mdns"

	connectTimeout = 3 * time.Second
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("net/identify", "error")
}

// Node is the gossip transport adapter: a libp2p host plus a GossipSub
// router, exposed to the core through the gossip.Transport interface.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// New starts a libp2p host with the identity key stored at keyFile and
// joins it to a GossipSub router. LAN peers are discovered over mDNS.
func New(ctx context.Context, listenPort int, keyFile string) (*Node, error) {
	priv, isNew, err := identity.LoadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", keyFile)
	} else {
		log.Infof("loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", listenPort),
		),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &Node{Host: h, ps: ps, mdns: md}, nil
}

// ID returns the local node id.
func (n *Node) ID() (identity.NodeID, error) {
	pub := n.Host.Peerstore().PubKey(n.Host.ID())
	return identity.FromPublicKey(pub)
}

// AddPeerAddrs seeds the peerstore with known multiaddresses for a peer so
// bootstrap dialing has somewhere to go beyond mDNS.
func (n *Node) AddPeerAddrs(id identity.NodeID, addrs []string) {
	pid, err := peerID(id)
	if err != nil {
		return
	}
	var parsed []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		parsed = append(parsed, a)
	}
	if len(parsed) > 0 {
		n.Host.Peerstore().AddAddrs(pid, parsed, peerstore.TempAddrTTL)
	}
}

// Subscribe implements gossip.Transport over a GossipSub topic. Bootstrap
// peers are dialed best-effort from whatever addresses the peerstore holds;
// membership changes and received messages are forwarded as raw events
// until ctx is cancelled, at which point the event channel closes.
func (n *Node) Subscribe(ctx context.Context, topicID ticket.TopicID, bootstrap []identity.NodeID) (gossip.Sender, <-chan gossip.RawEvent, error) {
	name := topicNamespace + topicID.String()
	topic, err := n.ps.Join(name)
	if err != nil {
		return nil, nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, nil, err
	}
	handler, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		_ = topic.Close()
		return nil, nil, err
	}

	me := n.Host.ID()
	go n.dialBootstrap(ctx, bootstrap)

	events := make(chan gossip.RawEvent, 64)
	var wg sync.WaitGroup
	wg.Add(2)

	// Membership notifications.
	go func() {
		defer wg.Done()
		joined := false
		for {
			pe, err := handler.NextPeerEvent(ctx)
			if err != nil {
				return
			}
			id, err := nodeID(pe.Peer)
			if err != nil {
				log.Debugf("ignoring peer with unextractable key: %s", pe.Peer)
				continue
			}
			var raw gossip.RawEvent
			switch pe.Type {
			case pubsub.PeerJoin:
				if !joined {
					joined = true
					raw = gossip.RawEvent{Kind: gossip.RawJoined, Neighbors: []identity.NodeID{id}}
				} else {
					raw = gossip.RawEvent{Kind: gossip.RawNeighborUp, Node: id}
				}
			case pubsub.PeerLeave:
				raw = gossip.RawEvent{Kind: gossip.RawNeighborDown, Node: id}
			default:
				continue
			}
			select {
			case events <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Received messages.
	go func() {
		defer wg.Done()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					select {
					case events <- gossip.RawEvent{Kind: gossip.RawError, Err: err}:
					default:
					}
				}
				return
			}
			if msg.ReceivedFrom == me || msg.GetFrom() == me {
				continue
			}
			select {
			case events <- gossip.RawEvent{Kind: gossip.RawReceived, Data: msg.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Close the stream only after both producers stop.
	go func() {
		wg.Wait()
		handler.Cancel()
		sub.Cancel()
		_ = topic.Close()
		close(events)
	}()

	return &topicSender{topic: topic}, events, nil
}

func (n *Node) dialBootstrap(ctx context.Context, bootstrap []identity.NodeID) {
	for _, id := range bootstrap {
		pid, err := peerID(id)
		if err != nil || pid == n.Host.ID() {
			continue
		}
		addrs := n.Host.Peerstore().Addrs(pid)
		if len(addrs) == 0 {
			// Nothing to dial yet; mDNS or later address gossip has to
			// find this one.
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		if err := n.Host.Connect(dialCtx, peer.AddrInfo{ID: pid, Addrs: addrs}); err != nil {
			log.Debugf("bootstrap dial %s failed: %v", id.Short(), err)
		}
		cancel()
	}
}

func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}

// topicSender broadcasts to one joined topic.
type topicSender struct {
	topic *pubsub.Topic
}

func (s *topicSender) Broadcast(ctx context.Context, data []byte) error {
	return s.topic.Publish(ctx, data)
}

func peerID(id identity.NodeID) (peer.ID, error) {
	pub, err := id.PublicKey()
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pub)
}

func nodeID(pid peer.ID) (identity.NodeID, error) {
	pub, err := pid.ExtractPublicKey()
	if err != nil {
		return identity.NodeID{}, err
	}
	return identity.FromPublicKey(pub)
}
