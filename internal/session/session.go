package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/petervdpas/swarmchat/internal/doc"
	"github.com/petervdpas/swarmchat/internal/gossip"
	"github.com/petervdpas/swarmchat/internal/identity"
	"github.com/petervdpas/swarmchat/internal/proto"
	"github.com/petervdpas/swarmchat/internal/state"
	"github.com/petervdpas/swarmchat/internal/ticket"
	"github.com/petervdpas/swarmchat/internal/util"
)

var log = logging.Logger("session")

var ErrNoActiveSession = errors.New("no active session")

const (
	// decayInterval paces the peer status decay tick.
	decayInterval = 2 * time.Second

	// stopTimeout bounds how long Stop waits for the listener to drain.
	stopTimeout = 2 * time.Second

	recentEventCap = 256
)

// Manager owns the single active room. Starting a new room implicitly
// leaves the old one; all state transitions go through one lock so
// concurrent start/stop calls can never interleave into a half-started
// session.
type Manager struct {
	transport gossip.Transport
	secretKey crypto.PrivKey
	me        identity.NodeID
	activity  *doc.Activity // nil when running without a durable replica

	mu     sync.Mutex
	active *activeSession

	tkMu         sync.Mutex
	latestTicket string

	lmu       sync.Mutex
	listeners []chan gossip.Event
	recent    *util.RingBuffer[gossip.Event]
}

// activeSession bundles everything bound to one joined room. Cancelling
// cancel tears down the pipeline, the presence heartbeat, and the listener.
type activeSession struct {
	channel *gossip.Channel
	peers   *state.PeerTable
	cancel  context.CancelFunc
	done    chan struct{}
	runID   string
}

func New(transport gossip.Transport, secretKey crypto.PrivKey, activity *doc.Activity) (*Manager, error) {
	me, err := identity.FromPrivateKey(secretKey)
	if err != nil {
		return nil, err
	}
	return &Manager{
		transport: transport,
		secretKey: secretKey,
		me:        me,
		activity:  activity,
		recent:    util.NewRingBuffer[gossip.Event](recentEventCap),
	}, nil
}

// Me returns the local node id.
func (m *Manager) Me() identity.NodeID {
	return m.me
}

// Start joins a room and returns the ticket string to share. An empty
// ticketStr creates a fresh room. Any previously active session is stopped
// first; the whole transition happens under the session lock.
func (m *Manager) Start(ticketStr, nickname string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()

	var tk ticket.Ticket
	if ticketStr == "" {
		tk = ticket.NewRandom()
	} else {
		var err error
		tk, err = ticket.Deserialize(ticketStr)
		if err != nil {
			return "", err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	channel, err := gossip.Join(ctx, m.transport, m.secretKey, tk, nickname)
	if err != nil {
		cancel()
		return "", err
	}
	events, err := channel.TakeEvents()
	if err != nil {
		cancel()
		return "", err
	}

	peers := state.NewPeerTable()
	peers.SetSelf(m.me, nickname, proto.NowMicros())

	if m.activity != nil {
		if err := m.activity.SetNickname(ctx, nickname); err != nil {
			log.Warnf("failed to write own peer record: %v", err)
		}
		go m.activity.Run(ctx)
	}

	active := &activeSession{
		channel: channel,
		peers:   peers,
		cancel:  cancel,
		done:    make(chan struct{}),
		runID:   uuid.NewString(),
	}
	m.active = active
	m.recent.Clear()
	m.setLatestTicket(channel.Ticket(ticket.AllOpts()))

	go m.run(ctx, active, events)

	log.Infow("session started", "run", active.runID, "topic", channel.ID())
	return m.Ticket(), nil
}

// Stop leaves the active room: snapshots a final ticket, marks our durable
// record offline, and cancels the background tasks. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	active := m.active
	if active == nil {
		return
	}
	m.active = nil

	// Final snapshot so a restart can hand out the richest ticket we knew.
	m.setLatestTicket(active.channel.Ticket(ticket.AllOpts()))

	if m.activity != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := m.activity.SetStatus(ctx, doc.PeerOffline); err != nil && !errors.Is(err, doc.ErrPeerNotFound) {
			log.Warnf("failed to mark peer record offline: %v", err)
		}
		cancel()
	}

	active.cancel()
	select {
	case <-active.done:
	case <-time.After(stopTimeout):
		log.Warnf("listener for run %s did not exit in time", active.runID)
	}
	log.Infow("session stopped", "run", active.runID, "topic", active.channel.ID())
}

// run is the event listener: it interleaves domain events with the
// periodic peer decay tick until the stream ends or the session stops.
func (m *Manager) run(ctx context.Context, active *activeSession, events <-chan gossip.Event) {
	defer close(active.done)
	ticker := time.NewTicker(decayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active.peers.Tick(proto.NowMicros())
		case ev, ok := <-events:
			if !ok {
				log.Info("event stream ended")
				m.publish(gossip.Event{Type: gossip.EventDisconnected})
				return
			}
			m.handleEvent(ctx, active, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, active *activeSession, ev gossip.Event) {
	now := proto.NowMicros()
	switch ev.Type {
	case gossip.EventJoined:
		for _, id := range ev.Neighbors {
			active.peers.Sighted(id, now)
		}
		m.setLatestTicket(active.channel.Ticket(ticket.AllOpts()))
	case gossip.EventNeighborUp:
		active.peers.Sighted(ev.NodeID, now)
		m.setLatestTicket(active.channel.Ticket(ticket.AllOpts()))
	case gossip.EventNeighborDown:
		active.peers.MarkDown(ev.NodeID, now)
	case gossip.EventPresence:
		active.peers.ApplyPresence(ev.From, ev.Nickname, ev.SentTimestamp)
	case gossip.EventMessageReceived:
		active.peers.ApplyPresence(ev.From, ev.Nickname, ev.SentTimestamp)
		if m.activity != nil {
			err := m.activity.RecordMessage(ctx, doc.ChatMessage{
				Sender:    ev.From,
				Nickname:  ev.Nickname,
				Content:   ev.Text,
				Timestamp: ev.SentTimestamp,
			})
			if err != nil {
				log.Warnf("failed to record message: %v", err)
			}
		}
	case gossip.EventGameState:
		if m.activity != nil {
			if err := m.activity.RecordGameState(ctx, ev.From, ev.Board); err != nil {
				log.Warnf("failed to record game state: %v", err)
			}
		}
	case gossip.EventRequestSync:
		active.channel.Sender().AnnouncePresence()
	case gossip.EventErrored:
		log.Warnf("transport error: %s", ev.Message)
	}
	m.publish(ev)
}

// Send broadcasts a chat message and appends it to the durable log.
func (m *Manager) Send(ctx context.Context, text string) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active == nil {
		return ErrNoActiveSession
	}
	sender := active.channel.Sender()
	if err := sender.Send(ctx, text); err != nil {
		return err
	}
	if m.activity != nil {
		if err := m.activity.SendMessage(ctx, sender.Nickname(), text, proto.NowMicros()); err != nil {
			log.Warnf("failed to persist own message: %v", err)
		}
	}
	return nil
}

// SetNickname applies a nickname change to the live heartbeat, the peer
// table, and the durable record.
func (m *Manager) SetNickname(ctx context.Context, nickname string) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active == nil {
		return ErrNoActiveSession
	}
	active.channel.Sender().SetNickname(nickname)
	active.peers.SetSelf(m.me, nickname, proto.NowMicros())
	if m.activity != nil {
		return m.activity.SetNickname(ctx, nickname)
	}
	return nil
}

// Peers returns the current peer directory, empty when idle.
func (m *Manager) Peers() []state.PeerInfo {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active == nil {
		return nil
	}
	return active.peers.Snapshot()
}

// Messages returns the ordered durable chat history.
func (m *Manager) Messages(ctx context.Context) ([]doc.ChatMessage, error) {
	if m.activity == nil {
		return nil, errors.New("no durable replica attached")
	}
	return m.activity.Messages(ctx)
}

// Ticket returns the most recent rendezvous ticket string. It survives
// Stop so a leaving node can still hand out its last snapshot.
func (m *Manager) Ticket() string {
	m.tkMu.Lock()
	defer m.tkMu.Unlock()
	return m.latestTicket
}

func (m *Manager) setLatestTicket(t string) {
	m.tkMu.Lock()
	m.latestTicket = t
	m.tkMu.Unlock()
}

// TopicID returns the active room's topic id.
func (m *Manager) TopicID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", ErrNoActiveSession
	}
	return m.active.channel.ID(), nil
}

// Subscribe returns a channel receiving all domain events of the active
// (and any future) session.
func (m *Manager) Subscribe() chan gossip.Event {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	ch := make(chan gossip.Event, 64)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *Manager) Unsubscribe(ch chan gossip.Event) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Recent returns the buffered recent events, oldest first.
func (m *Manager) Recent() []gossip.Event {
	return m.recent.Snapshot()
}

func (m *Manager) publish(ev gossip.Event) {
	m.recent.Push(ev)
	m.lmu.Lock()
	for _, ch := range m.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	m.lmu.Unlock()
}
