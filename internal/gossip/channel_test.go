package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/swarmchat/internal/identity"
	"github.com/petervdpas/swarmchat/internal/proto"
	"github.com/petervdpas/swarmchat/internal/ticket"
)

// fakeSender records every broadcast and signals each one on a channel.
type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
	ch   chan []byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan []byte, 128)}
}

func (f *fakeSender) Broadcast(ctx context.Context, data []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	f.ch <- data
	return nil
}

// fakeTransport delivers scripted raw events and captures broadcasts.
type fakeTransport struct {
	sender *fakeSender
	raw    chan RawEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sender: newFakeSender(), raw: make(chan RawEvent, 64)}
}

func (f *fakeTransport) Subscribe(ctx context.Context, topic ticket.TopicID, bootstrap []identity.NodeID) (Sender, <-chan RawEvent, error) {
	return f.sender, f.raw, nil
}

func generateKey(t *testing.T) (crypto.PrivKey, identity.NodeID) {
	t.Helper()
	priv, id, err := identity.Generate()
	require.NoError(t, err)
	return priv, id
}

// nextBroadcast waits for one broadcast envelope and decodes it.
func nextBroadcast(t *testing.T, f *fakeSender) *proto.ReceivedMessage {
	t.Helper()
	select {
	case data := <-f.ch:
		msg, err := proto.VerifyAndDecode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast arrived")
		return nil
	}
}

func TestJoinBroadcastsPresenceImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	priv, me := generateKey(t)

	ch, err := Join(ctx, tr, priv, ticket.NewRandom(), "alice")
	require.NoError(t, err)
	require.Equal(t, me, ch.Me())

	msg := nextBroadcast(t, tr.sender)
	require.Equal(t, proto.TypePresence, msg.Message.Type)
	require.Equal(t, "alice", msg.Message.Nickname)
	require.Equal(t, me, msg.From)
}

func TestSetNicknameTriggersFreshHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	priv, _ := generateKey(t)

	ch, err := Join(ctx, tr, priv, ticket.NewRandom(), "old-name")
	require.NoError(t, err)
	nextBroadcast(t, tr.sender) // initial heartbeat

	ch.Sender().SetNickname("new-name")
	msg := nextBroadcast(t, tr.sender)
	require.Equal(t, proto.TypePresence, msg.Message.Type)
	require.Equal(t, "new-name", msg.Message.Nickname)
}

func TestPipelineSkipsInvalidEnvelopes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	priv, _ := generateKey(t)
	remotePriv, remoteID := generateKey(t)

	ch, err := Join(ctx, tr, priv, ticket.NewRandom(), "alice")
	require.NoError(t, err)
	events, err := ch.TakeEvents()
	require.NoError(t, err)

	// Garbage first, then a valid signed chat message.
	tr.raw <- RawEvent{Kind: RawReceived, Data: []byte("junk")}
	valid, err := proto.SignAndEncode(remotePriv, proto.NewChat("hi", "bob"))
	require.NoError(t, err)
	tr.raw <- RawEvent{Kind: RawReceived, Data: valid}

	select {
	case ev := <-events:
		require.Equal(t, EventMessageReceived, ev.Type)
		require.Equal(t, remoteID, ev.From)
		require.Equal(t, "hi", ev.Text)
		require.Equal(t, "bob", ev.Nickname)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message never surfaced")
	}
}

func TestNeighborTrackingAndTickets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	priv, me := generateKey(t)
	_, a := generateKey(t)
	_, b := generateKey(t)

	ch, err := Join(ctx, tr, priv, ticket.NewRandom(), "alice")
	require.NoError(t, err)
	events, err := ch.TakeEvents()
	require.NoError(t, err)

	tr.raw <- RawEvent{Kind: RawJoined, Neighbors: []identity.NodeID{a}}
	tr.raw <- RawEvent{Kind: RawNeighborUp, Node: b}
	tr.raw <- RawEvent{Kind: RawNeighborDown, Node: a}
	for i := 0; i < 3; i++ {
		select {
		case <-events:
		case <-time.After(2 * time.Second):
			t.Fatal("membership event never surfaced")
		}
	}

	require.Equal(t, []identity.NodeID{b}, ch.Neighbors())

	// Myself only.
	tk, err := ticket.Deserialize(ch.Ticket(ticket.Opts{IncludeMyself: true}))
	require.NoError(t, err)
	require.Equal(t, []identity.NodeID{me}, tk.Bootstrap())

	// Neighbors only.
	tk, err = ticket.Deserialize(ch.Ticket(ticket.Opts{IncludeNeighbors: true}))
	require.NoError(t, err)
	require.Equal(t, []identity.NodeID{b}, tk.Bootstrap())

	// Everything: me, the original bootstrap set (which folds in me), and b.
	tk, err = ticket.Deserialize(ch.Ticket(ticket.AllOpts()))
	require.NoError(t, err)
	require.ElementsMatch(t, []identity.NodeID{me, b}, tk.Bootstrap())
}

func TestErrorEventsSurfaceWithoutKillingTheStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	priv, _ := generateKey(t)

	ch, err := Join(ctx, tr, priv, ticket.NewRandom(), "alice")
	require.NoError(t, err)
	events, err := ch.TakeEvents()
	require.NoError(t, err)

	tr.raw <- RawEvent{Kind: RawError, Err: context.DeadlineExceeded}
	tr.raw <- RawEvent{Kind: RawLagged}

	ev := <-events
	require.Equal(t, EventErrored, ev.Type)
	require.NotEmpty(t, ev.Message)
	ev = <-events
	require.Equal(t, EventLagged, ev.Type)
}

func TestTakeEventsOnlyOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	priv, _ := generateKey(t)

	ch, err := Join(ctx, tr, priv, ticket.NewRandom(), "alice")
	require.NoError(t, err)
	_, err = ch.TakeEvents()
	require.NoError(t, err)
	_, err = ch.TakeEvents()
	require.ErrorIs(t, err, ErrReceiverTaken)
}

func TestStreamCloseClosesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	priv, _ := generateKey(t)

	ch, err := Join(ctx, tr, priv, ticket.NewRandom(), "alice")
	require.NoError(t, err)
	events, err := ch.TakeEvents()
	require.NoError(t, err)

	close(tr.raw)
	select {
	case _, ok := <-events:
		require.False(t, ok, "events must close when the raw stream ends")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed")
	}
}
