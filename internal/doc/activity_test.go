package doc

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/swarmchat/internal/identity"
)

// memStore is an in-memory Store used to drive Activity without a database.
type memStore struct {
	mu       sync.Mutex
	entries  map[string]Entry
	contents map[Hash][]byte
	events   chan LiveEvent
}

func newMemStore() *memStore {
	return &memStore{
		entries:  map[string]Entry{},
		contents: map[Hash][]byte{},
		events:   make(chan LiveEvent, 64),
	}
}

func (s *memStore) Set(ctx context.Context, author identity.NodeID, key, value []byte) (Hash, error) {
	h := HashOf(value)
	s.mu.Lock()
	s.contents[h] = append([]byte(nil), value...)
	s.entries[string(key)] = Entry{
		Key:    append([]byte(nil), key...),
		Author: author,
		Hash:   h,
		Size:   int64(len(value)),
	}
	s.mu.Unlock()
	return h, nil
}

// setEntryOnly registers an entry whose content has not replicated.
func (s *memStore) setEntryOnly(author identity.NodeID, key, value []byte) Hash {
	h := HashOf(value)
	s.mu.Lock()
	s.entries[string(key)] = Entry{
		Key:    append([]byte(nil), key...),
		Author: author,
		Hash:   h,
		Size:   int64(len(value)),
	}
	s.mu.Unlock()
	return h
}

// deliverContent makes the bytes readable and fires the ready notification.
func (s *memStore) deliverContent(value []byte) {
	h := HashOf(value)
	s.mu.Lock()
	s.contents[h] = append([]byte(nil), value...)
	s.mu.Unlock()
	s.events <- LiveEvent{Kind: LiveContentReady, Hash: h}
}

func (s *memStore) GetOne(ctx context.Context, key []byte) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[string(key)]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (s *memStore) GetMany(ctx context.Context, prefix []byte) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, entry := range s.entries {
		if bytes.HasPrefix(entry.Key, prefix) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key, out[j].Key) < 0
	})
	return out, nil
}

func (s *memStore) ReadContent(ctx context.Context, h Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.contents[h]
	if !ok {
		return nil, ErrContentNotReady
	}
	return value, nil
}

func (s *memStore) Events() <-chan LiveEvent {
	return s.events
}

func TestNicknameAndStatusLifecycle(t *testing.T) {
	_, me, err := identity.Generate()
	require.NoError(t, err)
	a := NewActivity(newMemStore(), me)
	ctx := context.Background()

	// No record yet.
	_, err = a.PeerRecord(ctx, me)
	require.ErrorIs(t, err, ErrPeerNotFound)
	require.ErrorIs(t, a.SetStatus(ctx, PeerOffline), ErrPeerNotFound)

	// First SetNickname creates the record.
	require.NoError(t, a.SetNickname(ctx, "alice"))
	record, err := a.PeerRecord(ctx, me)
	require.NoError(t, err)
	require.Equal(t, "alice", record.Nickname)
	require.Equal(t, PeerOnline, record.Status)
	require.False(t, record.Ready)

	// Status and readiness updates keep the nickname.
	require.NoError(t, a.SetStatus(ctx, PeerOffline))
	require.NoError(t, a.SetReady(ctx, true))
	record, err = a.PeerRecord(ctx, me)
	require.NoError(t, err)
	require.Equal(t, "alice", record.Nickname)
	require.Equal(t, PeerOffline, record.Status)
	require.True(t, record.Ready)
}

func TestMessagesOrderedByTimestamp(t *testing.T) {
	_, me, err := identity.Generate()
	require.NoError(t, err)
	_, other, err := identity.Generate()
	require.NoError(t, err)
	a := NewActivity(newMemStore(), me)
	ctx := context.Background()

	require.NoError(t, a.SendMessage(ctx, "me", "third", 300))
	require.NoError(t, a.RecordMessage(ctx, ChatMessage{
		Sender: other, Nickname: "them", Content: "first", Timestamp: 100,
	}))
	require.NoError(t, a.SendMessage(ctx, "me", "second", 200))

	msgs, err := a.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "second", msgs[1].Content)
	require.Equal(t, "third", msgs[2].Content)
}

func TestDuplicateDeliveryConverges(t *testing.T) {
	_, me, err := identity.Generate()
	require.NoError(t, err)
	a := NewActivity(newMemStore(), me)
	ctx := context.Background()

	msg := ChatMessage{Sender: me, Nickname: "me", Content: "once", Timestamp: 42}
	require.NoError(t, a.RecordMessage(ctx, msg))
	require.NoError(t, a.RecordMessage(ctx, msg))

	msgs, err := a.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestPendingContentRecovery(t *testing.T) {
	store := newMemStore()
	_, me, err := identity.Generate()
	require.NoError(t, err)
	_, remote, err := identity.Generate()
	require.NoError(t, err)
	a := NewActivity(store, me)

	recovered := make(chan ChatMessage, 1)
	a.OnMessage = func(msg ChatMessage) { recovered <- msg }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	// A remote message entry lands before its bytes.
	msg := ChatMessage{Sender: remote, Nickname: "them", Content: "delayed", Timestamp: 77}
	value, err := json.Marshal(msg)
	require.NoError(t, err)
	store.setEntryOnly(remote, MessageKey(msg.Timestamp, remote), value)

	msgs, err := a.Messages(ctx)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Equal(t, 1, a.PendingCount())

	// Content replication catches up.
	store.deliverContent(value)

	select {
	case got := <-recovered:
		require.Equal(t, "delayed", got.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("recovered message never delivered")
	}
	require.Equal(t, 0, a.PendingCount())

	msgs, err = a.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestGameStateSingleton(t *testing.T) {
	_, me, err := identity.Generate()
	require.NoError(t, err)
	_, remote, err := identity.Generate()
	require.NoError(t, err)
	a := NewActivity(newMemStore(), me)
	ctx := context.Background()

	board, err := a.GameState(ctx)
	require.NoError(t, err)
	require.Nil(t, board)

	require.NoError(t, a.SetGameState(ctx, json.RawMessage(`{"turn":1}`)))
	require.NoError(t, a.RecordGameState(ctx, remote, json.RawMessage(`{"turn":2}`)))

	board, err = a.GameState(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"turn":2}`, string(board))
}

func TestAllPeersSkipsUnreadyRecords(t *testing.T) {
	store := newMemStore()
	_, me, err := identity.Generate()
	require.NoError(t, err)
	_, remote, err := identity.Generate()
	require.NoError(t, err)
	a := NewActivity(store, me)
	ctx := context.Background()

	require.NoError(t, a.SetNickname(ctx, "alice"))

	value, err := json.Marshal(PeerRecord{ID: remote, Nickname: "bob", Status: PeerOnline})
	require.NoError(t, err)
	store.setEntryOnly(remote, PeerKey(remote), value)

	peers, err := a.AllPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "alice", peers[0].Nickname)
	require.Equal(t, 1, a.PendingCount())
}
