package doc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/swarmchat/internal/identity"
)

var log = logging.Logger("doc")

var ErrPeerNotFound = errors.New("peer record not found")

// PeerDocStatus is the durable status stored in a peer record, distinct
// from the in-memory presence decay in internal/state.
type PeerDocStatus string

const (
	PeerOnline  PeerDocStatus = "online"
	PeerOffline PeerDocStatus = "offline"
	PeerUnknown PeerDocStatus = "unknown"
)

// PeerRecord is the durable peer directory entry stored under PeerKey.
type PeerRecord struct {
	ID       identity.NodeID `json:"id"`
	Nickname string          `json:"nickname"`
	Status   PeerDocStatus   `json:"status"`
	Ready    bool            `json:"ready"`
}

// ChatMessage is one durable chat log entry.
type ChatMessage struct {
	Sender    identity.NodeID `json:"sender"`
	Nickname  string          `json:"nickname"`
	Content   string          `json:"content"`
	Timestamp uint64          `json:"timestamp"` // micros since epoch
}

// Activity is the durable projection of one room: the peer directory and
// the ordered chat log, layered over the replicated substrate. Late joiners
// catch up by reading it instead of replaying the gossip stream.
type Activity struct {
	store   Store
	me      identity.NodeID
	pending *pendingSet

	// OnMessage, when set, is called for messages whose content became
	// readable only after a content-ready notification.
	OnMessage func(ChatMessage)
}

func NewActivity(store Store, me identity.NodeID) *Activity {
	return &Activity{store: store, me: me, pending: newPendingSet()}
}

// Me returns the local author id.
func (a *Activity) Me() identity.NodeID {
	return a.me
}

// SetNickname writes our own peer record with the new nickname, creating it
// on first use.
func (a *Activity) SetNickname(ctx context.Context, nickname string) error {
	log.Infof("setting nickname to %s", nickname)
	record, err := a.PeerRecord(ctx, a.me)
	if err != nil {
		if !errors.Is(err, ErrPeerNotFound) {
			return err
		}
		record = &PeerRecord{ID: a.me, Status: PeerOnline}
	}
	record.Nickname = nickname
	return a.writePeerRecord(ctx, record)
}

// SetStatus updates the durable status on our own peer record.
func (a *Activity) SetStatus(ctx context.Context, status PeerDocStatus) error {
	record, err := a.PeerRecord(ctx, a.me)
	if err != nil {
		return err
	}
	record.Status = status
	return a.writePeerRecord(ctx, record)
}

// SetReady flags our record as ready for the shared activity to begin.
func (a *Activity) SetReady(ctx context.Context, ready bool) error {
	record, err := a.PeerRecord(ctx, a.me)
	if err != nil {
		return err
	}
	record.Ready = ready
	return a.writePeerRecord(ctx, record)
}

func (a *Activity) writePeerRecord(ctx context.Context, record *PeerRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = a.store.Set(ctx, a.me, PeerKey(record.ID), value)
	return err
}

// PeerRecord reads the directory record for one peer.
func (a *Activity) PeerRecord(ctx context.Context, id identity.NodeID) (*PeerRecord, error) {
	entry, err := a.store.GetOne(ctx, PeerKey(id))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrPeerNotFound
	}
	value, err := a.store.ReadContent(ctx, entry.Hash)
	if err != nil {
		if errors.Is(err, ErrContentNotReady) {
			a.pending.Add(entry.Hash, entry.Key)
		}
		return nil, err
	}
	var record PeerRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("decode peer record: %w", err)
	}
	return &record, nil
}

// AllPeers returns every peer registered in the document. Records whose
// content has not replicated are skipped and retried later.
func (a *Activity) AllPeers(ctx context.Context) ([]PeerRecord, error) {
	entries, err := a.store.GetMany(ctx, PeersPrefix)
	if err != nil {
		return nil, err
	}
	peers := make([]PeerRecord, 0, len(entries))
	for _, entry := range entries {
		if _, ok := ParsePeerKey(entry.Key); !ok {
			log.Warnf("skipping entry with malformed peer key %q", entry.Key)
			continue
		}
		value, err := a.store.ReadContent(ctx, entry.Hash)
		if err != nil {
			if errors.Is(err, ErrContentNotReady) {
				a.pending.Add(entry.Hash, entry.Key)
				continue
			}
			return nil, err
		}
		var record PeerRecord
		if err := json.Unmarshal(value, &record); err != nil {
			log.Warnf("skipping undecodable peer record: %v", err)
			continue
		}
		peers = append(peers, record)
	}
	return peers, nil
}

// SendMessage appends a message authored by us to the durable log.
func (a *Activity) SendMessage(ctx context.Context, nickname, content string, timestamp uint64) error {
	return a.RecordMessage(ctx, ChatMessage{
		Sender:    a.me,
		Nickname:  nickname,
		Content:   content,
		Timestamp: timestamp,
	})
}

// RecordMessage appends a message under its sender's authorship. Used both
// for our own sends and to project verified remote messages into the local
// replica. The (timestamp, author) key makes duplicate deliveries converge
// onto a single entry.
func (a *Activity) RecordMessage(ctx context.Context, msg ChatMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := MessageKey(msg.Timestamp, msg.Sender)
	_, err = a.store.Set(ctx, msg.Sender, key, value)
	return err
}

// Messages returns the full chat history in timestamp order. The prefix
// scan is already key-ordered; the sort afterwards is a correctness
// backstop against out-of-order replication delivery. Entries whose content
// has not replicated are recorded as pending and skipped.
func (a *Activity) Messages(ctx context.Context) ([]ChatMessage, error) {
	entries, err := a.store.GetMany(ctx, MessagesPrefix)
	if err != nil {
		return nil, err
	}
	messages := make([]ChatMessage, 0, len(entries))
	for _, entry := range entries {
		if _, _, ok := ParseMessageKey(entry.Key); !ok {
			log.Warnf("skipping entry with malformed message key %q", entry.Key)
			continue
		}
		value, err := a.store.ReadContent(ctx, entry.Hash)
		if err != nil {
			if errors.Is(err, ErrContentNotReady) {
				a.pending.Add(entry.Hash, entry.Key)
				continue
			}
			return nil, err
		}
		var msg ChatMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			log.Warnf("skipping undecodable message: %v", err)
			continue
		}
		messages = append(messages, msg)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})
	return messages, nil
}

// SetGameState writes the shared game-state singleton.
func (a *Activity) SetGameState(ctx context.Context, board json.RawMessage) error {
	return a.RecordGameState(ctx, a.me, board)
}

// RecordGameState writes a game-state update under its author, used to
// project verified remote updates into the local replica.
func (a *Activity) RecordGameState(ctx context.Context, author identity.NodeID, board json.RawMessage) error {
	_, err := a.store.Set(ctx, author, GameStateKey, board)
	return err
}

// GameState reads the shared game-state singleton, nil when unset.
func (a *Activity) GameState(ctx context.Context) (json.RawMessage, error) {
	entry, err := a.store.GetOne(ctx, GameStateKey)
	if err != nil || entry == nil {
		return nil, err
	}
	value, err := a.store.ReadContent(ctx, entry.Hash)
	if err != nil {
		if errors.Is(err, ErrContentNotReady) {
			a.pending.Add(entry.Hash, entry.Key)
		}
		return nil, err
	}
	return value, nil
}

// PendingCount reports how many entries are waiting on content replication.
func (a *Activity) PendingCount() int {
	return a.pending.Len()
}

// Run consumes substrate notifications until ctx is cancelled or the store
// shuts down. Content-ready notifications re-attempt entries that were
// skipped earlier; recovered chat messages are delivered through OnMessage.
func (a *Activity) Run(ctx context.Context) {
	events := a.store.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != LiveContentReady {
				continue
			}
			for _, key := range a.pending.TakeReady(ev.Hash) {
				a.retry(ctx, key, ev.Hash)
			}
		}
	}
}

func (a *Activity) retry(ctx context.Context, key []byte, h Hash) {
	value, err := a.store.ReadContent(ctx, h)
	if err != nil {
		// Still not there; park it again for the next notification.
		log.Debugf("content %s still not ready: %v", h, err)
		a.pending.Add(h, key)
		return
	}
	if _, _, ok := ParseMessageKey(key); ok && a.OnMessage != nil {
		var msg ChatMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			log.Warnf("recovered undecodable message: %v", err)
			return
		}
		a.OnMessage(msg)
	}
}
