package doc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/petervdpas/swarmchat/internal/identity"
)

// ErrContentNotReady means an entry's content hash is known but the bytes
// have not replicated yet. Retryable: try again when a ContentReady event
// arrives for the hash.
var ErrContentNotReady = errors.New("content not yet replicated")

// HashLen is the length of a content hash.
const HashLen = sha256.Size

// Hash is the content address of an entry's value.
type Hash [HashLen]byte

func HashOf(data []byte) Hash {
	return sha256.Sum256(data)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Entry is one key in the replicated document: who wrote it and where its
// content lives. The value itself is fetched separately by hash.
type Entry struct {
	Key    []byte
	Author identity.NodeID
	Hash   Hash
	Size   int64
}

// LiveEventKind enumerates substrate notifications.
type LiveEventKind int

const (
	LiveInsertLocal LiveEventKind = iota
	LiveInsertRemote
	LiveContentReady
	LiveSyncFinished
	LiveNeighborUp
	LiveNeighborDown
)

// LiveEvent is one notification from the replication engine.
type LiveEvent struct {
	Kind  LiveEventKind
	Entry *Entry          // insert events
	Hash  Hash            // content-ready events
	Node  identity.NodeID // neighbor events
}

// Store is the replicated key-value substrate the document sits on. The
// engine doing multi-writer merge and entry sync is an external
// collaborator; this interface is everything the core relies on.
//
// GetMany must iterate in lexicographic key order. ReadContent may fail with
// ErrContentNotReady for entries whose bytes have not arrived; callers
// record the hash and retry when the matching LiveContentReady fires.
type Store interface {
	// Set writes value under key attributed to author and returns the
	// content hash. Overwrites are last-writer-wins per key.
	Set(ctx context.Context, author identity.NodeID, key, value []byte) (Hash, error)

	// GetOne returns the entry at exactly key, or nil when absent.
	GetOne(ctx context.Context, key []byte) (*Entry, error)

	// GetMany returns all entries whose key starts with prefix, in
	// lexicographic key order.
	GetMany(ctx context.Context, prefix []byte) ([]Entry, error)

	// ReadContent resolves a content hash to its bytes.
	ReadContent(ctx context.Context, h Hash) ([]byte, error)

	// Events yields replication notifications. The channel is closed when
	// the store shuts down.
	Events() <-chan LiveEvent
}
