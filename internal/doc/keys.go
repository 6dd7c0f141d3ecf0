package doc

import (
	"bytes"
	"encoding/binary"

	"github.com/petervdpas/swarmchat/internal/identity"
)

// Key schema for the replicated document. Byte-exact: other implementations
// must produce identical keys or range scans stop lining up.
var (
	PeersPrefix    = []byte("peers/")
	NicknameSuffix = []byte("/nickname")
	MessagesPrefix = []byte("messages/")
	GameStateKey   = []byte("game_state")
)

// authorPrefixLen is how much of the author id is appended to message keys
// to keep same-microsecond messages from different authors distinct.
const authorPrefixLen = 8

// PeerKey builds the key a peer's directory record lives under.
func PeerKey(id identity.NodeID) []byte {
	key := make([]byte, 0, len(PeersPrefix)+identity.NodeIDLen+len(NicknameSuffix))
	key = append(key, PeersPrefix...)
	key = append(key, id[:]...)
	key = append(key, NicknameSuffix...)
	return key
}

// MessageKey builds a unique, sortable chat message key: prefix, big-endian
// timestamp, separator, author id prefix. Lexicographic key order equals
// timestamp order, tie-broken by author, so an ordered prefix scan needs no
// secondary sort index.
func MessageKey(timestampMicros uint64, author identity.NodeID) []byte {
	key := make([]byte, 0, len(MessagesPrefix)+8+1+authorPrefixLen)
	key = append(key, MessagesPrefix...)
	key = binary.BigEndian.AppendUint64(key, timestampMicros)
	key = append(key, '_')
	key = append(key, author[:authorPrefixLen]...)
	return key
}

// ParseMessageKey recovers the timestamp and author prefix from a message
// key. Keys outside the schema return ok=false and must not be applied.
func ParseMessageKey(key []byte) (timestampMicros uint64, authorPrefix []byte, ok bool) {
	if !bytes.HasPrefix(key, MessagesPrefix) {
		return 0, nil, false
	}
	rest := key[len(MessagesPrefix):]
	if len(rest) != 8+1+authorPrefixLen || rest[8] != '_' {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(rest[:8]), rest[9:], true
}

// ParsePeerKey recovers the node id from a peer record key.
func ParsePeerKey(key []byte) (identity.NodeID, bool) {
	if !bytes.HasPrefix(key, PeersPrefix) || !bytes.HasSuffix(key, NicknameSuffix) {
		return identity.NodeID{}, false
	}
	raw := key[len(PeersPrefix) : len(key)-len(NicknameSuffix)]
	id, err := identity.FromBytes(raw)
	if err != nil {
		return identity.NodeID{}, false
	}
	return id, true
}
