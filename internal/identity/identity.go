package identity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
)

var log = logging.Logger("identity")

// NodeIDLen is the length of a raw Ed25519 public key.
const NodeIDLen = 32

var ErrBadNodeID = errors.New("malformed node id")

// NodeID is the durable identity of a peer: its raw Ed25519 public key.
type NodeID [NodeIDLen]byte

func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns a truncated form for display and log output.
func (n NodeID) Short() string {
	return hex.EncodeToString(n[:4])
}

func (n NodeID) Bytes() []byte {
	out := make([]byte, NodeIDLen)
	copy(out, n[:])
	return out
}

// PublicKey reconstructs the libp2p public key for signature checks.
func (n NodeID) PublicKey() (crypto.PubKey, error) {
	return crypto.UnmarshalEd25519PublicKey(n[:])
}

func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *NodeID) UnmarshalText(text []byte) error {
	id, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*n = id
	return nil
}

// ParseNodeID parses the hex form produced by String.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != NodeIDLen {
		return id, ErrBadNodeID
	}
	copy(id[:], raw)
	return id, nil
}

// FromBytes converts a raw 32-byte public key into a NodeID.
func FromBytes(raw []byte) (NodeID, error) {
	var id NodeID
	if len(raw) != NodeIDLen {
		return id, ErrBadNodeID
	}
	copy(id[:], raw)
	return id, nil
}

// FromPublicKey derives the NodeID from a libp2p public key.
// Only Ed25519 keys are supported.
func FromPublicKey(pub crypto.PubKey) (NodeID, error) {
	if pub.Type() != crypto.Ed25519 {
		return NodeID{}, fmt.Errorf("%w: unsupported key type %v", ErrBadNodeID, pub.Type())
	}
	raw, err := pub.Raw()
	if err != nil {
		return NodeID{}, err
	}
	return FromBytes(raw)
}

// FromPrivateKey derives the NodeID of the key's public half.
func FromPrivateKey(priv crypto.PrivKey) (NodeID, error) {
	return FromPublicKey(priv.GetPublic())
}

// Generate creates a fresh Ed25519 keypair.
func Generate() (crypto.PrivKey, NodeID, error) {
	priv, pub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, NodeID{}, err
	}
	id, err := FromPublicKey(pub)
	if err != nil {
		return nil, NodeID{}, err
	}
	return priv, id, nil
}

// LoadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func LoadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// SortIDs sorts node ids by their raw bytes, in place.
func SortIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
