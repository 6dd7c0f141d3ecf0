package ticket

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/petervdpas/swarmchat/internal/identity"
)

// Kind is the discriminator prepended to every serialized ticket so a
// reader can tell what it is before decoding the payload.
const Kind = "chat"

// payloadVersion is the first payload byte; bump it for incompatible layouts.
const payloadVersion = 0

var (
	ErrBadKind    = errors.New("unrecognized ticket kind")
	ErrBadPayload = errors.New("malformed ticket payload")
)

// enc is the text-safe payload encoding: lowercase base32, no padding.
var enc = base32.StdEncoding.WithPadding(base32.NoPadding)

// TopicID identifies the gossip topic a room lives on.
type TopicID [32]byte

func (t TopicID) String() string {
	return fmt.Sprintf("%x", t[:])
}

// Ticket is a portable rendezvous descriptor: a topic plus the set of peers
// to use as initial contact points. The bootstrap set is kept sorted and
// deduplicated so serialization is deterministic and equality does not
// depend on insertion order. A serialized ticket is immutable; building a
// fresh one copies current knowledge into a new value.
type Ticket struct {
	TopicID   TopicID
	bootstrap []identity.NodeID // sorted, unique
}

// NewRandom creates a ticket for a brand-new topic with no bootstrap peers.
func NewRandom() Ticket {
	var topic TopicID
	if _, err := rand.Read(topic[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return New(topic)
}

// New creates a ticket for a known topic with an empty bootstrap set.
func New(topic TopicID) Ticket {
	return Ticket{TopicID: topic}
}

// AddBootstrap inserts a peer into the bootstrap set, keeping it sorted.
func (t *Ticket) AddBootstrap(id identity.NodeID) {
	for _, existing := range t.bootstrap {
		if existing == id {
			return
		}
	}
	t.bootstrap = append(t.bootstrap, id)
	identity.SortIDs(t.bootstrap)
}

// Bootstrap returns a copy of the bootstrap set in sorted order.
func (t Ticket) Bootstrap() []identity.NodeID {
	out := make([]identity.NodeID, len(t.bootstrap))
	copy(out, t.bootstrap)
	return out
}

// Equal reports whether two tickets describe the same rendezvous.
func (t Ticket) Equal(other Ticket) bool {
	if t.TopicID != other.TopicID || len(t.bootstrap) != len(other.bootstrap) {
		return false
	}
	for i := range t.bootstrap {
		if t.bootstrap[i] != other.bootstrap[i] {
			return false
		}
	}
	return true
}

// Serialize renders the ticket as a portable string: the kind discriminator
// followed by the base32 payload. Round-trips byte-for-byte.
func (t Ticket) Serialize() string {
	var buf bytes.Buffer
	buf.WriteByte(payloadVersion)
	buf.Write(t.TopicID[:])
	for _, id := range t.bootstrap {
		buf.Write(id[:])
	}
	return Kind + strings.ToLower(enc.EncodeToString(buf.Bytes()))
}

// Deserialize is the exact inverse of Serialize. Tickets with an unknown
// kind, version, or a payload that is not a whole number of node ids are
// rejected outright.
func Deserialize(s string) (Ticket, error) {
	var t Ticket
	if !strings.HasPrefix(s, Kind) {
		return t, ErrBadKind
	}
	raw, err := enc.DecodeString(strings.ToUpper(s[len(Kind):]))
	if err != nil {
		return t, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if len(raw) < 1+len(t.TopicID) {
		return t, fmt.Errorf("%w: truncated", ErrBadPayload)
	}
	if raw[0] != payloadVersion {
		return t, fmt.Errorf("%w: version %d", ErrBadPayload, raw[0])
	}
	copy(t.TopicID[:], raw[1:1+len(t.TopicID)])
	rest := raw[1+len(t.TopicID):]
	if len(rest)%identity.NodeIDLen != 0 {
		return t, fmt.Errorf("%w: trailing bytes", ErrBadPayload)
	}
	for i := 0; i < len(rest); i += identity.NodeIDLen {
		id, err := identity.FromBytes(rest[i : i+identity.NodeIDLen])
		if err != nil {
			return t, err
		}
		t.AddBootstrap(id)
	}
	return t, nil
}

// Opts selects which peer sets get folded into an outgoing ticket.
type Opts struct {
	IncludeMyself    bool `json:"includeMyself"`
	IncludeBootstrap bool `json:"includeBootstrap"`
	IncludeNeighbors bool `json:"includeNeighbors"`
}

// AllOpts says yes to everything: the richest ticket we can issue.
func AllOpts() Opts {
	return Opts{IncludeMyself: true, IncludeBootstrap: true, IncludeNeighbors: true}
}
