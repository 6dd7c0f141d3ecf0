package gossip

import (
	"encoding/json"
	"fmt"

	"github.com/petervdpas/swarmchat/internal/identity"
	"github.com/petervdpas/swarmchat/internal/proto"
)

// EventType discriminates the closed domain event set handed to the
// application layer.
type EventType string

const (
	EventJoined          EventType = "joined"
	EventNeighborUp      EventType = "neighborUp"
	EventNeighborDown    EventType = "neighborDown"
	EventMessageReceived EventType = "messageReceived"
	EventPresence        EventType = "presence"
	EventGameState       EventType = "gameState"
	EventRequestSync     EventType = "requestSync"
	EventLagged          EventType = "lagged"
	EventErrored         EventType = "errorred"
	EventDisconnected    EventType = "disconnected"
)

// Event is one domain event derived from the raw transport stream. The Type
// field selects which of the optional fields carry data.
type Event struct {
	Type          EventType         `json:"type"`
	Neighbors     []identity.NodeID `json:"neighbors,omitempty"`
	NodeID        identity.NodeID   `json:"nodeId,omitempty"`
	From          identity.NodeID   `json:"from,omitempty"`
	Text          string            `json:"text,omitempty"`
	Nickname      string            `json:"nickname,omitempty"`
	Board         json.RawMessage   `json:"board,omitempty"`
	SentTimestamp uint64            `json:"sentTimestamp,omitempty"`
	Message       string            `json:"message,omitempty"`
}

// fromRaw converts a transport notification into a domain event. Opaque
// payloads are verified and decoded; a failure here means the item must be
// skipped, not that the stream is broken.
func fromRaw(raw RawEvent) (Event, error) {
	switch raw.Kind {
	case RawJoined:
		return Event{Type: EventJoined, Neighbors: raw.Neighbors}, nil
	case RawNeighborUp:
		return Event{Type: EventNeighborUp, NodeID: raw.Node}, nil
	case RawNeighborDown:
		return Event{Type: EventNeighborDown, NodeID: raw.Node}, nil
	case RawLagged:
		return Event{Type: EventLagged}, nil
	case RawReceived:
		received, err := proto.VerifyAndDecode(raw.Data)
		if err != nil {
			return Event{}, fmt.Errorf("parse and verify signed message: %w", err)
		}
		return fromReceived(received)
	default:
		return Event{}, fmt.Errorf("unhandled raw event kind %d", raw.Kind)
	}
}

func fromReceived(m *proto.ReceivedMessage) (Event, error) {
	switch m.Message.Type {
	case proto.TypePresence:
		return Event{
			Type:          EventPresence,
			From:          m.From,
			Nickname:      m.Message.Nickname,
			SentTimestamp: m.Timestamp,
		}, nil
	case proto.TypeChat:
		return Event{
			Type:          EventMessageReceived,
			From:          m.From,
			Text:          m.Message.Text,
			Nickname:      m.Message.Nickname,
			SentTimestamp: m.Timestamp,
		}, nil
	case proto.TypeGameState:
		return Event{
			Type:          EventGameState,
			From:          m.From,
			Board:         m.Message.Board,
			SentTimestamp: m.Timestamp,
		}, nil
	case proto.TypeRequestSync:
		return Event{
			Type:          EventRequestSync,
			From:          m.From,
			SentTimestamp: m.Timestamp,
		}, nil
	default:
		return Event{}, fmt.Errorf("unmapped message type %q", m.Message.Type)
	}
}
