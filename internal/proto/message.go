package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// WireVersion is the current framing version. Envelopes carrying a higher
// version are rejected with ErrUnsupportedVersion instead of being guessed at.
const WireVersion = 0

var (
	ErrUnsupportedVersion = errors.New("unsupported wire version")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// MessageType discriminates the closed set of message variants.
type MessageType string

const (
	TypePresence    MessageType = "presence"
	TypeChat        MessageType = "chat"
	TypeGameState   MessageType = "gameState"
	TypeRequestSync MessageType = "requestSync"
)

// Message is one application-level message. Exactly one variant is carried
// per envelope; the Type field selects which of the optional fields apply.
type Message struct {
	Type     MessageType     `json:"type"`
	Nickname string          `json:"nickname,omitempty"`
	Text     string          `json:"text,omitempty"`
	Board    json.RawMessage `json:"board,omitempty"`
}

// NewPresence builds a presence heartbeat carrying the current nickname.
func NewPresence(nickname string) Message {
	return Message{Type: TypePresence, Nickname: nickname}
}

// NewChat builds a chat message.
func NewChat(text, nickname string) Message {
	return Message{Type: TypeChat, Text: text, Nickname: nickname}
}

// NewGameState builds a shared game-state update.
func NewGameState(board json.RawMessage) Message {
	return Message{Type: TypeGameState, Board: board}
}

// NewRequestSync asks peers to push their current durable state.
func NewRequestSync() Message {
	return Message{Type: TypeRequestSync}
}

func (m Message) validate() error {
	switch m.Type {
	case TypePresence, TypeChat, TypeGameState, TypeRequestSync:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
}

// WireMessage is the versioned frame wrapped around every Message. The
// timestamp is micros since epoch, asserted by the sender and advisory only.
type WireMessage struct {
	Version   int     `json:"v"`
	Timestamp uint64  `json:"timestamp"`
	Message   Message `json:"message"`
}

var tsMu sync.Mutex
var tsLast uint64

// NowMicros returns the wall clock in microseconds since epoch. Successive
// calls within one process never return the same or a smaller value, so
// message keys built from it stay unique per author.
func NowMicros() uint64 {
	tsMu.Lock()
	defer tsMu.Unlock()
	now := uint64(time.Now().UnixMicro())
	if now <= tsLast {
		now = tsLast + 1
	}
	tsLast = now
	return now
}
