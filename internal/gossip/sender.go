package gossip

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/petervdpas/swarmchat/internal/proto"
)

// ChatSender signs and broadcasts outgoing messages for one channel. The
// nickname lives in a lock-guarded cell read fresh on every send, so a
// change takes effect on the next heartbeat without restarting anything.
type ChatSender struct {
	mu        sync.Mutex
	nickname  string
	secretKey crypto.PrivKey
	sender    Sender
	presence  *trigger
}

func newChatSender(nickname string, secretKey crypto.PrivKey, sender Sender, presence *trigger) *ChatSender {
	return &ChatSender{
		nickname:  nickname,
		secretKey: secretKey,
		sender:    sender,
		presence:  presence,
	}
}

// Send signs and broadcasts a chat message carrying the current nickname.
func (s *ChatSender) Send(ctx context.Context, text string) error {
	msg := proto.NewChat(text, s.Nickname())
	encoded, err := proto.SignAndEncode(s.secretKey, msg)
	if err != nil {
		return err
	}
	return s.sender.Broadcast(ctx, encoded)
}

// SendGameState broadcasts a shared game-state update.
func (s *ChatSender) SendGameState(ctx context.Context, board json.RawMessage) error {
	encoded, err := proto.SignAndEncode(s.secretKey, proto.NewGameState(board))
	if err != nil {
		return err
	}
	return s.sender.Broadcast(ctx, encoded)
}

// RequestSync asks peers to rebroadcast their durable state.
func (s *ChatSender) RequestSync(ctx context.Context) error {
	encoded, err := proto.SignAndEncode(s.secretKey, proto.NewRequestSync())
	if err != nil {
		return err
	}
	return s.sender.Broadcast(ctx, encoded)
}

// SetNickname updates the nickname cell and fires the presence trigger so
// the change propagates on the next tick instead of the next interval.
func (s *ChatSender) SetNickname(name string) {
	s.mu.Lock()
	s.nickname = name
	s.mu.Unlock()
	s.presence.Fire()
}

// AnnouncePresence fires the heartbeat out of band, e.g. when a peer asks
// for a sync or the swarm was just joined.
func (s *ChatSender) AnnouncePresence() {
	s.presence.Fire()
}

func (s *ChatSender) Nickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}
