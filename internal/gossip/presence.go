package gossip

import (
	"context"
	"sync"
	"time"

	"github.com/petervdpas/swarmchat/internal/proto"
)

// PresenceInterval is how often the heartbeat rebroadcasts our presence
// when nothing else triggers it.
const PresenceInterval = 5 * time.Second

// trigger is a broadcast-style wake-up: every goroutine waiting on the
// channel returned by wait() is released when Fire is called. A fresh
// channel is armed under the lock so late waiters block until the next fire.
type trigger struct {
	mu sync.Mutex
	ch chan struct{}
}

func newTrigger() *trigger {
	return &trigger{ch: make(chan struct{})}
}

func (t *trigger) Fire() {
	t.mu.Lock()
	close(t.ch)
	t.ch = make(chan struct{})
	t.mu.Unlock()
}

func (t *trigger) wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch
}

// runPresenceLoop keeps other peers informed that this node is alive and
// which nickname it uses. Each iteration broadcasts a signed presence
// message, then waits for whichever comes first: the heartbeat interval or
// an explicit trigger (nickname change, first swarm contact). The loop exits
// silently when the transport reports a permanent send failure or the
// session context is cancelled; individual broadcasts are not retried.
func (s *ChatSender) runPresenceLoop(ctx context.Context) {
	timer := time.NewTimer(PresenceInterval)
	defer timer.Stop()
	for {
		msg := proto.NewPresence(s.Nickname())
		log.Debugf("send presence %+v", msg)
		encoded, err := proto.SignAndEncode(s.secretKey, msg)
		if err != nil {
			log.Errorf("failed to encode presence message: %v", err)
			return
		}
		if err := s.sender.Broadcast(ctx, encoded); err != nil {
			if ctx.Err() == nil {
				log.Warnf("presence task failed to broadcast: %v", err)
			}
			return
		}

		// Arm the trigger channel before resetting the timer so a Fire
		// racing this point is not lost.
		wake := s.presence.wait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(PresenceInterval)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-wake:
		}
	}
}
