package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/swarmchat/internal/config"
	"github.com/petervdpas/swarmchat/internal/doc"
	"github.com/petervdpas/swarmchat/internal/gossip"
	"github.com/petervdpas/swarmchat/internal/identity"
	"github.com/petervdpas/swarmchat/internal/p2p"
	"github.com/petervdpas/swarmchat/internal/session"
	"github.com/petervdpas/swarmchat/internal/storage"
)

var log = logging.Logger("main")

func main() {
	dir := flag.String("dir", "./swarmchat", "peer data directory (settings, identity key, database)")
	port := flag.Int("port", 0, "listen port, 0 picks a random one")
	nick := flag.String("nick", "", "nickname, overrides the one in settings.json")
	join := flag.String("join", "", "ticket of a room to join; empty creates a new room")
	peerAddrs := flag.String("peer", "", "static peer as <node-id>@<multiaddr>[,<multiaddr>...]")
	verbose := flag.Bool("verbose", false, "log at info level instead of error")
	flag.Parse()

	if *verbose {
		logging.SetAllLoggers(logging.LevelInfo)
	} else {
		logging.SetAllLoggers(logging.LevelError)
	}

	if err := run(*dir, *port, *nick, *join, *peerAddrs); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(dir string, port int, nick, join, peerAddrs string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	nickname := nick
	if nickname == "" {
		nickname = cfg.Settings.Nickname
	}
	if nickname == "" {
		nickname = "anonymous"
	}
	if nickname != cfg.Settings.Nickname {
		if err := cfg.SetNickname(nickname); err != nil {
			log.Warnf("failed to persist nickname: %v", err)
		}
	}

	node, err := p2p.New(ctx, port, cfg.Settings.KeyFile)
	if err != nil {
		return err
	}
	defer node.Close()
	me, err := node.ID()
	if err != nil {
		return err
	}
	// The host already created the key file, so this is a plain read.
	priv, _, err := identity.LoadOrCreateKey(cfg.Settings.KeyFile)
	if err != nil {
		return err
	}

	if peerAddrs != "" {
		if err := addStaticPeer(node, peerAddrs); err != nil {
			return fmt.Errorf("bad -peer value: %w", err)
		}
	}

	db, err := storage.Open(filepath.Join(cfg.Dir(), "data"), me)
	if err != nil {
		return err
	}
	defer db.Close()

	activity := doc.NewActivity(db, me)
	activity.OnMessage = func(msg doc.ChatMessage) {
		fmt.Printf("(recovered) %s: %s\n", displayName(msg.Nickname, msg.Sender), msg.Content)
	}

	mgr, err := session.New(node, priv, activity)
	if err != nil {
		return err
	}
	ticketStr, err := mgr.Start(join, nickname)
	if err != nil {
		return err
	}
	defer mgr.Stop()
	if err := cfg.AddRecentRoom(ticketStr); err != nil {
		log.Warnf("failed to remember room: %v", err)
	}

	fmt.Printf("you are %s (%s)\n", nickname, me.Short())
	fmt.Printf("share this ticket to invite peers:\n  %s\n", ticketStr)
	fmt.Println("type a message and hit enter, or /help for commands")

	// Nickname edits in settings.json take effect live.
	lastNick := nickname
	stopWatch, err := cfg.Watch(func(fresh config.Settings) {
		if fresh.Nickname == "" || fresh.Nickname == lastNick {
			return
		}
		lastNick = fresh.Nickname
		if err := mgr.SetNickname(ctx, fresh.Nickname); err != nil {
			log.Warnf("failed to apply nickname from settings: %v", err)
		}
	})
	if err != nil {
		log.Warnf("settings watcher unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)
	go printEvents(events)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nleaving room...")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, mgr, cfg, line)
			if err != nil {
				fmt.Println("!", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, mgr *session.Manager, cfg *config.Store, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case line == "/ticket":
		fmt.Println(mgr.Ticket())
		return false, nil
	case line == "/peers":
		for _, p := range mgr.Peers() {
			fmt.Printf("  %-9s %s (%s)\n", p.Status, displayName(p.Nickname, p.ID), p.ID.Short())
		}
		return false, nil
	case line == "/history":
		msgs, err := mgr.Messages(ctx)
		if err != nil {
			return false, err
		}
		for _, msg := range msgs {
			fmt.Printf("  %s: %s\n", displayName(msg.Nickname, msg.Sender), msg.Content)
		}
		return false, nil
	case strings.HasPrefix(line, "/nick "):
		name := strings.TrimSpace(strings.TrimPrefix(line, "/nick "))
		if name == "" {
			return false, fmt.Errorf("usage: /nick <name>")
		}
		if err := mgr.SetNickname(ctx, name); err != nil {
			return false, err
		}
		if err := cfg.SetNickname(name); err != nil {
			log.Warnf("failed to persist nickname: %v", err)
		}
		fmt.Println("you are now", name)
		return false, nil
	case line == "/help" || strings.HasPrefix(line, "/"):
		fmt.Println("commands: /nick <name>  /ticket  /peers  /history  /quit")
		return false, nil
	default:
		return false, mgr.Send(ctx, line)
	}
}

func printEvents(events chan gossip.Event) {
	for ev := range events {
		switch ev.Type {
		case gossip.EventJoined:
			fmt.Printf("* connected (%d neighbors)\n", len(ev.Neighbors))
		case gossip.EventNeighborUp:
			fmt.Printf("* %s connected\n", ev.NodeID.Short())
		case gossip.EventNeighborDown:
			fmt.Printf("* %s disconnected\n", ev.NodeID.Short())
		case gossip.EventMessageReceived:
			fmt.Printf("%s: %s\n", displayName(ev.Nickname, ev.From), ev.Text)
		case gossip.EventDisconnected:
			fmt.Println("* room connection closed")
		}
	}
}

// addStaticPeer parses "<node-id>@<multiaddr>[,<multiaddr>...]" and seeds
// the peerstore so the bootstrap dial has an address to use.
func addStaticPeer(node *p2p.Node, arg string) error {
	at := strings.IndexByte(arg, '@')
	if at < 0 {
		return fmt.Errorf("expected <node-id>@<multiaddr>")
	}
	id, err := identity.ParseNodeID(arg[:at])
	if err != nil {
		return err
	}
	node.AddPeerAddrs(id, strings.Split(arg[at+1:], ","))
	return nil
}

func displayName(nickname string, id identity.NodeID) string {
	if nickname == "" {
		return id.Short()
	}
	return nickname
}
