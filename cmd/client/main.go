// Command client is a terminal participant for a tabletop session:
// it joins a session, prints what happens in it, and turns stdin lines
// into chat, dice rolls and GM actions.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/phosphorvtt/phosphor/internal/dice"
	"github.com/phosphorvtt/phosphor/internal/protocol"
	"github.com/phosphorvtt/phosphor/internal/session"
	"github.com/phosphorvtt/phosphor/internal/tokenstore"
	"github.com/phosphorvtt/phosphor/internal/wstransport"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	var (
		url       = flag.String("url", getEnv("SERVER_URL", "ws://localhost:8080/ws"), "websocket endpoint")
		sessionID = flag.String("session", getEnv("SESSION_ID", "table"), "session to join")
		name      = flag.String("name", getEnv("PLAYER_NAME", "wanderer"), "display name")
		selfTest  = flag.Bool("selftest", true, "run the echo self-test after connecting")
	)
	flag.Parse()

	transport := wstransport.New(wstransport.DefaultConfig(*url))
	mgr, err := session.NewManager(session.Options{
		Name:       *name,
		SessionID:  *sessionID,
		Transport:  transport,
		TokenStore: tokenstore.NewFileStore(""),
		SelfTest:   *selfTest,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build session manager")
	}

	events := mgr.Subscribe()
	go printEvents(events)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = mgr.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer mgr.Disconnect()

	fmt.Printf("joined %q as %q - /roll, /gm, /logout, /scene, /view, /ping, /quit\n", *sessionID, *name)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			mgr.BroadcastChat(line, "say")
			continue
		}

		cmd, arg, _ := strings.Cut(line[1:], " ")
		switch cmd {
		case "quit":
			return
		case "roll":
			res, err := dice.Roll(arg, rng)
			if err != nil {
				fmt.Println("!", err)
				continue
			}
			fmt.Printf("you rolled %s: %v = %d\n", res.Expression, res.Rolls, res.Total)
			mgr.BroadcastRoll(res.Expression, res.Rolls, res.Kept, res.Total)
		case "gm":
			authCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			ok, err := mgr.AuthenticateAsGM(authCtx, arg)
			cancel()
			switch {
			case err != nil:
				fmt.Println("!", err)
			case ok:
				fmt.Println("you are now the GM")
			default:
				fmt.Println("wrong password")
			}
		case "logout":
			mgr.Logout()
		case "forget":
			mgr.ClearToken()
			fmt.Println("reconnection token cleared")
		case "scene":
			scene, transition, _ := strings.Cut(arg, " ")
			mgr.BroadcastSceneChange(scene, transition)
		case "view":
			mgr.BroadcastViewChange(protocol.View(arg))
		case "ping":
			mgr.Ping()
		case "who":
			for _, p := range mgr.Peers() {
				fmt.Printf("  %s (%s, %s)\n", p.Name, p.Role, p.View)
			}
		default:
			fmt.Println("! unknown command:", cmd)
		}
	}
}

func printEvents(events <-chan session.Event) {
	for ev := range events {
		switch ev.Kind {
		case session.EventConnected:
			fmt.Println("* connected")
		case session.EventDisconnected:
			fmt.Println("* disconnected:", ev.Reason)
		case session.EventReconnecting:
			fmt.Println("* reconnecting...")
		case session.EventPeerJoined:
			fmt.Printf("* %s joined\n", ev.Peer.Name)
		case session.EventPeerLeft:
			fmt.Printf("* %s left\n", ev.Peer.Name)
		case session.EventChat:
			fmt.Printf("<%s> %s\n", ev.Chat.Name, ev.Chat.Text)
		case session.EventRoll:
			fmt.Printf("* %s rolled %s: %v = %d\n", ev.Roll.Name, ev.Roll.Expression, ev.Roll.Rolls, ev.Roll.Total)
		case session.EventSceneChanged:
			fmt.Printf("* scene changed to %q\n", ev.Scene.Scene)
		case session.EventSelfTestPassed:
			fmt.Printf("* transport ok (%dms)\n", ev.LatencyMS)
		case session.EventSelfTestFailed:
			if !ev.Silent {
				fmt.Println("* transport check failed:", ev.Reason)
			}
		case session.EventLatency:
			fmt.Printf("* latency %dms\n", ev.LatencyMS)
		case session.EventGMAuthenticated:
			// reported by the command result already
		case session.EventServerError:
			fmt.Println("! server:", ev.Message)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
