// Package main provides a command-line client that connects to a ripple
// server, joins rooms, and prints the events it receives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/codeGROOVE-dev/ripple/pkg/client"
)

const defaultServerAddress = "localhost:8080"

// parseRooms turns "project:p1,team:t2" into rooms.
func parseRooms(s string) ([]client.Room, error) {
	if s == "" {
		return nil, nil
	}
	var rooms []client.Room
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		typ, id, ok := strings.Cut(part, ":")
		if !ok || typ == "" || id == "" {
			return nil, fmt.Errorf("room %q must look like type:id", part)
		}
		rooms = append(rooms, client.Room{Type: typ, ID: id})
	}
	return rooms, nil
}

func printJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to marshal event to JSON: %v", err)
		return
	}
	fmt.Println(string(b))
}

//nolint:funlen // flag wiring and callbacks read best together
func run() error {
	fs := pflag.NewFlagSet("ripple-client", pflag.ContinueOnError)
	var (
		serverAddr  = fs.String("addr", defaultServerAddress, "server address (hostname:port)")
		token       = fs.String("token", "", "access token (default $RIPPLE_TOKEN)")
		roomList    = fs.String("rooms", "", "Comma-separated rooms to join, as type:id")
		insecure    = fs.Bool("insecure", false, "Use insecure WebSocket (ws:// instead of wss://)")
		verbose     = fs.BoolP("verbose", "v", false, "Show full event details")
		noReconnect = fs.Bool("no-reconnect", false, "Disable automatic reconnection")
		maxRetries  = fs.Int("max-retries", 0, "Maximum reconnection attempts (0 = infinite)")
		outputJSON  = fs.Bool("json", false, "Output events as JSON")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	rooms, err := parseRooms(*roomList)
	if err != nil {
		return err
	}

	accessToken := *token
	if accessToken == "" {
		accessToken = os.Getenv("RIPPLE_TOKEN")
	}
	if accessToken == "" {
		return errors.New("an access token is required: use --token or RIPPLE_TOKEN")
	}

	// Secure by default
	scheme := "wss"
	if *insecure {
		scheme = "ws"
		log.Println("WARNING: Using insecure WebSocket connection (ws://)")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	config := client.Config{
		ServerURL:   fmt.Sprintf("%s://%s/ws", scheme, *serverAddr),
		UserAgent:   "ripple-cli/" + client.Version,
		Token:       accessToken,
		Rooms:       rooms,
		Verbose:     *verbose,
		NoReconnect: *noReconnect,
		MaxRetries:  *maxRetries,
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
		OnConnect: func(s client.Session) {
			log.Printf("Connected as %s (socket %s, recovered=%v)", s.UserID, s.SocketID, s.Recovered)
		},
		OnEvent: func(event client.Event) {
			if *outputJSON {
				printJSON(event)
				return
			}
			fmt.Printf("%s %-24s %s %s\n", event.Timestamp.Format(time.RFC3339), event.Type, event.EventID, event.Data)
		},
		OnMissed: func(events []client.Event, sinceDisconnect bool) {
			log.Printf("Replaying %d missed events (since disconnect: %v)", len(events), sinceDisconnect)
		},
		OnRestored: func(room client.Room) {
			log.Printf("Rejoined %s", room)
		},
		OnRoomError: func(room client.Room, reason string) {
			log.Printf("Room %s: %s", room, reason)
		},
		OnServerError: func(e client.ServerError) {
			log.Printf("Server error: %v", e)
		},
	}

	c, err := client.New(config)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-interrupt:
		log.Printf("Signal %v received, shutting down gracefully...", sig)
		c.Stop()
		cancel()

		select {
		case <-errCh:
			return nil
		case <-time.After(5 * time.Second):
			log.Println("Shutdown timeout exceeded, forcing exit")
			return nil
		}
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
