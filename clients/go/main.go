// Command line client for the deskline support chat server.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/deskline/deskline/clients/go/deskline"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	wsURL := os.Getenv("DESKLINE_WS_URL")
	if wsURL == "" {
		wsURL = "ws://localhost:8080/ws"
	}
	baseURL := os.Getenv("DESKLINE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("DESKLINE_TOKEN")

	cmd := os.Args[1]

	switch cmd {
	case "health":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		status, err := deskline.Health(ctx, baseURL)
		exitOnError(err)
		fmt.Printf("health: HTTP %d\n", status)

	case "open":
		category := "general"
		if len(os.Args) > 2 {
			category = os.Args[2]
		}
		client := connect(wsURL, token)
		defer client.Close()

		ctx := context.Background()
		sessionID, err := client.OpenSession(ctx, category)
		exitOnError(err)
		fmt.Printf("session %s opened, waiting for an agent...\n", sessionID)
		chat(client, sessionID)

	case "agent":
		client := connectWithPush(wsURL, token, func(event string, payload json.RawMessage) {
			fmt.Printf("<< %s %s\n", event, payload)
		})
		defer client.Close()

		ctx := context.Background()
		exitOnError(client.SubscribePendingSessions(ctx))
		exitOnError(client.SubscribeSessions(ctx))
		exitOnError(client.UpdateStatus(ctx, "online"))
		fmt.Println("watching the pending queue; accept with: accept <session_id>")
		agentLoop(client)

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: deskline send <session_id> <body>")
			os.Exit(1)
		}
		client := connect(wsURL, token)
		defer client.Close()

		id, err := client.SendMessage(context.Background(), os.Args[2], os.Args[3], nil)
		exitOnError(err)
		fmt.Printf("sent message %d\n", id)

	case "recall":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: deskline recall <message_id>")
			os.Exit(1)
		}
		id, err := strconv.ParseInt(os.Args[2], 10, 64)
		exitOnError(err)
		client := connect(wsURL, token)
		defer client.Close()
		exitOnError(client.RecallMessage(context.Background(), id))
		fmt.Println("recalled")

	default:
		usage()
		os.Exit(1)
	}
}

func connect(wsURL, token string) *deskline.Client {
	return connectWithPush(wsURL, token, nil)
}

func connectWithPush(wsURL, token string, push deskline.PushHandler) *deskline.Client {
	opts := []deskline.Option{
		deskline.WithMessageHandler(func(in *deskline.Incoming) {
			if in.IsFromSelf {
				return
			}
			ts := in.Message.CreatedAt.Local().Format("15:04:05")
			if in.ReplySummary != nil {
				fmt.Printf("[%s] %d (re: %q): %s\n", ts, in.Message.FromUserID, in.ReplySummary.Body, in.Message.Body)
				return
			}
			fmt.Printf("[%s] %d: %s\n", ts, in.Message.FromUserID, in.Message.Body)
		}),
	}
	if push != nil {
		opts = append(opts, deskline.WithPushHandler(push))
	}

	client := deskline.NewClient(wsURL, token, hostname(), opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exitOnError(client.Connect(ctx))
	return client
}

// chat reads lines from stdin and sends them into the session.
func chat(client *deskline.Client, sessionID string) {
	go waitForInterrupt(client)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		body := scanner.Text()
		if body == "" {
			continue
		}
		if _, err := client.SendMessage(context.Background(), sessionID, body, nil); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
}

// agentLoop accepts simple commands: accept/close <session_id>, or
// <session_id> <body> to send.
func agentLoop(client *deskline.Client) {
	go waitForInterrupt(client)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var cmd, arg string
		if _, err := fmt.Sscanf(scanner.Text(), "%s %s", &cmd, &arg); err != nil {
			continue
		}
		ctx := context.Background()
		switch cmd {
		case "accept":
			if err := client.AcceptSession(ctx, arg); err != nil {
				fmt.Fprintf(os.Stderr, "accept failed: %v\n", err)
			} else {
				fmt.Printf("accepted %s\n", arg)
			}
		case "close":
			if err := client.CloseSession(ctx, arg); err != nil {
				fmt.Fprintf(os.Stderr, "close failed: %v\n", err)
			}
		default:
			if _, err := client.SendMessage(ctx, cmd, arg, nil); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}
}

func waitForInterrupt(client *deskline.Client) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	client.Close()
	os.Exit(0)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "cli"
	}
	return h
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`deskline - support chat client

Usage:
  deskline health                  check server health
  deskline open [category]         open a session and chat
  deskline agent                   work the support queue
  deskline send <session> <body>   send a single message
  deskline recall <message_id>     recall a message

Environment:
  DESKLINE_URL      server base URL (default http://localhost:8080)
  DESKLINE_WS_URL   websocket URL (default ws://localhost:8080/ws)
  DESKLINE_TOKEN    bearer token`)
}
