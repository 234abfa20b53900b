package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/gateway"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// token and init work locally and need no daemon.
	switch args[0] {
	case "token":
		cmdToken(args[1:])
		return
	case "init":
		cmdInit(len(args) > 1 && args[1] == "--force")
		return
	}

	if _, running := lock.Holder(session.Dir(sessionName)); !running {
		fmt.Fprintf(os.Stderr, "error: no daemon is running for session %q (start chatsyncd --session %s)\n", sessionName, sessionName)
		os.Exit(1)
	}

	c, err := api.NewClient(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, sessionName, *jsonFlag)
	case "queues":
		cmdQueues(ctx, c, *jsonFlag)
	case "dead-letters":
		cmdDeadLetters(ctx, c, args[1:], *jsonFlag)
	case "send":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl send <from> <to> <text...>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], args[2], strings.Join(args[3:], " "), *jsonFlag)
	case "presence":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl presence <user> <online|away|busy|invisible|offline> [page]")
			os.Exit(1)
		}
		req := api.PresenceRequest{UserID: args[1], Status: args[2]}
		if len(args) > 3 {
			req.CurrentPage = args[3]
		}
		check(c.SetPresence(ctx, req))
		fmt.Printf("%s is now %s\n", req.UserID, req.Status)
	case "typing":
		if len(args) < 4 || (args[3] != "on" && args[3] != "off") {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl typing <channel> <user> <on|off>")
			os.Exit(1)
		}
		check(c.SetTyping(ctx, api.TypingRequest{ChannelID: args[1], UserID: args[2], Typing: args[3] == "on"}))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show connection status and queue sizes")
	fmt.Fprintln(os.Stderr, "  queues                          Show pending operations per queue")
	fmt.Fprintln(os.Stderr, "  dead-letters [queue] [limit]    List operations that will not be delivered")
	fmt.Fprintln(os.Stderr, "  dead-letters discard <id>       Forget a dead letter")
	fmt.Fprintln(os.Stderr, "  send <from> <to> <text...>      Send a text message")
	fmt.Fprintln(os.Stderr, "  presence <user> <status> [page] Set a user's presence")
	fmt.Fprintln(os.Stderr, "  typing <channel> <user> <on|off>")
	fmt.Fprintln(os.Stderr, "                                  Set a typing indicator")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                  Stream daemon events, e.g. watch outbox.")
	fmt.Fprintln(os.Stderr, "  token <user> [ttl]              Mint a gateway token (default ttl 24h)")
	fmt.Fprintln(os.Stderr, "  init [--force]                  Write a default config file")
}

func cmdStatus(ctx context.Context, c *api.Client, sessionName string, jsonOut bool) {
	resp, err := c.ConnectionStatus(ctx)
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	state := "disconnected"
	if resp.Connected {
		state = "connected"
	}
	fmt.Printf("Session:  %s\n", resp.Session)
	fmt.Printf("Status:   %s (%s)\n", state, resp.Quality)
	if resp.LastTransitionAtMs > 0 {
		fmt.Printf("Since:    %s\n", time.UnixMilli(resp.LastTransitionAtMs).Format(time.RFC3339))
	}
	if resp.ConsecutiveFailures > 0 {
		fmt.Printf("Failures: %d\n", resp.ConsecutiveFailures)
	}
	fmt.Printf("Uptime:   %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	if info, ok := lock.Holder(session.Dir(sessionName)); ok {
		fmt.Printf("Daemon:   %s, PID %d\n", info.Owner, info.PID)
	}
	printQueues(resp.Queues)
	for queue, n := range resp.DeadLetters {
		fmt.Printf("  %-12s %d dead\n", queue, n)
	}
}

func cmdQueues(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.QueueStats(ctx)
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	printQueues(resp.Queues)
}

func printQueues(queues map[string]int) {
	for _, name := range []string{outbox.Messages, outbox.Presence, outbox.Activities} {
		fmt.Printf("  %-12s %d pending\n", name, queues[name])
	}
}

func cmdDeadLetters(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	if len(args) > 0 && args[0] == "discard" {
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl dead-letters discard <id>")
			os.Exit(1)
		}
		check(c.DiscardDeadLetter(ctx, args[1]))
		fmt.Printf("Discarded %s\n", args[1])
		return
	}
	var req api.DeadLettersRequest
	if len(args) > 0 {
		req.Queue = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid limit %q\n", args[1])
			os.Exit(1)
		}
		req.Limit = n
	}
	resp, err := c.ListDeadLetters(ctx, req)
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.DeadLetters) == 0 {
		fmt.Println("No dead letters.")
		return
	}
	for _, dl := range resp.DeadLetters {
		fmt.Printf("%s  %s  %-10s attempts=%d  %s\n", dl.ID, time.UnixMilli(dl.FailedAtMs).Format(time.RFC3339), dl.Queue, dl.Attempts, dl.LastError)
		fmt.Printf("    %s\n", dl.Payload)
	}
}

func cmdSend(ctx context.Context, c *api.Client, from, to, text string, jsonOut bool) {
	resp, err := c.SendMessage(ctx, api.SendMessageRequest{SenderID: from, ReceiverID: to, Body: text})
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Sent %s to %s\n", resp.ID, resp.ChannelID)
}

func cmdWatch(c *api.Client, args []string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var req api.WatchRequest
	if len(args) > 0 {
		req.Prefix = args[0]
	}
	err := c.Watch(ctx, req, func(evt api.Event) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		fmt.Printf("%s  %-24s %s\n", time.UnixMilli(evt.OccurredAtMs).Format("15:04:05.000"), evt.Kind, evt.Payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdToken(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: chatsyncctl token <user> [ttl]")
		os.Exit(1)
	}
	ttl := 24 * time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid ttl %q: %v\n", args[1], err)
			os.Exit(1)
		}
		ttl = d
	}
	cfg, err := config.Resolve(session.ConfigPath())
	check(err)
	if cfg.Gateway.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "error: gateway.jwt_secret is not configured")
		os.Exit(1)
	}
	tok, err := gateway.IssueToken([]byte(cfg.Gateway.JWTSecret), args[0], ttl)
	check(err)
	fmt.Println(tok)
}

func cmdInit(force bool) {
	path := session.ConfigPath()
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(os.Stderr, "error: %s already exists (use init --force to overwrite)\n", path)
		os.Exit(1)
	}
	check(config.Save(path, config.Default()))
	fmt.Printf("Wrote %s\n", path)
}

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
