// ABOUTME: Entry point for chatsync-probe, a terminal client for the conversation sync engine
// ABOUTME: Watches conversations, sends messages and answers negotiation offers

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/chatsync/internal/config"
	"github.com/2389/chatsync/internal/lifecycle"
	"github.com/2389/chatsync/internal/logging"
	"github.com/2389/chatsync/internal/negotiation"
	"github.com/2389/chatsync/internal/store"
	"github.com/2389/chatsync/internal/transport"
)

// version is set at build time.
var version = "dev"

const shutdownTimeout = 10 * time.Second

// getConfigPath returns the path to the client config file.
// Priority: CHATSYNC_CONFIG env var > XDG_CONFIG_HOME/chatsync/config.yaml > ~/.config/chatsync/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CHATSYNC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chatsync.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chatsync", "config.yaml")
}

func usage() {
	fmt.Println("Usage: chatsync-probe <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  watch <conversation> [--task]                   Follow a conversation live")
	fmt.Println("  send <conversation> <text> [--attach-url URL]   Send a message")
	fmt.Println("  offer <notification> accept|reject [flags]      Answer a negotiation offer")
	fmt.Println("  version                                         Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "watch":
		err = runWatch(ctx, os.Args[2:])
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "offer":
		err = runOffer(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the client.
func setup() (*client, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging, nil)
	logger.Debug("configuration loaded", "config", configPath, "backend", cfg.Backend.BaseURL)

	return newClient(cfg, logger)
}

// closeClient shuts the client down on a fresh context so a cancelled
// command context does not skip the final read receipt flush.
func closeClient(c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		c.logger.Warn("shutdown incomplete", "error", err)
	}
}

// parseArgs splits positional arguments from flags so flags may follow them.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for len(args) > 0 {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
	return positional, nil
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	task := fs.Bool("task", false, "Treat the conversation as a task chat")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return fmt.Errorf("usage: watch <conversation> [--task]")
	}
	conversationID := pos[0]

	c, err := setup()
	if err != nil {
		return err
	}
	defer closeClient(c)

	kind := store.KindSupport
	if *task {
		kind = store.KindTask
	}

	changed := make(chan struct{}, 1)
	unsubscribe := c.store.Subscribe(conversationID, store.ObserverFunc(func(string) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))
	defer unsubscribe()

	session, err := c.ctrl.Open(ctx, conversationID, kind)
	if err != nil {
		return fmt.Errorf("opening conversation: %w", err)
	}
	if kind == store.KindSupport {
		if err := c.ctrl.Connect(ctx, conversationID); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Printf("Watching %s ", conversationID)
	gray.Printf("(%s, %s)\n", kind, session.State())

	printed := make(map[string]store.DeliveryState)
	printNew := func() {
		for msg := range c.store.Messages(conversationID) {
			if state, ok := printed[msg.ID]; ok && state == msg.DeliveryState {
				continue
			}
			printed[msg.ID] = msg.DeliveryState
			printMessage(msg)
			if msg.DeliveryState == store.DeliveryConfirmed {
				c.reads.MarkVisible(conversationID, msg.ID, msg.CreatedAt, msg.SenderID)
			}
		}
	}
	printNew()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return c.ctrl.Close(context.WithoutCancel(ctx), conversationID)
		case <-changed:
			printNew()
			if session.State() == lifecycle.SessionEnded {
				color.New(color.FgYellow).Println("Conversation closed")
				return nil
			}
		}
	}
}

func printMessage(msg store.Message) {
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	sender := "system"
	if msg.SenderID != nil {
		sender = *msg.SenderID
	}

	gray.Printf("%s ", msg.CreatedAt.Local().Format("15:04:05"))
	green.Printf("%s: ", sender)
	fmt.Print(msg.Content)
	if msg.AttachmentURL != "" {
		gray.Printf(" [%s %s]", msg.AttachmentType, msg.AttachmentURL)
	}
	switch msg.DeliveryState {
	case store.DeliveryPending:
		yellow.Print(" (sending)")
	case store.DeliveryFailed:
		red.Print(" (failed)")
	}
	fmt.Println()
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	attachURL := fs.String("attach-url", "", "Attachment URL")
	attachType := fs.String("attach-type", "file", "Attachment type")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) < 1 || (len(pos) < 2 && *attachURL == "") {
		return fmt.Errorf("usage: send <conversation> <text> [--attach-url URL]")
	}
	conversationID := pos[0]
	text := strings.Join(pos[1:], " ")

	var attachment *transport.Attachment
	if *attachURL != "" {
		attachment = &transport.Attachment{Type: *attachType, URL: *attachURL}
	}

	c, err := setup()
	if err != nil {
		return err
	}
	defer closeClient(c)

	handle, err := c.sync.Send(ctx, conversationID, text, attachment)
	if err != nil {
		return fmt.Errorf("sending: %w", err)
	}
	if err := handle.Wait(ctx); err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}

	msg := handle.Message()
	color.New(color.FgGreen).Print("  ✓ ")
	fmt.Printf("Delivered %s at %s\n", msg.ID, msg.CreatedAt.Local().Format(time.RFC3339))
	return nil
}

func runOffer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("offer", flag.ContinueOnError)
	applicationID := fs.String("application", "", "Application the offer relates to")
	taskID := fs.String("task", "", "Task id, when the notification already carries it")
	created := fs.String("created", "", "Notification creation time (RFC 3339); defaults to now")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 2 {
		return fmt.Errorf("usage: offer <notification> accept|reject")
	}
	notificationID, action := pos[0], pos[1]
	if action != "accept" && action != "reject" {
		return fmt.Errorf("action must be accept or reject, got %q", action)
	}

	createdAt := time.Now()
	if *created != "" {
		if createdAt, err = time.Parse(time.RFC3339, *created); err != nil {
			return fmt.Errorf("parsing --created: %w", err)
		}
	}

	c, err := setup()
	if err != nil {
		return err
	}
	defer closeClient(c)

	tok, err := c.offers.Resolve(ctx, negotiation.Notification{
		ID:        notificationID,
		Type:      negotiation.KindNegotiationOffer.String(),
		RelatedID: *applicationID,
		TaskID:    *taskID,
		CreatedAt: createdAt,
	})
	if err != nil {
		return fmt.Errorf("resolving offer: %w", err)
	}

	gray := color.New(color.FgHiBlack)
	gray.Printf("  offer %s: %s, %s remaining\n", notificationID, tok.State, tok.Remaining(time.Now()).Round(time.Second))
	if tok.State.Terminal() {
		return fmt.Errorf("offer is already %s", tok.State)
	}

	var state negotiation.State
	if action == "accept" {
		state, err = c.offers.Accept(ctx, notificationID)
	} else {
		state, err = c.offers.Reject(ctx, notificationID)
	}
	if errors.Is(err, negotiation.ErrNotActionable) {
		return fmt.Errorf("offer cannot be answered: missing token, task or application")
	}
	if err != nil {
		return err
	}

	switch state {
	case negotiation.StateAccepted, negotiation.StateRejected:
		color.New(color.FgGreen).Print("  ✓ ")
		fmt.Printf("Offer %s\n", state)
	default:
		color.New(color.FgYellow).Print("  ! ")
		fmt.Printf("Offer %s\n", state)
	}
	return nil
}
