package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/omochice/pairchat/internal/client"
	"github.com/omochice/pairchat/internal/logging"
	"github.com/omochice/pairchat/pkg/protocol"
)

func main() {
	// Parse command-line flags
	serverURL := pflag.String("url", "ws://localhost:8080/ws", "relay WebSocket URL")
	token := pflag.String("token", os.Getenv("PAIRCHAT_TOKEN"), "access token (default $PAIRCHAT_TOKEN)")
	logLevel := pflag.String("log-level", "warn", "log level")
	pflag.Parse()

	if *token == "" {
		log.Fatal("Token is required. Use --token or set PAIRCHAT_TOKEN")
	}

	logger, err := logging.New(*logLevel, "text", os.Stderr)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(*serverURL, *token, logger)
	if err := c.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to server: %v", err)
	}
	defer c.Disconnect()

	log.Printf("Connected to %s", *serverURL)

	// Start goroutine to receive and display events
	go func() {
		for f := range c.Events() {
			fmt.Println(render(f))
		}
		log.Println("Connection closed by server")
		stop()
	}()

	fmt.Println("Commands: /join <room>, /to <user> <text>, /quit")
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Printf("Error reading input: %v", err)
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handle(ctx, c, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handle(ctx context.Context, c *client.Client, line string) bool {
	if line == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/join":
		if err := c.JoinRoom(ctx, strings.TrimSpace(rest)); err != nil {
			log.Printf("Failed to join room: %v", err)
		}
	case "/to":
		recipient, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if err := c.SendMessage(ctx, recipient, text); err != nil {
			log.Printf("Failed to send message: %v", err)
		}
	default:
		fmt.Println("Unknown command. Use /join <room>, /to <user> <text> or /quit")
	}
	return false
}

func render(f protocol.Frame) string {
	switch f.Type {
	case protocol.FrameTypePresenceSnapshot:
		return fmt.Sprintf("*** online: %s ***", strings.Join(f.PresenceSnapshot.OnlineUserIDs, ", "))
	case protocol.FrameTypeMessageDelivered:
		m := f.MessageDelivered
		return fmt.Sprintf("[%s] %s -> %s: %s", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.RecipientID, m.Text)
	case protocol.FrameTypeSendRejected:
		return fmt.Sprintf("!!! rejected (%s): %s", f.SendRejected.Code, f.SendRejected.Reason)
	default:
		return fmt.Sprintf("??? unexpected %s frame", f.Type)
	}
}
