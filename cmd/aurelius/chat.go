package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// ChatCmd runs an interactive terminal conversation.
type ChatCmd struct {
	User    string `help:"User id the conversation belongs to." required:""`
	Session string `help:"Resume an existing session instead of starting a new one."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close()

	sessionID := c.Session
	fmt.Println("Speak, and I will listen. Type 'exit' to leave.")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		result, err := rt.orchestrator.Respond(ctx, c.User, sessionID, line)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		sessionID = result.SessionID
		fmt.Printf("\n%s\n\n", result.ReplyText)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if sessionID != "" {
		fmt.Printf("Session: %s\n", sessionID)
	}
	return nil
}
