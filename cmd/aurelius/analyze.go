package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// AnalyzeCmd runs or inspects the deep-analysis pipeline for a user.
type AnalyzeCmd struct {
	User   string `help:"User id to analyze." required:""`
	Force  bool   `help:"Run even if the session threshold has not been reached."`
	Status bool   `help:"Only report whether an analysis is due."`
}

func (c *AnalyzeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close()

	if c.Status {
		status, err := rt.orchestrator.Status(ctx, c.User)
		if err != nil {
			return err
		}
		fmt.Printf("sessions since last profile: %d/%d\n", status.SessionsSince, status.Threshold)
		fmt.Printf("profile version: %d\n", status.ProfileVersion)
		if status.Due {
			fmt.Println("analysis is due")
		} else {
			fmt.Println("analysis is not due")
		}
		return nil
	}

	result, err := rt.orchestrator.Analyze(ctx, c.User, c.Force)
	if err != nil {
		return err
	}
	if result.Skipped {
		fmt.Printf("skipped: %d/%d sessions since last profile (use --force to run anyway)\n",
			result.SessionsSince, result.Threshold)
		return nil
	}

	fmt.Printf("processed %d messages (condensed: %v)\n", result.ProcessedMessages, result.Condensed)
	if result.Profile == nil {
		fmt.Fprintln(os.Stderr, "no profile produced: not enough session summaries yet")
		return nil
	}
	fmt.Printf("profile version %d:\n\n%s\n", result.Profile.Version, result.Profile.Content)
	return nil
}
