package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/JakeFAU/inbox-router/internal/config"
	"github.com/JakeFAU/inbox-router/internal/progress"
	"github.com/JakeFAU/inbox-router/internal/server"
	"github.com/JakeFAU/inbox-router/internal/tracker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	watch := flag.String("watch", "", "Run one job for this mailbox and print its progress")
	maxResults := flag.Int("max", 0, "Maximum emails to process in watch mode (0 uses the configured default)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	if *watch != "" {
		os.Exit(runWatch(&cfg, *watch, *maxResults, os.Stdout))
	}

	app, err := server.Build(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}

func runWatch(cfg *config.Config, userEmail string, maxResults int, out io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg, server.WithTrackerUpdates(func(v tracker.View) {
		fmt.Fprintln(out, formatView(v))
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		return 1
	}
	defer func() {
		_ = app.Close(context.Background())
	}()

	view, err := app.Watch(ctx, userEmail, maxResults)
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted")
		return 130
	case err != nil:
		fmt.Fprintf(os.Stderr, "watch failed: %v\n", err)
		return 1
	case view.Session.Status == progress.PhaseError:
		fmt.Fprintf(os.Stderr, "job failed: %s\n", view.Session.ErrorMessage)
		return 2
	}
	return 0
}

func formatView(v tracker.View) string {
	s := v.Session
	var b strings.Builder
	fmt.Fprintf(&b, "[%-11s] %5.1f%%", s.Status, s.Percent)
	if s.TotalItems > 0 {
		fmt.Fprintf(&b, " %d/%d", s.ProcessedCount, s.TotalItems)
	}
	if s.StepLabel != "" {
		b.WriteString("  ")
		b.WriteString(s.StepLabel)
	}
	if s.Routing != nil && s.Routing.Department != "" {
		fmt.Fprintf(&b, "  -> %s", s.Routing.Department)
		if len(s.Routing.Recipients) > 0 {
			fmt.Fprintf(&b, " (%s)", progress.RecipientNames(s.Routing.Recipients))
		}
	}
	if s.ErrorMessage != "" {
		fmt.Fprintf(&b, "  error: %s", s.ErrorMessage)
	}
	return b.String()
}
