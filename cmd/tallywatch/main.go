package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/TallyWorks/tally/client"
	"github.com/TallyWorks/tally/models"
	"github.com/fatih/color"
)

var (
	createdColor = color.New(color.FgGreen)
	updatedColor = color.New(color.FgYellow)
	deletedColor = color.New(color.FgRed)
	plainColor   = color.New(color.FgWhite)
)

func actionColor(action models.Action) *color.Color {
	switch action {
	case models.ActionCreated, models.ActionBound:
		return createdColor
	case models.ActionUpdated, models.ActionArchived:
		return updatedColor
	case models.ActionDeleted, models.ActionUnbound:
		return deletedColor
	default:
		return plainColor
	}
}

func main() {
	address := flag.String("address", "http://127.0.0.1:8089", "service address")
	token := flag.String("token", "", "API token")
	users := flag.String("join", "", "comma separated user scopes to join")
	skipVerify := flag.Bool("skip-verify", false, "skip TLS certificate verification")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "a token is required (--token)")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	c, err := client.NewClient(&client.Config{
		Address:    *address,
		Token:      *token,
		SkipVerify: *skipVerify,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create client:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	alive, err := c.Alive(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to query liveness:", err)
		os.Exit(1)
	}
	if !alive {
		fmt.Fprintln(os.Stderr, "realtime subsystem reports not alive")
		os.Exit(1)
	}

	sub, err := c.Subscribe(ctx, printBatch)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to subscribe:", err)
		os.Exit(1)
	}
	defer sub.Close()

	for _, user := range strings.Split(*users, ",") {
		user = strings.TrimSpace(user)
		if user == "" {
			continue
		}
		if err := sub.Join(user); err != nil {
			fmt.Fprintln(os.Stderr, "failed to join scope:", err)
			os.Exit(1)
		}
		fmt.Printf("joined scope %q\n", user)
	}

	select {
	case <-ctx.Done():
	case <-sub.Done():
	}
}

func printBatch(events []models.Event) {
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-22s %-8s", ev.Timestamp.Local().Format("15:04:05.000"), ev.Type, ev.Action)
		if ev.EntityID != "" {
			line += " " + ev.EntityID
		}
		if ev.Message != "" {
			line += "  " + ev.Message
		}
		actionColor(ev.Action).Println(line)
	}
}
