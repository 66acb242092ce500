package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/timeflow/internal/config"
	"github.com/goodtune/timeflow/internal/persistence"
	"github.com/goodtune/timeflow/internal/storage"
	"github.com/goodtune/timeflow/internal/storage/tiers"
	"github.com/goodtune/timeflow/internal/timer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted timer state",
	Long: `Read the timer state from the configured storage tiers and print it.
The bolt tier is locked while the service runs; stop the service or query
the control API instead.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	primary, secondary, err := tiers.OpenPair(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	gateway := persistence.NewGateway(primary, secondary, persistence.Options{
		Key:          cfg.Storage.Key,
		WriteTimeout: cfg.Durations().WriteTimeout,
	}, zerolog.Nop())
	defer func() {
		if err := gateway.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	snap, tier, err := gateway.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		_, _ = color.New(color.FgYellow).Println("No timer state persisted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load timer state: %w", err)
	}

	printStatus(snap, tier, cfg, time.Now())
	return nil
}

func printStatus(snap persistence.Snapshot, tier string, cfg *config.Config, now time.Time) {
	label := color.New(color.FgCyan, color.Bold)
	s := snap.State

	statusColor := color.New(color.FgWhite)
	switch s.Status {
	case timer.StatusRunning:
		statusColor = color.New(color.FgGreen, color.Bold)
	case timer.StatusPaused:
		statusColor = color.New(color.FgYellow, color.Bold)
	}

	elapsed := s.Elapsed()
	if s.Status == timer.StatusRunning && s.StartTime != nil {
		// The service may not be running; show time as of now.
		elapsed = now.Sub(*s.StartTime).Truncate(time.Second)
	}

	_, _ = label.Print("Status:      ")
	_, _ = statusColor.Println(s.Status)
	_, _ = label.Print("Elapsed:     ")
	fmt.Println(elapsed)
	_, _ = label.Print("Total:       ")
	fmt.Println(time.Duration(s.TotalElapsedSeconds) * time.Second)

	if s.Context.ProjectID != "" {
		_, _ = label.Print("Project:     ")
		fmt.Println(s.Context.ProjectID)
	}
	if s.Context.TaskID != "" {
		_, _ = label.Print("Task:        ")
		fmt.Println(s.Context.TaskID)
	}
	if s.Context.Description != "" {
		_, _ = label.Print("Description: ")
		fmt.Println(s.Context.Description)
	}

	_, _ = label.Print("Session:     ")
	fmt.Println(snap.SessionID)
	_, _ = label.Print("Saved:       ")
	fmt.Printf("%s (%s ago)\n", snap.LastSavedAt.Local().Format(time.RFC3339), now.Sub(snap.LastSavedAt).Truncate(time.Second))

	if o := snap.Offer; o != nil {
		_, _ = label.Print("Recovery:    ")
		_, _ = color.New(color.FgYellow).Printf("session %s awaiting a decision (%s of work, last accurate %s)\n",
			o.SessionID, time.Duration(o.State.ElapsedSeconds)*time.Second, o.LastAccurateAt.Local().Format(time.RFC3339))
	}

	tierType := cfg.Storage.Primary.Type
	if tier == persistence.TierSecondary {
		tierType = cfg.Storage.Secondary.Type
	}
	_, _ = label.Print("Tier:        ")
	fmt.Printf("%s (%s)\n", tier, tierType)
}
