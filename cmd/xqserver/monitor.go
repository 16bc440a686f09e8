package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/xqserver/internal/tui"
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"tui"},
	Short:   "Launch the interactive monitor",
	RunE:    runMonitor,
}

var watchCmd = &cobra.Command{
	Use:   "watch [action-id]",
	Short: "Follow an action with a progress bar",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var watchInterval time.Duration

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 500*time.Millisecond, "Polling interval")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	c := newClient()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Second)
	defer cancel()
	if _, err := c.Health(ctx); err != nil {
		fmt.Printf("⚡ Server not reachable at %s: %v\n", apiAddr, err)
	}

	if err := tui.New(c).Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	p, err := tui.NewWatch(newClient(), args[0], watchInterval).Run()
	if err != nil {
		return err
	}
	if p != nil {
		return progressError(args[0], p)
	}
	return nil
}
