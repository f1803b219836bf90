package main

import (
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/monitor"
	"github.com/fyrsmithlabs/refine/internal/store"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		storePath string
		follow    bool
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarise the result store",
		Long: `Show the state of every artifact recorded in the result store. With
--follow the summary stays open and refreshes whenever the store changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFile(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if storePath == "" {
				storePath = cfg.StorePath()
			}
			sw := evaluation.SwitchesFromConfig(cfg.Gates)

			if follow {
				return followStatus(cmd.Context(), storePath, sw, interval)
			}
			return printStatus(cmd.OutOrStdout(), storePath, sw)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&storePath, "store", "", "result store path (default <output_dir>/results.json)")
	flags.BoolVar(&follow, "follow", false, "keep the summary open and refresh on change")
	flags.DurationVar(&interval, "interval", 5*time.Second, "refresh interval in follow mode (0 disables polling)")
	return cmd
}

func printStatus(w io.Writer, path string, sw evaluation.Switches) error {
	entries, err := store.Read(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, monitor.Render(monitor.Summarize(entries, sw)))
	return nil
}

// followStatus runs the dashboard, nudged by store file events.
func followStatus(ctx context.Context, path string, sw evaluation.Switches, interval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		_ = monitor.Follow(ctx, path, func(map[string]store.Entry, error) {
			select {
			case changes <- struct{}{}:
			default:
			}
		})
	}()

	p := tea.NewProgram(monitor.NewModel(path, sw, interval, changes), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
