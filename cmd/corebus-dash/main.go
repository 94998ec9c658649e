// Package main implements the corebus-dash interactive dashboard.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"corebus/internal/version"
	"corebus/pkg/client"
	"corebus/pkg/config"
	"corebus/pkg/protocol"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

// snapshot is the --json output.
type snapshot struct {
	Online bool                    `json:"online"`
	Tasks  []protocol.InFlightInfo `json:"tasks"`
}

// robotMode outputs a JSON snapshot of the in-flight tasks.
func robotMode(ctx context.Context, c *client.Client) ([]byte, error) {
	tasks, err := c.ListTasks(ctx)
	snap := snapshot{Online: err == nil, Tasks: tasks}
	if snap.Tasks == nil {
		snap.Tasks = []protocol.InFlightInfo{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func newRootCmd() *cobra.Command {
	var (
		network, addr, token string
		interval             time.Duration
		jsonOut              bool
	)

	cmd := &cobra.Command{
		Use:          "corebus-dash",
		Short:        "Live view of in-flight tasks and bus events",
		Version:      version.Full(),
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			cfg, err := config.Load(paths)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c := client.New(cfg.Listen.Network, cfg.Listen.Addr)
			c.Token = cfg.Listen.Token
			if network != "" {
				c.Network = network
			}
			if addr != "" {
				c.Addr = addr
			}
			if token != "" {
				c.Token = token
			}

			if jsonOut {
				data, err := robotMode(cmd.Context(), c)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
				return nil
			}

			p := tea.NewProgram(newModel(cmd.Context(), c, interval), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.Flags().StringVar(&network, "network", "", `server network, "unix" or "tcp" (default from config)`)
	cmd.Flags().StringVar(&addr, "addr", "", "server socket path or host:port (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "shared secret presented to the server")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "task table refresh interval")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print one JSON snapshot and exit")

	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
