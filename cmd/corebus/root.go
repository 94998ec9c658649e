package main

import (
	"fmt"

	"corebus/internal/version"
	"corebus/pkg/client"
	"corebus/pkg/config"

	"github.com/spf13/cobra"
)

// connFlags are the connection settings shared by every client command.
// Empty values fall back to the config file and env.
type connFlags struct {
	network string
	addr    string
	token   string
}

func (f *connFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.network, "network", "", `server network, "unix" or "tcp" (default from config)`)
	cmd.PersistentFlags().StringVar(&f.addr, "addr", "", "server socket path or host:port (default from config)")
	cmd.PersistentFlags().StringVar(&f.token, "token", "", "shared secret presented to the server")
}

// client resolves the effective connection settings.
func (f *connFlags) client() (*client.Client, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	cfg, err := config.Load(paths)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	c := client.New(cfg.Listen.Network, cfg.Listen.Addr)
	c.Token = cfg.Listen.Token
	if f.network != "" {
		c.Network = f.network
	}
	if f.addr != "" {
		c.Addr = f.addr
	}
	if f.token != "" {
		c.Token = f.token
	}
	return c, nil
}

// newRootCmd creates the root corebus command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var conn connFlags

	cmd := &cobra.Command{
		Use:   "corebus",
		Short: "Task dispatch core and event bus",
		Long: "corebus routes named tasks from producers to attached workers,\n" +
			"retries them until acknowledged and broadcasts lifecycle events to listeners.",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	conn.register(cmd)

	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(&conn),
		newSubmitCmd(&conn),
		newListenCmd(&conn),
		newTasksCmd(&conn),
		newPublishCmd(&conn),
		newEventsCmd(),
		newConfigCmd(),
	)

	return cmd
}
