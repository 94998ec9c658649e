package main

import (
	"fmt"

	"corebus/pkg/config"

	"github.com/spf13/cobra"
)

// newConfigCmd creates the "corebus config" subcommand.
func newConfigCmd() *cobra.Command {
	var (
		format   string
		defaults bool
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Prints the configuration "corebus serve" would use after applying the
config file, environment overrides and defaults. --defaults prints a starter
file instead. The token is redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			var cfg config.Config
			if defaults {
				cfg = config.Default()
				cfg.Listen.Addr = paths.SocketPath
				cfg.EventLog.Path = paths.DBPath
			} else if cfg, err = config.Load(paths); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Listen.Token != "" {
				cfg.Listen.Token = "<redacted>"
			}

			f := config.Format(format)
			switch f {
			case "":
				f = config.FormatFor(paths.ConfigPath)
			case config.FormatYAML, config.FormatTOML:
			default:
				return fmt.Errorf("unsupported format %q", format)
			}
			data, err := config.Encode(cfg, f)
			if err != nil {
				return err
			}
			if !defaults {
				fmt.Fprintf(cmd.ErrOrStderr(), "# %s\n", paths.ConfigPath)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", "", `output format, "yaml" or "toml" (default from config file extension)`)
	cmd.Flags().BoolVar(&defaults, "defaults", false, "print the built-in defaults")

	return cmd
}
