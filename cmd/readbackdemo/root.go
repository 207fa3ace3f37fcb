package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gogpu/readback"
)

// newRootCommand creates and returns the root command.
func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "readbackdemo",
		Short:        "Asynchronous GPU readback demo",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default ./readback.yaml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCommand(), newFormatsCommand())
	return rootCmd
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Read back synthetic textures and a buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			v, err := newViper(cmd, configFile)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			level, err := parseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			readback.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			defer readback.SetLogger(nil)

			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	setupRunFlags(cmd)
	return cmd
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
