package main

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	token      string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "boxup",
		Short:         "Chunked file uploads to Box",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "",
		"config file (default ~/.config/boxup/config.toml)")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "",
		"access token (overrides BOX_ACCESS_TOKEN and the config file)")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false,
		"log per-part progress")

	cmd.AddCommand(newUploadCmd(flags))

	return cmd
}

// buildLogger creates an slog.Logger on stderr. Verbose enables per-part
// debug logging; piped stderr drops to warnings only.
func buildLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo

	switch {
	case verbose:
		level = slog.LevelDebug
	case !isatty.IsTerminal(os.Stderr.Fd()):
		level = slog.LevelWarn
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
