package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-relay/internal/settings"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "oauth-relay",
		Short:         "OAuth 2.0 login relay with PKCE for Google, GitHub, Twitter, Discord and Spotify",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", settings.DefaultPath, "path to the TOML or YAML settings file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional .env file loaded before reading settings")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newProvidersCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

// loadSettings loads the .env file and the settings file named by opts.
func loadSettings(opts *rootOptions) (*settings.Settings, error) {
	if err := settings.LoadDotEnv(opts.envFile); err != nil {
		return nil, err
	}
	return settings.Load(opts.configPath)
}

// newLogger builds the process logger from the log settings.
func newLogger(s *settings.Settings, w io.Writer) (*slog.Logger, error) {
	level, err := s.LogLevel()
	if err != nil {
		return nil, err
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	switch s.Log.Format {
	case settings.LogFormatText:
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case settings.LogFormatJSON:
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", s.Log.Format)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("oauth-relay version %s\n", version)
		},
	}
}
