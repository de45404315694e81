// Command stratuscode is the agent backend. By default it serves the terminal
// client over JSON-RPC on stdio; run and models are conveniences for use from
// a shell.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Willebrew/stratuscode/config"
	"github.com/Willebrew/stratuscode/logging"
)

var version = "dev"

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	model      string
	provider   string
	logLevel   string
	logDir     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "stratuscode:", err)
		stop()
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "stratuscode",
		Short:         "Agent tool-loop backend for the stratuscode terminal client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, serveOptions{})
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "Path to YAML configuration file")
	root.PersistentFlags().StringVarP(&opts.model, "model", "m", "", "Model override")
	root.PersistentFlags().StringVar(&opts.provider, "provider", "", "Provider type override (responses, chat, anthropic, ollama, gollm)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logDir, "log-dir", "", "Directory for stratuscode.log")

	root.AddCommand(
		buildServeCmd(opts),
		buildRunCmd(opts),
		buildModelsCmd(opts),
		buildVersionCmd(),
	)
	return root
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.model != "" {
		cfg.Provider.Model = opts.model
	}
	if opts.provider != "" {
		cfg.Provider.Type = opts.provider
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logDir != "" {
		cfg.Logging.Dir = opts.logDir
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging sends logs to the configured file. Without one, logs go to
// stderr only when toStderr is set; stdout is reserved for the protocol.
func setupLogging(cfg *config.Config, toStderr bool) error {
	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.Dir != "" {
		if err := logging.EnableFileLogging(cfg.Logging.Dir, level); err != nil {
			return fmt.Errorf("enable file logging: %w", err)
		}
		return nil
	}
	if toStderr {
		logging.Configure(level, os.Stderr)
	}
	return nil
}
