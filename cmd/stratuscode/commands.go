package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Willebrew/stratuscode/unifiedllm"
)

func buildServeCmd(opts *rootOptions) *cobra.Command {
	var so serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the terminal client over JSON-RPC on stdio",
		Long: `Serve the terminal client over line-delimited JSON-RPC 2.0 on stdin/stdout.

The backend is created when the client sends initialize with its project
directory. Notifications (timeline events, token usage, plan approval
prompts) are written to stdout between responses. Logs never go to stdout.`,
		Example: `  # Started by the terminal client
  stratuscode serve

  # Expose Prometheus metrics while serving
  stratuscode serve --metrics-addr 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, so)
		},
	}
	cmd.Flags().StringVar(&so.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func buildRunCmd(opts *rootOptions) *cobra.Command {
	var ro runOptions
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one prompt against the project and stream the answer",
		Example: `  stratuscode run "explain what internal/server does"
  stratuscode run --agent plan "add retries to the HTTP client"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrompt(cmd.Context(), opts, ro, strings.Join(args, " "), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&ro.projectDir, "project", "p", "", "Project directory (defaults to the working directory)")
	cmd.Flags().StringVarP(&ro.agent, "agent", "a", "build", "Agent mode: plan or build")
	cmd.Flags().BoolVar(&ro.showTools, "show-tools", true, "Print tool calls as they run")
	return cmd
}

func buildModelsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List known models, filtered by --provider when set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tCONTEXT\tREASONING")
			for _, m := range unifiedllm.ListModels(opts.provider) {
				fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", m.ID, m.Provider, m.ContextWindow, m.SupportsReasoning)
			}
			return w.Flush()
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "stratuscode", version)
		},
	}
}
