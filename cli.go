package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chop-dbhi/icd-lookup/internal/config"
	"github.com/chop-dbhi/icd-lookup/internal/lookup"
	"github.com/chop-dbhi/icd-lookup/internal/report"
)

const shutdownTimeout = 10 * time.Second

// Output formats of the search and code commands.
const (
	formatMarkdown = "markdown"
	formatJSON     = "json"
	formatMermaid  = "mermaid"
)

// Version information set at build time via ldflags.
var (
	version = ""
	commit  = ""
)

// getVersion returns version string.
// Priority: ldflags > debug.ReadBuildInfo > "(devel)"
func getVersion() string {
	if version != "" {
		return version
	}
	if buildInfo, ok := debug.ReadBuildInfo(); ok && buildInfo.Main.Version != "" {
		return buildInfo.Main.Version
	}
	return "(devel)"
}

func getCommit() string {
	if commit != "" {
		return commit
	}
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range buildInfo.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) > 7 {
				return setting.Value[:7]
			}
		}
	}
	return "unknown"
}

// newRootCmd creates the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   config.AppName,
		Short: "ICD-10-CM code lookup service",
		Long: `icd-lookup searches ICD-10-CM codes and links each code to drugs,
clinical trials, Medicare coverage documents and SNOMED CT procedures.

Run "icd-lookup serve" for the HTTP API or use the search and code
commands directly from a terminal.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "config file (default $XDG_CONFIG_HOME/icd-lookup/config.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newCodeCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	err := newRootCmd().ExecuteContext(context.Background())

	// Flushes buffer if it exists
	_ = zapLogger.Sync()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(file)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AppVersion == "dev" {
		cfg.AppVersion = getVersion()
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServeCmd,
	}
	cmd.Flags().IntP("port", "p", 0, "listen port (overrides PORT)")
	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Port = port
	}
	if cfg.File != "" {
		zapLogger.Info("Loaded config file", zap.String("file", cfg.File))
	}

	// Set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	e, err := newServer(a)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		zapLogger.Info("Starting server", zap.String("addr", cfg.Addr()), zap.String("env", cfg.AppEnv))
		errCh <- e.Start(cfg.Addr())
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		zapLogger.Info("Received shutdown signal, stopping server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search ICD-10-CM codes",
		Example: `  icd-lookup search "pancreas cancer"
  icd-lookup search --chapter 9 --limit 5 hypertension`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSearchCmd,
	}
	cmd.Flags().IntP("limit", "l", lookup.DefaultLimit, "maximum number of results")
	cmd.Flags().String("chapter", "", "restrict results to a chapter number or code range")
	cmd.Flags().StringP("format", "f", formatMarkdown, "output format: markdown or json")
	return cmd
}

func runSearchCmd(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != formatMarkdown && format != formatJSON {
		return fmt.Errorf("unknown format %q", format)
	}
	limit, _ := cmd.Flags().GetInt("limit")
	chapter, _ := cmd.Flags().GetString("chapter")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	resp, err := a.service.Search(cmd.Context(), lookup.SearchRequest{
		Query:   strings.Join(args, " "),
		Limit:   limit,
		Chapter: chapter,
	})
	if err != nil {
		return err
	}

	if format == formatJSON {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	return report.NewMarkdownWriter(cmd.OutOrStdout()).WriteSearch(resp)
}

func newCodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "code <icd10-code>",
		Short:   "Show everything known about a code",
		Example: `  icd-lookup code E11.9
  icd-lookup code --format mermaid e119`,
		Args: cobra.ExactArgs(1),
		RunE: runCodeCmd,
	}
	cmd.Flags().StringP("format", "f", formatMarkdown, "output format: markdown, json or mermaid")
	return cmd
}

func runCodeCmd(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case formatMarkdown, formatJSON, formatMermaid:
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	detail, err := a.service.Detail(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	graph := a.service.Graph(detail)

	switch format {
	case formatJSON:
		return writeJSON(cmd.OutOrStdout(), detail)
	case formatMermaid:
		_, err := io.WriteString(cmd.OutOrStdout(), graph.Mermaid())
		return err
	}
	return report.NewMarkdownWriter(cmd.OutOrStdout()).WriteDetail(detail, graph)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", config.AppName, getVersion())
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", getCommit())
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
