// root.go defines the root command and CLI execution entry point.
//
// The binary has a single command with two modes: the default serves MCP
// over stdio, --test runs the Starlark test suite instead. Both share the
// same capability set and script host; the mode decides file selection and
// whether the testing module is visible to scripts.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/connyay/starlark-mcp/internal/capability"
	"github.com/connyay/starlark-mcp/internal/config"
	"github.com/connyay/starlark-mcp/internal/dispatch"
	"github.com/connyay/starlark-mcp/internal/loader"
	"github.com/connyay/starlark-mcp/internal/logging"
	"github.com/connyay/starlark-mcp/internal/mcpserver"
	"github.com/connyay/starlark-mcp/internal/registry"
	"github.com/connyay/starlark-mcp/internal/script"
	"github.com/connyay/starlark-mcp/internal/testrun"
	"github.com/connyay/starlark-mcp/internal/version"
)

var (
	extensionsDir string
	testMode      bool
	showVersion   bool
)

var rootCmd = &cobra.Command{
	Use:   "starlark-mcp",
	Short: "MCP server whose tools are defined by Starlark extensions",
	Long: `A Model Context Protocol server that loads *.star extension scripts from a
directory, advertises their tools over stdio, and hot-reloads them on change.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if showVersion {
			fmt.Fprintf(cmd.OutOrStdout(), "starlark-mcp %s\n", version.Short())
			return nil
		}
		if testMode {
			return runTests(cmd.Context())
		}
		return runServer(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&extensionsDir, "extensions-dir", "e", "", "path to the extensions directory")
	rootCmd.Flags().BoolVarP(&testMode, "test", "t", false, "run *_test.star files and exit")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "print version and exit")
}

// Execute runs the root command and handles process lifecycle. Exit code 1
// indicates a fatal error or failing tests.
func Execute() {
	logger := logging.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// loadConfig merges the optional config file with the CLI flags; flags win.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if extensionsDir != "" {
		cfg.ExtensionsDir = extensionsDir
	}
	return cfg, nil
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	caps := capability.NewSet(cfg.HTTPTimeout())
	defer caps.Close()

	host := script.NewHost(caps, cfg.ExtensionsDir, false)
	reg := registry.New()
	ld := loader.New(cfg.ExtensionsDir, loader.ModeServer, host, reg, logger)

	if err := ld.LoadAll(ctx); err != nil {
		return fmt.Errorf("initial load: %w", err)
	}

	dispatcher := dispatch.New(reg, cfg.ExtensionsDir, logger)
	srv := mcpserver.New(reg, dispatcher, ld, cfg, logger)
	return srv.Run(ctx)
}

func runTests(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	caps := capability.NewSet(cfg.HTTPTimeout())
	defer caps.Close()

	host := script.NewHost(caps, cfg.ExtensionsDir, true)
	runner := testrun.New(cfg.ExtensionsDir, host, logger)

	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	// Report on stderr; stdout stays reserved for the MCP transport.
	summary.Print(os.Stderr)
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d tests failed", summary.Failed, summary.Total)
	}
	return nil
}
