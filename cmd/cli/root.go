// Package cli implements cryptoctl, the administration tool of the crypto worker.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/turtacn/cryptod/internal/app"
	"github.com/turtacn/cryptod/internal/application/dto"
	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/internal/infrastructure/monitoring"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/logger"
)

// env carries the global flags and the worker built for the running command.
type env struct {
	configFile string
	tenantID   string
	verbose    bool
	app        *app.App
}

// newRootCmd builds the cryptoctl command tree. Every subcommand runs against a worker
// built from the same configuration as the server.
// newRootCmd 构建 cryptoctl 命令树。
func newRootCmd() (*cobra.Command, *env) {
	e := &env{}
	rootCmd := &cobra.Command{
		Use:   "cryptoctl",
		Short: "A CLI tool for administering the crypto worker.",
		Long: `cryptoctl performs administrative tasks on the crypto worker, such as
migrating databases, registering tenants, generating and using signing keys
and placing tenants on HSMs.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.open(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVarP(&e.configFile, "config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&e.tenantID, "tenant", "t", constants.CryptoTenantID, "tenant to act for")
	rootCmd.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(
		newMigrateCmd(e),
		newTenantsCmd(e),
		newKeysCmd(e),
		newHSMCmd(e),
		newSchemesCmd(e),
		newEventsCmd(e),
	)
	return rootCmd, e
}

// Execute is the main entry point for the CLI application.
// Execute 是 CLI 应用程序的主入口点。
func Execute() {
	rootCmd, e := newRootCmd()
	err := rootCmd.ExecuteContext(context.Background())
	if cerr := e.close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Exit(1)
	}
}

func (e *env) open(ctx context.Context) error {
	cfg, err := config.LoadConfig(e.configFile, logger.NewNoopLogger())
	if err != nil {
		return err
	}
	// keep stdout for command output
	cfg.Log.Level = "error"
	if e.verbose {
		cfg.Log.Level = "debug"
	}
	cfg.Log.Format = "console"
	log, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	e.app, err = app.Build(ctx, cfg, log)
	return err
}

// close releases the worker. Cobra skips post-run hooks when a command fails, so
// it is called after Execute returns.
func (e *env) close() error {
	if e.app == nil {
		return nil
	}
	return e.app.Close()
}

// process sends one request through the request processor and fails on an error response.
func (e *env) process(ctx context.Context, req dto.Request) (dto.Response, error) {
	resp := e.app.Processor.Process(ctx, req)
	if errResp, ok := resp.(*dto.ErrorResponse); ok {
		return nil, fmt.Errorf("%s request failed (%s, retryable=%t): %s",
			req.RequestType(), errResp.ErrorType, errResp.Retryable, errResp.ErrorMessage)
	}
	return resp, nil
}

func (e *env) requestContext() dto.RequestContext {
	return dto.RequestContext{
		TenantID:         e.tenantID,
		RequestID:        uuid.NewString(),
		RequestTimestamp: time.Now().UTC(),
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
