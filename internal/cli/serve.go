package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sandarb-ai/sandarb/internal/audit"
	"github.com/sandarb-ai/sandarb/internal/config"
	"github.com/sandarb-ai/sandarb/internal/server"
	"github.com/sandarb-ai/sandarb/internal/store"
)

var (
	serveListen string
	serveDB     string
	servePolicy string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "Path to sqlite database (overrides config)")
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Path to gate policy YAML (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governance server",
	Long:  "Runs the REST and MCP surface. Supports hot-reload of the gate policy file.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.ListenAddr = serveListen
	}
	if serveDB != "" {
		cfg.DBPath = serveDB
	}
	if servePolicy != "" {
		cfg.PolicyFile = servePolicy
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.EnsureRootOrganization(cmd.Context(), cfg.RootOrg); err != nil {
		return err
	}

	// A broken chain is a tamper signal: fatal in strict mode, loud
	// otherwise.
	if result := audit.Verify(cmd.Context(), st.DB()); !result.Valid {
		if cfg.Strict {
			return fmt.Errorf("audit chain verification failed at row %d: %s", result.ErrorRow, result.Error)
		}
		fmt.Fprintf(os.Stderr, "sandarb: WARNING: audit chain broken at row %d: %s\n", result.ErrorRow, result.Error)
	}

	rec, err := audit.NewRecorder(st.DB(), cfg.AuditQueueSize)
	if err != nil {
		return err
	}
	defer rec.Close()

	srv, err := server.New(cfg, st, rec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PolicyFile != "" {
		fmt.Fprintf(os.Stderr, "sandarb: gate policy %s (hot-reload enabled)\n", cfg.PolicyFile)
	}
	return srv.Run(ctx)
}
