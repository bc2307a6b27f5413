package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sandarb-ai/sandarb/internal/audit"
	"github.com/sandarb-ai/sandarb/internal/config"
	"github.com/sandarb-ai/sandarb/internal/mcp"
	"github.com/sandarb-ai/sandarb/internal/policy"
	"github.com/sandarb-ai/sandarb/internal/pull"
	"github.com/sandarb-ai/sandarb/internal/store"
)

var mcpDB string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpDB, "db", "", "Path to sqlite database (overrides config)")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run an MCP server on stdio",
	Long:  "Serves governed prompts and contexts to a local MCP client over stdio.\nRetrieval goes through the same policy gate and audit trail as the HTTP surface.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if mcpDB != "" {
		cfg.DBPath = mcpDB
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := audit.NewRecorder(st.DB(), cfg.AuditQueueSize)
	if err != nil {
		return err
	}
	defer rec.Close()

	gateCfg, _, err := policy.LoadConfigWithHash(cfg.PolicyFile)
	if err != nil {
		return err
	}

	srv := mcp.NewStdioServer(st, pull.NewService(st, rec, cfg.PreviewAgentID), func() *policy.Config { return gateCfg }, cfg.MCPAgentID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
