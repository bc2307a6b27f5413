package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sandarb-ai/sandarb/internal/audit"
	"github.com/sandarb-ai/sandarb/internal/store"
)

var auditOut string

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditExportCmd.Flags().StringVarP(&auditOut, "out", "o", "", "Output file (default stdout)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail operations",
	Long:  "Commands for verifying and exporting the hash-chained audit trail.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <db>",
	Short: "Verify hash chain integrity of an audit trail",
	Long:  "Replays the audit rows and validates that every entry's prev_hash matches\nthe SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerify,
}

var auditExportCmd = &cobra.Command{
	Use:   "export <db>",
	Short: "Export the audit trail as zstd-compressed JSONL",
	Long:  "Writes every audit entry, with its chain hashes, as compressed JSONL for\noffsite retention. The export verifies offline with the same chain rules.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditExport,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	st, err := store.Open(args[0])
	if err != nil {
		return err
	}
	defer st.Close()

	result := audit.Verify(cmd.Context(), st.DB())
	if !result.Valid {
		return fmt.Errorf("audit chain FAILED at row %d: %s", result.ErrorRow, result.Error)
	}
	fmt.Printf("OK: %d entries verified\n", result.Rows)
	return nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	st, err := store.Open(args[0])
	if err != nil {
		return err
	}
	defer st.Close()

	out := os.Stdout
	if auditOut != "" {
		f, err := os.Create(auditOut)
		if err != nil {
			return fmt.Errorf("create %s: %w", auditOut, err)
		}
		defer f.Close()
		out = f
	}

	n, err := audit.WriteArchive(cmd.Context(), st.DB(), out)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d entries\n", n)
	return nil
}
