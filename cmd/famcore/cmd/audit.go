package cmd

import (
	"context"
	"fmt"

	"github.com/familycore/famcore/internal/audit"
	"github.com/familycore/famcore/internal/boot"
	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/config"
	"github.com/spf13/cobra"
)

var auditSpace string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify a space's receipt chain",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute and verify the hash chain of committed receipts",
	RunE:  runAuditVerify,
}

func init() {
	auditCmd.PersistentFlags().StringVar(&auditSpace, "space", "", "space id (required)")
	auditCmd.AddCommand(auditVerifyCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	if auditSpace == "" {
		return fmt.Errorf("--space is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app, err := boot.New(cfg)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer app.Close()

	stores, err := app.StoresFor(cit.SpaceId(auditSpace))
	if err != nil {
		return fmt.Errorf("open space: %w", err)
	}

	ctx := context.Background()
	log := audit.NewLog(stores.DB)
	divergence, err := audit.Verify(ctx, log)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if divergence == nil {
		fmt.Printf("space %s: receipt chain intact\n", auditSpace)
		return nil
	}
	fmt.Printf("space %s: chain diverges at seq %d: %s (expected %q, got %q)\n",
		auditSpace, divergence.Seq, divergence.Reason, divergence.Expected, divergence.Got)
	return fmt.Errorf("receipt chain diverges")
}
