package cmd

import (
	"context"
	"fmt"

	"github.com/familycore/famcore/internal/boot"
	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/config"
	"github.com/familycore/famcore/internal/pdp"
	"github.com/familycore/famcore/internal/store"
	"github.com/familycore/famcore/internal/wp"
	"github.com/spf13/cobra"
)

var (
	memorySpace  string
	memoryActor  string
	memoryDevice string
	memoryRecord string
	memoryReason string
	memoryTarget string
	memoryToken  string
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Tombstone, undo, and project memory records",
}

var memoryTombstoneCmd = &cobra.Command{
	Use:   "tombstone",
	Short: "Logically delete a record (memory.tombstone)",
	RunE:  runMemoryTombstone,
}

var memoryUndoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Restore a tombstoned record within its undo window (memory.undo)",
	RunE:  runMemoryUndo,
}

var memoryProjectCmd = &cobra.Command{
	Use:   "project",
	Short: "Copy a record into another space (memory.project)",
	RunE:  runMemoryProject,
}

func init() {
	memoryCmd.PersistentFlags().StringVar(&memorySpace, "space", "", "source space id (required)")
	memoryCmd.PersistentFlags().StringVar(&memoryActor, "actor", "", "acting user id (required)")
	memoryCmd.PersistentFlags().StringVar(&memoryDevice, "device", "", "acting device id (required)")
	memoryCmd.PersistentFlags().StringVar(&memoryRecord, "record", "", "record id (required)")

	memoryTombstoneCmd.Flags().StringVar(&memoryReason, "reason", "", "tombstone reason")
	memoryProjectCmd.Flags().StringVar(&memoryTarget, "target-space", "", "target space id (required)")
	memoryProjectCmd.Flags().StringVar(&memoryToken, "consent-token", "", "consent token (required)")

	memoryCmd.AddCommand(memoryTombstoneCmd)
	memoryCmd.AddCommand(memoryUndoCmd)
	memoryCmd.AddCommand(memoryProjectCmd)
	rootCmd.AddCommand(memoryCmd)
}

func openMemoryApp() (*boot.App, error) {
	if memorySpace == "" || memoryActor == "" || memoryDevice == "" || memoryRecord == "" {
		return nil, fmt.Errorf("--space, --actor, --device, and --record are required")
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return boot.New(cfg)
}

// memoryAuthor builds the store.Author and base pdp.Request every memory
// subcommand fills in before calling the write pipeline. The CLI is an
// operator tool, not a device-trust boundary, so it always asserts owner
// role, adult age class, and a fully trusted device.
func memoryAuthor() (store.Author, pdp.Request) {
	author := store.Author{User: cit.UserId(memoryActor), Device: cit.DeviceId(memoryDevice), Role: "owner"}
	req := pdp.Request{ActorRole: "owner", ActorAge: pdp.AgeAdult, DeviceTrust: pdp.TrustFull}
	return author, req
}

func runMemoryTombstone(cmd *cobra.Command, args []string) error {
	app, err := openMemoryApp()
	if err != nil {
		return err
	}
	defer app.Close()

	author, policyReq := memoryAuthor()
	receipt, err := app.Write.Tombstone(context.Background(), wp.TombstoneRequest{
		ClientOpId: "cli_" + string(cit.NewRecordId()),
		SpaceId:    cit.SpaceId(memorySpace),
		Actor:      author,
		RecordId:   cit.RecordId(memoryRecord),
		Reason:     memoryReason,
		PolicyReq:  policyReq,
	})
	if err != nil {
		return fmt.Errorf("tombstone: %w", err)
	}
	fmt.Printf("record %s tombstoned, receipt %s\n", memoryRecord, receipt.ReceiptId)
	return nil
}

func runMemoryUndo(cmd *cobra.Command, args []string) error {
	app, err := openMemoryApp()
	if err != nil {
		return err
	}
	defer app.Close()

	author, policyReq := memoryAuthor()
	receipt, err := app.Write.Undo(context.Background(), wp.UndoRequest{
		ClientOpId: "cli_" + string(cit.NewRecordId()),
		SpaceId:    cit.SpaceId(memorySpace),
		Actor:      author,
		RecordId:   cit.RecordId(memoryRecord),
		PolicyReq:  policyReq,
	})
	if err != nil {
		return fmt.Errorf("undo: %w", err)
	}
	fmt.Printf("record %s restored, receipt %s\n", memoryRecord, receipt.ReceiptId)
	return nil
}

func runMemoryProject(cmd *cobra.Command, args []string) error {
	if memoryTarget == "" || memoryToken == "" {
		return fmt.Errorf("--target-space and --consent-token are required")
	}
	app, err := openMemoryApp()
	if err != nil {
		return err
	}
	defer app.Close()

	author, policyReq := memoryAuthor()
	receipt, err := app.Write.Project(context.Background(), wp.ProjectRequest{
		ClientOpId:   "cli_" + string(cit.NewRecordId()),
		SpaceId:      cit.SpaceId(memorySpace),
		TargetSpace:  cit.SpaceId(memoryTarget),
		Actor:        author,
		RecordId:     cit.RecordId(memoryRecord),
		ConsentToken: memoryToken,
		PolicyReq:    policyReq,
	})
	if err != nil {
		return fmt.Errorf("project: %w", err)
	}
	fmt.Printf("record %s projected into %s, receipt %s\n", memoryRecord, memoryTarget, receipt.ReceiptId)
	return nil
}
