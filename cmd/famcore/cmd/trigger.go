package cmd

import (
	"context"
	"fmt"

	"github.com/familycore/famcore/internal/boot"
	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/config"
	"github.com/spf13/cobra"
)

var (
	triggerSpace string
	triggerID    string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Inspect and cancel prospective triggers",
}

var triggerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled and armed triggers for a space",
	RunE:  runTriggerList,
}

var triggerCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a scheduled or armed trigger",
	RunE:  runTriggerCancel,
}

func init() {
	triggerCmd.PersistentFlags().StringVar(&triggerSpace, "space", "", "space id (required)")
	triggerCancelCmd.Flags().StringVar(&triggerID, "id", "", "trigger id (required)")
	triggerCmd.AddCommand(triggerListCmd)
	triggerCmd.AddCommand(triggerCancelCmd)
}

func runTriggerList(cmd *cobra.Command, args []string) error {
	if triggerSpace == "" {
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

	stores, err := app.StoresFor(cit.SpaceId(triggerSpace))
	if err != nil {
		return fmt.Errorf("open space: %w", err)
	}

	triggers, err := stores.Prospective.List(context.Background(), triggerSpace)
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}
	if len(triggers) == 0 {
		fmt.Printf("space %s: no pending triggers\n", triggerSpace)
		return nil
	}
	for _, t := range triggers {
		fmt.Printf("%s  %-10s owner=%s next_eval_ts=%d payload=%s\n", t.Id, t.State, t.Owner, t.NextEvalTs, t.PayloadRef)
	}
	return nil
}

func runTriggerCancel(cmd *cobra.Command, args []string) error {
	if triggerSpace == "" || triggerID == "" {
		return fmt.Errorf("--space and --id are required")
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

	if err := app.Prospective.Cancel(context.Background(), cit.SpaceId(triggerSpace), triggerID); err != nil {
		return fmt.Errorf("cancel trigger: %w", err)
	}
	fmt.Printf("trigger %s canceled\n", triggerID)
	return nil
}
