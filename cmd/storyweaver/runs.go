package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var runsConfigPath string

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's state rebuilt from its event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsHistoryCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "Print a run's recorded events",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsHistory,
}

var (
	runsScope string
	runsAtSeq uint64
	runsFrom  uint64
)

func init() {
	runsCmd.PersistentFlags().StringVar(&runsConfigPath, "config", "", "Path to config.json file")
	runsListCmd.Flags().StringVar(&runsScope, "scope", "", "Filter by isolation scope")
	runsShowCmd.Flags().Uint64Var(&runsAtSeq, "at", 0, "Rebuild state as of this sequence number")
	runsHistoryCmd.Flags().Uint64Var(&runsFrom, "from", 0, "Start from this sequence number")
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsHistoryCmd)
	rootCmd.AddCommand(runsCmd)
}

func runRunsList(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	a, err := buildInspectionApp(ctx)
	if err != nil {
		return err
	}
	defer a.cleanup()

	records, err := a.svc.ListRuns(ctx, runsScope)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "No runs recorded")
		return nil
	}
	for _, rec := range records {
		fmt.Fprintf(os.Stdout, "%s  %-10s %s@%s scope=%s",
			rec.ID, rec.Status, rec.TemplateID, rec.TemplateVersion, rec.Scope)
		if rec.ParentRunID != nil {
			fmt.Fprintf(os.Stdout, " branched-from=%s@%d", rec.ParentRunID, rec.BranchSeq)
		}
		fmt.Fprintln(os.Stdout)
	}
	return nil
}

func runRunsShow(_ *cobra.Command, args []string) error {
	ctx := context.Background()
	runID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q", args[0])
	}

	a, err := buildInspectionApp(ctx)
	if err != nil {
		return err
	}
	defer a.cleanup()

	st, err := a.svc.GetRunState(ctx, runID)
	if runsAtSeq > 0 {
		st, err = a.svc.StateAt(ctx, runID, runsAtSeq)
	}
	if err != nil {
		return err
	}
	a.printer.PrintRunState(st)
	return nil
}

func runRunsHistory(_ *cobra.Command, args []string) error {
	ctx := context.Background()
	runID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q", args[0])
	}

	a, err := buildInspectionApp(ctx)
	if err != nil {
		return err
	}
	defer a.cleanup()

	events, err := a.svc.History(ctx, runID, runsFrom)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Fprintf(os.Stdout, "%6d  %-24s %s  %s\n", e.Seq, e.Type, e.At.Format("2006-01-02T15:04:05Z07:00"), e.Payload)
	}
	return nil
}

// buildInspectionApp wires the app for read-only commands; these need the
// durable log, so a database URL is required.
func buildInspectionApp(ctx context.Context) (*app, error) {
	cfg, err := loadCLIConfig(runsConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("inspecting runs needs the durable event log; configure database_url")
	}
	return buildApp(ctx, cfg, false)
}
