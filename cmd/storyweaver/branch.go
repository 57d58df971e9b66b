package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/daniel/storyweaver/internal/state"
)

var branchCmd = &cobra.Command{
	Use:   "branch <run-id>",
	Short: "Fork a run at a sequence number and execute the branch",
	Long: `Creates a copy-on-write branch of an existing run: the child shares the
parent's history up to the branch point and re-executes everything after it.
Inputs can be overridden with --input; completed stages before the branch
point are not re-executed.`,
	Args: cobra.ExactArgs(1),
	RunE: runBranch,
}

var (
	branchConfigPath string
	branchAtSeq      uint64
	branchInputs     []string
	branchQuiet      bool
)

func init() {
	branchCmd.Flags().StringVar(&branchConfigPath, "config", "", "Path to config.json file")
	branchCmd.Flags().Uint64Var(&branchAtSeq, "at", 0, "Sequence number to branch from (required)")
	branchCmd.Flags().StringArrayVarP(&branchInputs, "input", "i", nil, "Input override as key=value (repeatable)")
	branchCmd.Flags().BoolVarP(&branchQuiet, "quiet", "q", false, "Suppress streamed output")
	_ = branchCmd.MarkFlagRequired("at")
	rootCmd.AddCommand(branchCmd)
}

func runBranch(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	parentID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q", args[0])
	}
	overrides, err := parseInputs(branchInputs)
	if err != nil {
		return err
	}

	cfg, err := loadCLIConfig(branchConfigPath)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("branching needs the parent's event log; configure database_url")
	}

	a, err := buildApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.cleanup()

	childID, err := a.svc.Branch(ctx, parentID, branchAtSeq, overrides)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Branch %s created from %s at seq %d\n", childID, parentID, branchAtSeq)

	if err := followRun(ctx, a, childID, !branchQuiet); err != nil {
		return err
	}

	st, err := a.svc.GetRunState(ctx, childID)
	if err != nil {
		return err
	}
	a.printer.PrintRunState(st)
	if st.Status != state.RunCompleted {
		return fmt.Errorf("branch finished with status %s", st.Status)
	}
	return nil
}
