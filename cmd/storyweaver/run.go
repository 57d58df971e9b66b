package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/daniel/storyweaver/internal/run"
	"github.com/daniel/storyweaver/internal/state"
)

var runCommand = &cobra.Command{
	Use:   "run <template-id>",
	Short: "Execute a pipeline run to completion",
	Long: `Starts a run against a registered template and follows it: stage output is
streamed as it is generated, and choice stages prompt for a selection.

Configuration can be loaded from a JSON file using --config. Command-line
arguments override config file values.`,
	Args: cobra.ExactArgs(1),
	RunE: runPipelineCmd,
}

var (
	runConfigPath string
	runInputs     []string
	runVersion    string
	runScope      string
	runQuiet      bool
	runVerbose    bool
)

func init() {
	runCommand.Flags().StringVar(&runConfigPath, "config", "", "Path to config.json file (values can be overridden by other flags)")
	runCommand.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "Run input as key=value (repeatable)")
	runCommand.Flags().StringVar(&runVersion, "template-version", "", "Template version (defaults to highest)")
	runCommand.Flags().StringVar(&runScope, "scope", "", "Isolation scope for the run and its cache entries")
	runCommand.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress streamed output, print only the final state")
	runCommand.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print detailed debug information")

	rootCmd.AddCommand(runCommand)
}

func runPipelineCmd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadCLIConfig(runConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = runVerbose
	}
	if cmd.Flags().Changed("scope") {
		cfg.Scope = runScope
	}

	inputs, err := parseInputs(runInputs)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.cleanup()

	runID, err := a.svc.StartRun(ctx, args[0], runVersion, inputs, cfg.Scope)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Run %s started\n", runID)

	if err := followRun(ctx, a, runID, !runQuiet); err != nil {
		return err
	}

	st, err := a.svc.GetRunState(ctx, runID)
	if err != nil {
		return err
	}
	a.printer.PrintRunState(st)
	if cfg.Verbose {
		a.printer.PrintCacheStats(a.svc.Cache().Stats())
	}
	if st.Status != state.RunCompleted {
		return fmt.Errorf("run finished with status %s", st.Status)
	}
	return nil
}

// followRun streams a run's notes until it finishes. Choice stages prompt on
// stdin for a candidate selection.
func followRun(ctx context.Context, a *app, runID uuid.UUID, echo bool) error {
	notes, cancel, err := a.svc.Subscribe(runID)
	if err != nil {
		// The run finished before we could attach.
		return nil
	}
	defer cancel()

	stdin := bufio.NewScanner(os.Stdin)
	for note := range notes {
		switch {
		case note.Chunk != nil && echo:
			fmt.Fprint(os.Stdout, note.Chunk.Text)
		case note.Event != nil && echo:
			a.logger.Debug("event", "type", note.Event.Type, "seq", note.Event.Seq)
		case note.Choice != nil:
			if err := promptChoice(ctx, a, runID, note.Choice, stdin); err != nil {
				return err
			}
		}
	}
	if echo {
		fmt.Fprintln(os.Stdout)
	}
	return nil
}

// promptChoice shows the candidates and records the selection made on stdin.
func promptChoice(ctx context.Context, a *app, runID uuid.UUID, choice *run.ChoicePending, stdin *bufio.Scanner) error {
	a.printer.PrintChoice(choice.StageID, choice.Candidates)

	for {
		fmt.Fprintf(os.Stdout, "Select candidate [0-%d]: ", len(choice.Candidates)-1)
		if !stdin.Scan() {
			return fmt.Errorf("stdin closed while a selection was pending")
		}
		selection, err := strconv.Atoi(strings.TrimSpace(stdin.Text()))
		if err != nil || selection < 0 || selection >= len(choice.Candidates) {
			fmt.Fprintln(os.Stdout, "Invalid selection")
			continue
		}
		return a.svc.SupplyFeedback(ctx, runID, choice.StageID, selection, "")
	}
}

// parseInputs converts repeated key=value flags into a map.
func parseInputs(pairs []string) (map[string]string, error) {
	inputs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", pair)
		}
		inputs[key] = value
	}
	return inputs, nil
}
