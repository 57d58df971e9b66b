package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/daniel/storyweaver/internal/graph"
	"github.com/daniel/storyweaver/internal/observability"
	"github.com/daniel/storyweaver/internal/template"
)

var templatesConfigPath string

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect and validate pipeline templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered templates",
	RunE:  runTemplatesList,
}

var templatesShowCmd = &cobra.Command{
	Use:   "show <template-id>",
	Short: "Show a template's stages and dependencies",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatesShow,
}

var templatesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a template YAML file without registering it",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatesValidate,
}

func init() {
	templatesCmd.PersistentFlags().StringVar(&templatesConfigPath, "config", "", "Path to config.json file")
	templatesCmd.AddCommand(templatesListCmd, templatesShowCmd, templatesValidateCmd)
	rootCmd.AddCommand(templatesCmd)
}

// loadRegistry loads the configured template directory without wiring the
// full orchestrator; the generation client is not needed to list templates.
func loadRegistry() (*template.Registry, error) {
	cfg, err := loadCLIConfig(templatesConfigPath)
	if err != nil {
		return nil, err
	}
	registry := template.NewRegistry()
	if cfg.TemplateDir != "" {
		if _, statErr := os.Stat(cfg.TemplateDir); statErr == nil {
			if err := registry.LoadDir(cfg.TemplateDir); err != nil {
				return nil, err
			}
		}
	}
	return registry, nil
}

func runTemplatesList(_ *cobra.Command, _ []string) error {
	registry, err := loadRegistry()
	if err != nil {
		return err
	}
	all := registry.List()
	if len(all) == 0 {
		fmt.Fprintln(os.Stdout, "No templates found")
		return nil
	}
	for _, t := range all {
		fmt.Fprintf(os.Stdout, "%s@%s  %d stage(s)", t.ID, t.Version, len(t.Stages))
		if t.Name != "" {
			fmt.Fprintf(os.Stdout, "  %s", t.Name)
		}
		fmt.Fprintln(os.Stdout)
	}
	return nil
}

func runTemplatesShow(_ *cobra.Command, args []string) error {
	registry, err := loadRegistry()
	if err != nil {
		return err
	}
	t, err := registry.Get(args[0], "")
	if err != nil {
		return err
	}
	observability.NewPrinter(os.Stdout).PrintTemplate(t)
	return nil
}

func runTemplatesValidate(_ *cobra.Command, args []string) error {
	t, err := template.LoadFile(args[0])
	if err != nil {
		return err
	}
	if err := graph.Validate(t); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Template %s@%s is valid (%d stages)\n", t.ID, t.Version, len(t.Stages))
	return nil
}
