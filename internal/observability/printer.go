package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/daniel/storyweaver/internal/cache"
	"github.com/daniel/storyweaver/internal/state"
	"github.com/daniel/storyweaver/internal/template"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintRunState outputs a human-readable summary of a run's state.
func (p *Printer) PrintRunState(st *state.RunState) {
	if st == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:      %s\n", st.RunID))
	sb.WriteString(fmt.Sprintf("Template: %s@%s\n", st.TemplateID, st.TemplateVersion))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", st.Status))
	if st.ParentRunID != nil {
		sb.WriteString(fmt.Sprintf("Branched: %s @ seq %d\n", *st.ParentRunID, st.BranchSeq))
	}
	sb.WriteString("\n")

	ids := make([]string, 0, len(st.Stages))
	for id := range st.Stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sb.WriteString("Stages:\n")
	for _, id := range ids {
		se := st.Stages[id]
		sb.WriteString(fmt.Sprintf("  %-20s %s", id, se.Status))
		if se.Source != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", se.Source))
		}
		if se.DurationMs > 0 {
			sb.WriteString(fmt.Sprintf(" %dms", se.DurationMs))
		}
		sb.WriteString("\n")
	}

	if st.FailedStage != "" {
		sb.WriteString(fmt.Sprintf("\nFailed stage: %s\n", st.FailedStage))
		count := min(len(st.StageErrors), maxItemsToShow)
		for i := 0; i < count; i++ {
			msg := st.StageErrors[i]
			if len(msg) > 50 {
				msg = msg[:47] + "..."
			}
			sb.WriteString(fmt.Sprintf("  ⚠ %s\n", msg))
		}
	}

	p.printBox("RUN STATE", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintTemplate outputs a pipeline template's stages and dependencies.
func (p *Printer) PrintTemplate(tmpl *template.PipelineTemplate) {
	if tmpl == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Template: %s@%s\n", tmpl.ID, tmpl.Version))
	if tmpl.Name != "" {
		sb.WriteString(fmt.Sprintf("Name:     %s\n", tmpl.Name))
	}
	if len(tmpl.Inputs) > 0 {
		sb.WriteString(fmt.Sprintf("Inputs:   %s\n", strings.Join(tmpl.Inputs, ", ")))
	}
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("Stages (%d):\n", len(tmpl.Stages)))
	for _, sd := range tmpl.Stages {
		sb.WriteString(fmt.Sprintf("  • %s [%s]", sd.ID, sd.Kind))
		if len(sd.DependsOn) > 0 {
			deps := strings.Join(sd.DependsOn, ", ")
			if len(deps) > 30 {
				deps = deps[:27] + "..."
			}
			sb.WriteString(fmt.Sprintf(" ← %s", deps))
		}
		sb.WriteString("\n")
	}

	p.printBox("PIPELINE TEMPLATE", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintChoice outputs candidate variants awaiting a selection.
func (p *Printer) PrintChoice(stageID string, candidates []string) {
	if len(candidates) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Stage %s produced %d candidates:\n\n", stageID, len(candidates)))

	for i, c := range candidates {
		c = strings.ReplaceAll(c, "\n", " ")
		if len(c) > 48 {
			c = c[:45] + "..."
		}
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i, c))
	}

	p.printBox("CHOICE PENDING", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintCacheStats outputs cache hit counters.
func (p *Printer) PrintCacheStats(s cache.Stats) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Memory hits:      %d\n", s.MemoryHits))
	sb.WriteString(fmt.Sprintf("Backend hits:     %d\n", s.BackendHits))
	sb.WriteString(fmt.Sprintf("Misses:           %d\n", s.Misses))
	sb.WriteString(fmt.Sprintf("Puts:             %d\n", s.Puts))
	sb.WriteString(fmt.Sprintf("Evictions:        %d\n", s.Evictions))
	sb.WriteString(fmt.Sprintf("Backend failures: %d", s.BackendFails))

	p.printBox("CACHE STATS", sb.String())
}
