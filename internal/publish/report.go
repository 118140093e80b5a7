package publish

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/meridian-obs/contimg/internal/types"
)

// RunReport renders the markdown run report written beside a published
// image: product identity, gate statuses, and the group's journal timeline
// in chronological order.
func RunReport(p *types.Product, dest string, publishedAt time.Time, events []*types.JobEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run report: %s\n\n", p.GroupID)
	fmt.Fprintf(&b, "- product: `%s`\n", p.DataID)
	fmt.Fprintf(&b, "- published: %s at `%s`\n", publishedAt.UTC().Format(time.RFC3339), dest)
	fmt.Fprintf(&b, "- qa: %s, validation: %s, finalization: %s\n",
		p.QAStatus, p.ValidationStatus, p.FinalizationStatus)
	if p.PhotometryStatus != "" {
		fmt.Fprintf(&b, "- photometry: %s\n", p.PhotometryStatus)
	}
	if p.PublishAttempts > 0 {
		fmt.Fprintf(&b, "- failed publish attempts before this one: %d\n", p.PublishAttempts)
		if p.PublishError != "" {
			fmt.Fprintf(&b, "- last publish error: %s\n", p.PublishError)
		}
	}

	retries := make(map[string]int)
	for _, ev := range events {
		if ev.EventType == types.EventStageRetried {
			retries[ev.Stage]++
		}
	}
	if len(retries) > 0 {
		stages := make([]string, 0, len(retries))
		for stage := range retries {
			stages = append(stages, stage)
		}
		sort.Strings(stages)
		b.WriteString("\n## Stage retries\n\n")
		for _, stage := range stages {
			fmt.Fprintf(&b, "- %s: %d\n", stage, retries[stage])
		}
	}

	b.WriteString("\n## Timeline\n\n")
	if len(events) == 0 {
		b.WriteString("No journal entries for this group.\n")
		return b.String()
	}
	b.WriteString("| time (UTC) | event | stage | detail |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
			ev.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			ev.EventType, ev.Stage, ev.Detail)
	}
	return b.String()
}
