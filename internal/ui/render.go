package ui

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/meridian-obs/contimg/internal/types"
)

// Age renders a timestamp as a relative age ("3 minutes ago").
func Age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// Size renders a byte count in human units.
func Size(n uint64) string {
	return humanize.Bytes(n)
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 3 {
		n = 3
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// RenderQueueTable renders work items, newest-planned first as listed.
func RenderQueueTable(items []*types.WorkItem, width int) string {
	if len(items) == 0 {
		return TableHintStyle.Render("No work items.")
	}
	t := NewListTable(width, "ID", "TYPE", "STATE", "ATTEMPTS", "AGE", "LAST ERROR")
	for _, it := range items {
		attempts := fmt.Sprintf("%d/%d", it.RetryCount, it.MaxRetries+1)
		t.Row(
			Truncate(it.ID, 10),
			it.JobType,
			RenderState(string(it.State)),
			attempts,
			Age(it.CreatedAt),
			Truncate(it.LastError, 40),
		)
	}
	return t.String()
}

// RenderGroupsTable renders observation groups.
func RenderGroupsTable(groups []*types.Group, width int) string {
	if len(groups) == 0 {
		return TableHintStyle.Render("No groups.")
	}
	t := NewListTable(width, "GROUP", "STATE", "SUBBANDS", "POINTING", "RECEIVED", "ERROR")
	for _, g := range groups {
		t.Row(
			g.ID,
			RenderState(string(g.State)),
			fmt.Sprintf("%d/%d", g.SubbandsPresent, g.ExpectedSubbands),
			pointing(g.RADeg, g.DecDeg),
			Age(g.ReceivedAt),
			Truncate(g.ErrorMessage, 30),
		)
	}
	return t.String()
}

// RenderProductsTable renders data products.
func RenderProductsTable(prods []*types.Product, width int) string {
	if len(prods) == 0 {
		return TableHintStyle.Render("No products.")
	}
	t := NewListTable(width, "DATA ID", "TYPE", "STATE", "QA", "OBS MJD", "CREATED")
	for _, p := range prods {
		t.Row(
			Truncate(p.DataID, 34),
			p.DataType,
			RenderState(string(p.State)),
			qaCell(p),
			fmt.Sprintf("%.5f", p.ObsStartMJD),
			Age(p.CreatedAt),
		)
	}
	return t.String()
}

// RenderCalTable renders calibration artifacts with their validity windows.
func RenderCalTable(arts []*types.CalArtifact, width int) string {
	if len(arts) == 0 {
		return TableHintStyle.Render("No calibration artifacts.")
	}
	t := NewListTable(width, "ID", "SET", "TYPE", "STATUS", "VALID (MJD)", "CREATED")
	for _, a := range arts {
		t.Row(
			fmt.Sprintf("%d", a.ID),
			a.SetName,
			string(a.Type),
			RenderState(string(a.Status)),
			validity(a),
			Age(a.CreatedAt),
		)
	}
	return t.String()
}

// RenderEventsTable renders journal events, as ordered by the caller
// (newest first from the daemon).
func RenderEventsTable(events []*types.JobEvent, width int) string {
	if len(events) == 0 {
		return TableHintStyle.Render("No events.")
	}
	t := NewListTable(width, "TIME", "EVENT", "GROUP", "STAGE", "DETAIL")
	for _, ev := range events {
		t.Row(
			ev.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			ev.EventType,
			ev.GroupID,
			ev.Stage,
			Truncate(ev.Detail, 48),
		)
	}
	return t.String()
}

func pointing(ra, dec float64) string {
	if ra == 0 && dec == 0 {
		return "-"
	}
	return fmt.Sprintf("%.3f %+.3f", ra, dec)
}

func qaCell(p *types.Product) string {
	switch p.QAStatus {
	case types.QAPassed:
		return RenderPass(p.QAStatus)
	case types.QAFailed:
		return RenderFail(p.QAStatus)
	default:
		return RenderMuted(p.QAStatus)
	}
}

func validity(a *types.CalArtifact) string {
	if a.OpenEnded() {
		return fmt.Sprintf("[%.5f, open)", a.ValidStartMJD)
	}
	return fmt.Sprintf("[%.5f, %.5f)", a.ValidStartMJD, a.ValidEndMJD)
}
