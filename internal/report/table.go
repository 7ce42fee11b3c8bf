package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/batchscan/internal/batch"
	"github.com/anstrom/batchscan/internal/scanning"
)

// TableRenderer writes a console summary followed by one table row per
// (target, port). Color is off unless requested so that file output stays
// plain text.
type TableRenderer struct {
	Color bool
}

// Render implements Renderer.
func (r TableRenderer) Render(w io.Writer, result *batch.Result) error {
	if err := r.renderSummary(w, result); err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Target", "Status", "Host", "Port", "Protocol", "Service", "Version", "Risk")
	for i := range result.Records {
		record := &result.Records[i]
		for _, row := range csvRows(record) {
			// csv layout: target status host port protocol state service product version score
			version := row[8]
			if row[7] != "" {
				version = row[7] + " " + row[8]
			}
			if err := table.Append([]string{
				row[0],
				r.status(record.Status),
				row[2],
				row[3],
				row[4],
				row[6],
				version,
				r.risk(record),
			}); err != nil {
				return err
			}
		}
	}
	return table.Render()
}

func (r TableRenderer) renderSummary(w io.Writer, result *batch.Result) error {
	risk := result.Stats.Risk
	lines := []string{
		fmt.Sprintf("Batch %s (%s, concurrency %d)", result.ID, result.Strategy, result.Concurrency),
		fmt.Sprintf("Targets: %d total, %s, %s",
			result.TotalTargets,
			r.paint(color.FgGreen, strconv.Itoa(result.Succeeded)+" succeeded"),
			r.paint(color.FgRed, strconv.Itoa(result.Failed)+" failed")),
		fmt.Sprintf("Open ports: %d", result.Stats.OpenPorts),
		fmt.Sprintf("Risk: %s, %s, %s (average score %.2f)",
			r.paint(color.FgRed, fmt.Sprintf("%d high", risk.Levels[scanning.RiskHigh])),
			r.paint(color.FgYellow, fmt.Sprintf("%d medium", risk.Levels[scanning.RiskMedium])),
			r.paint(color.FgCyan, fmt.Sprintf("%d low", risk.Levels[scanning.RiskLow])),
			risk.AverageScore),
		fmt.Sprintf("Duration: %s", result.Duration()),
	}
	for _, rec := range result.Stats.Recommendations {
		lines = append(lines, "! "+rec)
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

func (r TableRenderer) status(s scanning.Status) string {
	switch s {
	case scanning.StatusSuccess:
		return r.paint(color.FgGreen, string(s))
	case scanning.StatusCancelled:
		return r.paint(color.FgYellow, string(s))
	default:
		return r.paint(color.FgRed, string(s))
	}
}

func (r TableRenderer) risk(record *scanning.ScanRecord) string {
	a := record.Analysis
	switch {
	case a == nil:
		return ""
	case a.Error != nil:
		return "error"
	}

	text := fmt.Sprintf("%s %.2f", a.RiskLevel, a.RiskScore)
	switch a.RiskLevel {
	case scanning.RiskHigh:
		return r.paint(color.FgRed, text)
	case scanning.RiskMedium:
		return r.paint(color.FgYellow, text)
	default:
		return r.paint(color.FgCyan, text)
	}
}

func (r TableRenderer) paint(attr color.Attribute, s string) string {
	if !r.Color {
		return s
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(s)
}
