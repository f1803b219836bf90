package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

const (
	nameWidth     = 24
	revisionWidth = 16
	stateWidth    = 10
	errorWidth    = 60
)

// Render draws a summary as a static report.
func Render(s Summary) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" refine status ") + "\n")
	b.WriteString(renderSummary(s, newResolvedBar()))
	return containerStyle.Render(b.String())
}

func newResolvedBar() progress.Model {
	return progress.New(
		progress.WithGradient("#ff0000", "#00ff00"),
		progress.WithWidth(40),
	)
}

// renderSummary draws the counts line, the resolved bar and the table.
func renderSummary(s Summary, bar progress.Model) string {
	var b strings.Builder

	b.WriteString(labelStyle.Render("Artifacts: ") + valueStyle.Render(fmt.Sprintf("%d", len(s.Artifacts))))
	b.WriteString(dimStyle.Render(fmt.Sprintf("   %d records", s.Entries)))
	if s.Foreign > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf(", %d foreign", s.Foreign)))
	}
	b.WriteString("\n")

	var counts []string
	for _, st := range States {
		if n := s.Counts[st]; n > 0 {
			counts = append(counts, stateStyle(st).Render(string(st))+" "+valueStyle.Render(fmt.Sprintf("%d", n)))
		}
	}
	if len(counts) > 0 {
		b.WriteString(strings.Join(counts, "  ") + "\n")
	}

	b.WriteString(labelStyle.Render("Resolved: ") + bar.ViewAs(s.Resolved()) + " " +
		dimStyle.Render(FormatPercentage(s.Resolved())) + "\n")

	if len(s.Artifacts) == 0 {
		b.WriteString("\n" + dimStyle.Render("no records yet") + "\n")
		return b.String()
	}

	b.WriteString("\n" + sectionStyle.Render(fmt.Sprintf("%-*s %-*s %-*s %s",
		nameWidth, "ARTIFACT", revisionWidth, "REVISION", stateWidth, "STATE", "LAST ERROR")) + "\n")
	for _, a := range s.Artifacts {
		name := a.Name
		if a.Ext != "" {
			name += "." + a.Ext
		}
		b.WriteString(fmt.Sprintf("%s %s %s %s\n",
			valueStyle.Render(fmt.Sprintf("%-*s", nameWidth, Truncate(name, nameWidth))),
			dimStyle.Render(fmt.Sprintf("%-*s", revisionWidth, FormatRevision(a.Latest, a.Revisions))),
			stateStyle(a.State).Render(fmt.Sprintf("%-*s", stateWidth, a.State)),
			dimStyle.Render(Truncate(a.LastError, errorWidth)),
		))
	}
	return b.String()
}

func stateStyle(st State) lipgloss.Style {
	switch st {
	case StatePassed:
		return healthyStyle
	case StateFailing:
		return warningStyle
	default:
		return errorStyle
	}
}
