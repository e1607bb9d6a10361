package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var summaryKeyStyle = lipgloss.NewStyle().Foreground(SubtleColor).Bold(true)

// Detail is one labelled line of a summary box.
type Detail struct {
	Key   string
	Value string
}

// Summary is the box printed when a session ends.
type Summary struct {
	Title           string
	Details         []Detail
	Err             error
	Troubleshooting []string
	Width           int
}

// NewSummary creates a summary sized to the terminal.
func NewSummary(title string) *Summary {
	w, _ := GetTerminalSize()
	return &Summary{Title: title, Width: w}
}

// Add appends a detail line.
func (s *Summary) Add(key string, format string, args ...any) *Summary {
	s.Details = append(s.Details, Detail{Key: key, Value: fmt.Sprintf(format, args...)})
	return s
}

// Fail marks the summary as a failure.
func (s *Summary) Fail(err error, troubleshooting ...string) *Summary {
	s.Err = err
	s.Troubleshooting = troubleshooting
	return s
}

// Render returns the styled box.
func (s *Summary) Render() string {
	width := clampWidth(s.Width)

	color, marker, label := SecondaryColor, "✓", "ENDED"
	if s.Err != nil {
		color, marker, label = ErrorColor, "✗", "FAILED"
	}

	lines := []string{
		"",
		lipgloss.NewStyle().Foreground(color).Bold(true).
			Render(fmt.Sprintf("   %s  %s  ─  %s", marker, label, s.Title)),
		"",
	}

	for _, d := range s.Details {
		lines = append(lines, summaryKeyStyle.Render(fmt.Sprintf("   %s:", d.Key))+" "+ValueStyle.Render(d.Value))
	}

	if s.Err != nil {
		if len(s.Details) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, lipgloss.NewStyle().Foreground(ErrorColor).Render("   Error: "+s.Err.Error()))
	}

	if len(s.Troubleshooting) > 0 {
		lines = append(lines, "", s.renderTroubleshooting(width))
	}
	lines = append(lines, "")

	return lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(color).
		Width(width - 2).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))
}

func (s *Summary) renderTroubleshooting(width int) string {
	lines := []string{WarningStyle.Render("Troubleshooting:"), ""}
	for _, tip := range s.Troubleshooting {
		lines = append(lines, SubtitleStyle.Render("  • "+tip))
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(SubtleColor).
		Width(max(width-12, 40)).
		Padding(0, 1).
		MarginLeft(3).
		Render(strings.Join(lines, "\n"))
}

// String implements fmt.Stringer
func (s *Summary) String() string {
	return s.Render()
}
