package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D9FF")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F1FA8C"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))
	labelStyle  = lipgloss.NewStyle().Width(14)
)

func renderAccent(s string) string { return accentStyle.Render(s) }
func renderPass(s string) string   { return passStyle.Render(s) }
func renderWarn(s string) string   { return warnStyle.Render(s) }
func renderFail(s string) string   { return failStyle.Render(s) }
func renderMuted(s string) string  { return mutedStyle.Render(s) }

// field renders one aligned "label value" line.
func field(label string, value any) string {
	return labelStyle.Render(label) + fmt.Sprint(value)
}

// renderCount colors n by severity: zero is good, anything else uses style.
func renderCount(n int, style func(string) string) string {
	if n == 0 {
		return renderPass("0")
	}
	return style(fmt.Sprint(n))
}

func section(title string) string {
	return accentStyle.Render(title) + "\n" + mutedStyle.Render(strings.Repeat("─", len(title)))
}
