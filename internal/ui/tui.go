// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program for the beatwatch monitor
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the TUI in the alternate screen. Callers push state changes
// into it with the returned program's Send method.
func Run(controls *Controls) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(controls), tea.WithAltScreen())
	return p, nil
}
