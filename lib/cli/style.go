// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Styles renders human-readable output. The renderer detects the
// writer's colour support, so output to a pipe or file carries no
// escape sequences.
type Styles struct {
	Heading lipgloss.Style
	OK      lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Faint   lipgloss.Style
	ID      lipgloss.Style
}

// NewStyles returns styles for output written to w.
func NewStyles(w io.Writer) *Styles {
	renderer := lipgloss.NewRenderer(w)
	return &Styles{
		Heading: renderer.NewStyle().Bold(true),
		OK:      renderer.NewStyle().Foreground(lipgloss.Color("2")),
		Error:   renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		Warning: renderer.NewStyle().Foreground(lipgloss.Color("3")),
		Faint:   renderer.NewStyle().Faint(true),
		ID:      renderer.NewStyle().Foreground(lipgloss.Color("6")),
	}
}

// Status renders a span status or artifact health word in the colour
// for its severity.
func (s *Styles) Status(status string) string {
	switch status {
	case "ok":
		return s.OK.Render(status)
	case "error", "corrupt", "missing", "FAILED":
		return s.Error.Render(status)
	case "incomplete", "started", "unreadable", "unverified":
		return s.Warning.Render(status)
	default:
		return status
	}
}
