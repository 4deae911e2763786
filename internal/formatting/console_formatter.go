package formatting

import (
	"fmt"
	"strings"

	"unitd/internal/control"
	pkgstrings "unitd/pkg/strings"
)

// ConsoleFormatter provides simple line-oriented console output.
type ConsoleFormatter struct {
	options Options
}

// FormatUnitList renders one unit per line, aligned for scanning.
func (f *ConsoleFormatter) FormatUnitList(units []control.UnitStatus) string {
	if len(units) == 0 {
		return f.emptyMessage("No units loaded")
	}

	nameWidth := len("UNIT")
	for _, u := range units {
		if len(u.Name) > nameWidth {
			nameWidth = len(u.Name)
		}
	}

	var b strings.Builder
	if !f.options.Quiet {
		fmt.Fprintf(&b, "%-*s  %-10s  %-12s  %-14s  %s\n", nameWidth, "UNIT", "LOAD", "ACTIVE", "SUB", "DESCRIPTION")
	}
	for _, u := range units {
		desc := pkgstrings.TruncateDescription(u.Description, pkgstrings.DefaultDescriptionMaxLen)
		fmt.Fprintf(&b, "%-*s  %-10s  %-12s  %-14s  %s\n", nameWidth, u.Name, u.Load, u.Active, u.Sub, desc)
	}
	if !f.options.Quiet {
		fmt.Fprintf(&b, "\n%d unit(s) listed\n", len(units))
	}
	return b.String()
}

// FormatUnitDetail renders one unit in a systemctl-status-like block.
func (f *ConsoleFormatter) FormatUnitDetail(u control.UnitStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "● %s", u.Name)
	if u.Description != "" {
		fmt.Fprintf(&b, " - %s", u.Description)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "   Loaded: %s\n", u.Load)
	fmt.Fprintf(&b, "   Active: %s (%s)\n", u.Active, u.Sub)
	if u.NRestarts > 0 {
		fmt.Fprintf(&b, " Restarts: %d\n", u.NRestarts)
	}
	if u.Error != "" {
		fmt.Fprintf(&b, "    Error: %s\n", u.Error)
	}
	return b.String()
}

func (f *ConsoleFormatter) emptyMessage(msg string) string {
	if f.options.Quiet {
		return ""
	}
	return msg + "\n"
}
