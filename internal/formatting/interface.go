// Package formatting provides unified output formatting for unitctl, with
// support for multiple output formats (console, JSON, YAML, table).
package formatting

import "unitd/internal/control"

// OutputFormat represents the desired output format.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console" // Simple console output
	FormatJSON    OutputFormat = "json"    // JSON output
	FormatYAML    OutputFormat = "yaml"    // YAML output
	FormatTable   OutputFormat = "table"   // Rich table output
)

// Options configures the formatter behavior.
type Options struct {
	Format OutputFormat
	Quiet  bool // Suppress decorative elements
	Color  bool // Enable colored output
}

// Formatter renders unit listings and single-unit detail.
type Formatter interface {
	FormatUnitList(units []control.UnitStatus) string
	FormatUnitDetail(u control.UnitStatus) string
}

// NewFormatter returns the formatter for the requested format, defaulting
// to console output for anything unrecognized.
func NewFormatter(options Options) Formatter {
	switch options.Format {
	case FormatJSON:
		return &JSONFormatter{options: options}
	case FormatYAML:
		return &YAMLFormatter{options: options}
	case FormatTable:
		return &TableFormatter{options: options}
	default:
		return &ConsoleFormatter{options: options}
	}
}
