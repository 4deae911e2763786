package formatting

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"unitd/internal/control"
	pkgstrings "unitd/pkg/strings"
)

// TableFormatter provides rich table output.
type TableFormatter struct {
	options Options
}

func (f *TableFormatter) FormatUnitList(units []control.UnitStatus) string {
	if len(units) == 0 {
		if f.options.Quiet {
			return ""
		}
		return "No units loaded\n"
	}

	t := f.createTable()
	t.AppendHeader(table.Row{
		f.header("UNIT"), f.header("KIND"), f.header("LOAD"),
		f.header("ACTIVE"), f.header("SUB"), f.header("DESCRIPTION"),
	})
	for _, u := range units {
		t.AppendRow(table.Row{
			u.Name, u.Kind, u.Load,
			f.activeCell(u.Active), u.Sub,
			pkgstrings.TruncateDescription(u.Description, pkgstrings.DefaultDescriptionMaxLen),
		})
	}
	return t.Render() + "\n"
}

func (f *TableFormatter) FormatUnitDetail(u control.UnitStatus) string {
	t := f.createTable()
	t.AppendRows([]table.Row{
		{f.header("Unit"), u.Name},
		{f.header("Kind"), u.Kind},
		{f.header("Load"), u.Load},
		{f.header("Active"), f.activeCell(u.Active)},
		{f.header("Sub"), u.Sub},
	})
	if u.Description != "" {
		t.AppendRow(table.Row{f.header("Description"), u.Description})
	}
	if u.NRestarts > 0 {
		t.AppendRow(table.Row{f.header("Restarts"), u.NRestarts})
	}
	if u.Error != "" {
		t.AppendRow(table.Row{f.header("Error"), u.Error})
	}
	return t.Render() + "\n"
}

func (f *TableFormatter) createTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	return t
}

func (f *TableFormatter) header(s string) string {
	if !f.options.Color {
		return s
	}
	return text.FgHiCyan.Sprint(s)
}

// activeCell colors the active state the way an operator scans for it:
// green running, red failed.
func (f *TableFormatter) activeCell(state string) string {
	if !f.options.Color {
		return state
	}
	switch strings.ToLower(state) {
	case "active":
		return text.FgGreen.Sprint(state)
	case "failed":
		return text.FgRed.Sprint(state)
	case "activating", "deactivating", "reloading":
		return text.FgYellow.Sprint(state)
	default:
		return state
	}
}
