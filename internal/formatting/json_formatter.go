package formatting

import "unitd/internal/control"

// JSONFormatter emits machine-readable JSON.
type JSONFormatter struct {
	options Options
}

func (f *JSONFormatter) FormatUnitList(units []control.UnitStatus) string {
	if units == nil {
		units = []control.UnitStatus{}
	}
	return PrettyJSON(units)
}

func (f *JSONFormatter) FormatUnitDetail(u control.UnitStatus) string {
	return PrettyJSON(u)
}
