package formatting

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"unitd/internal/control"
)

// YAMLFormatter emits YAML, convenient for feeding back into tooling.
type YAMLFormatter struct {
	options Options
}

func (f *YAMLFormatter) FormatUnitList(units []control.UnitStatus) string {
	return marshalYAML(units)
}

func (f *YAMLFormatter) FormatUnitDetail(u control.UnitStatus) string {
	return marshalYAML(u)
}

func marshalYAML(v any) string {
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
