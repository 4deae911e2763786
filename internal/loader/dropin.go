package loader

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"unitd/internal/errs"
	"unitd/internal/unit"
)

// DropIn is a YAML fragment overriding a subset of a unit's parsed
// Definition. The unit grammar itself stays INI-style; unitd's own
// override mechanism is YAML like the rest of its configuration.
type DropIn struct {
	Requires   []string `yaml:"requires,omitempty"`
	Wants      []string `yaml:"wants,omitempty"`
	After      []string `yaml:"after,omitempty"`
	Restart    string   `yaml:"restart,omitempty"`
	RestartSec *float64 `yaml:"restartSec,omitempty"`
}

// ApplyDropIns loads every "*.yaml" file in "<unitDir>/<name>.d/" in
// lexical order and merges it onto def, in the order found — later files
// win on scalar fields, list fields accumulate. Returns def unchanged if
// the drop-in directory does not exist.
func ApplyDropIns(unitDir string, def *unit.Definition) error {
	dir := filepath.Join(unitDir, def.Name+".d")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &errs.LoadError{Unit: def.Name, Reason: errs.LoadIOFailure, Err: err}
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".yaml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return &errs.LoadError{Unit: def.Name, Reason: errs.LoadIOFailure, Err: err}
		}
		var d DropIn
		if err := yaml.Unmarshal(data, &d); err != nil {
			return &errs.ConfigError{Unit: def.Name, Reason: "drop-in " + n + ": " + err.Error()}
		}
		mergeDropIn(def, d)
	}
	return nil
}

func mergeDropIn(def *unit.Definition, d DropIn) {
	def.Unit.Requires = append(def.Unit.Requires, d.Requires...)
	def.Unit.Wants = append(def.Unit.Wants, d.Wants...)
	def.Unit.After = append(def.Unit.After, d.After...)
	if d.Restart != "" {
		if rp, err := parseRestartPolicy(d.Restart); err == nil {
			def.Service.Restart = rp
		}
	}
	if d.RestartSec != nil {
		def.Service.RestartSec = time.Duration(*d.RestartSec * float64(time.Second))
	}
}
