package manager

import (
	"sync"

	"gopkg.in/yaml.v3"

	"unitd/internal/config"
	"unitd/pkg/logging"
)

const (
	stateEntity     = "state"
	enablementEntry = "enablement"
)

// enablementState is the persisted YAML document.
type enablementState struct {
	Enabled []string `yaml:"enabled,omitempty"`
	Masked  []string `yaml:"masked,omitempty"`
}

// enablement tracks which units are enabled (started at boot) and which
// are masked (refused outright), persisted through the config state store.
type enablement struct {
	mu      sync.Mutex
	storage *config.Storage
	state   enablementState
}

func newEnablement(storage *config.Storage) *enablement {
	e := &enablement{storage: storage}
	e.load()
	return e
}

func (e *enablement) load() {
	data, err := e.storage.Load(stateEntity, enablementEntry)
	if err != nil {
		return // first boot
	}
	if err := yaml.Unmarshal(data, &e.state); err != nil {
		logging.Warn(subsystem, "corrupt enablement state, starting empty: %v", err)
		e.state = enablementState{}
	}
}

func (e *enablement) persistLocked() error {
	data, err := yaml.Marshal(e.state)
	if err != nil {
		return err
	}
	return e.storage.Save(stateEntity, enablementEntry, data)
}

func (e *enablement) enable(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !contains(e.state.Enabled, name) {
		e.state.Enabled = append(e.state.Enabled, name)
	}
	return e.persistLocked()
}

func (e *enablement) disable(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Enabled = remove(e.state.Enabled, name)
	return e.persistLocked()
}

func (e *enablement) mask(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !contains(e.state.Masked, name) {
		e.state.Masked = append(e.state.Masked, name)
	}
	return e.persistLocked()
}

func (e *enablement) unmask(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Masked = remove(e.state.Masked, name)
	return e.persistLocked()
}

func (e *enablement) isMasked(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return contains(e.state.Masked, name)
}

func (e *enablement) enabledUnits() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.state.Enabled...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
