package manager

import (
	"encoding/json"
	"fmt"
	"strings"

	"unitd/internal/control"
	"unitd/internal/job"
	"unitd/internal/unit"
	"unitd/internal/unit/service"
)

// The Manager is the control protocol's Handler; these methods run on
// per-connection goroutines.

// UnitCommand handles start/stop/restart/status for a list of units.
func (m *Manager) UnitCommand(action string, units []string) control.Reply {
	if len(units) == 0 {
		return control.Errorf("no units named")
	}

	if action == control.ActionStatus {
		return m.statusReply(units)
	}

	var verb job.Verb
	switch action {
	case control.ActionStart:
		verb = job.Start
	case control.ActionStop:
		verb = job.Stop
	case control.ActionRestart:
		verb = job.Restart
	default:
		return control.Reply{Status: control.StatusBadRequest, Message: "unrecognized unit action " + action}
	}

	var failures []string
	for _, name := range units {
		if e := m.reg.Get(name); e == nil || e.LoadState() == unit.LoadStub {
			if _, err := m.LoadUnit(name); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", name, err))
				continue
			}
		}
		if m.enablement.isMasked(name) {
			failures = append(failures, name+": unit is masked")
			continue
		}
		if _, err := m.engine.Enqueue(verb, name, job.Replace); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		}
	}

	if len(failures) > 0 {
		return control.Errorf("%s", strings.Join(failures, "; "))
	}
	return control.OK(fmt.Sprintf("%s queued for %d unit(s)", action, len(units)))
}

func (m *Manager) statusReply(units []string) control.Reply {
	var rows []control.UnitStatus
	for _, name := range units {
		e := m.reg.Get(name)
		if e == nil {
			rows = append(rows, control.UnitStatus{Name: name, Load: "not-found"})
			continue
		}
		rows = append(rows, m.unitStatus(e))
	}
	return marshalStatus(rows)
}

// SystemCommand handles shutdown.
func (m *Manager) SystemCommand(action string) control.Reply {
	switch action {
	case control.ActionShutdown:
		go m.Shutdown()
		return control.OK("shutting down")
	default:
		return control.Reply{Status: control.StatusBadRequest, Message: "unrecognized system action " + action}
	}
}

// ManagerCommand handles list-units and daemon-reload.
func (m *Manager) ManagerCommand(action string) control.Reply {
	switch action {
	case control.ActionListUnits:
		var rows []control.UnitStatus
		for _, e := range m.reg.All() {
			rows = append(rows, m.unitStatus(e))
		}
		return marshalStatus(rows)
	case control.ActionDaemonReload:
		m.RequestReexec()
		return control.OK("daemon reload scheduled")
	default:
		return control.Reply{Status: control.StatusBadRequest, Message: "unrecognized manager action " + action}
	}
}

// UnitFileCommand handles enable/disable/mask/unmask.
func (m *Manager) UnitFileCommand(action, file string) control.Reply {
	if file == "" {
		return control.Reply{Status: control.StatusBadRequest, Message: "no unit file named"}
	}

	var err error
	switch action {
	case control.ActionEnable:
		err = m.enablement.enable(file)
	case control.ActionDisable:
		err = m.enablement.disable(file)
	case control.ActionMask:
		err = m.enablement.mask(file)
		if err == nil {
			if e := m.reg.Get(file); e != nil {
				e.SetLoadState(unit.LoadMasked)
			}
		}
	case control.ActionUnmask:
		err = m.enablement.unmask(file)
		if err == nil {
			if e := m.reg.Get(file); e != nil && e.LoadState() == unit.LoadMasked {
				e.SetLoadState(unit.LoadStub)
			}
		}
	default:
		return control.Reply{Status: control.StatusBadRequest, Message: "unrecognized unit-file action " + action}
	}

	if err != nil {
		return control.Errorf("%s %s: %v", action, file, err)
	}
	return control.OK(fmt.Sprintf("%s %s", action, file))
}

// unitStatus builds the wire row for one entry.
func (m *Manager) unitStatus(e *unit.Entry) control.UnitStatus {
	row := control.UnitStatus{
		Name:   e.Name(),
		Kind:   e.Kind().String(),
		Load:   e.LoadState().String(),
		Active: e.ActiveState().String(),
		Sub:    e.SubState(),
		Error:  e.LastErrorReason(),
	}
	if def := e.Definition(); def != nil {
		row.Description = def.Unit.Description
	}
	if svc, ok := e.SubUnit().(*service.Service); ok {
		row.NRestarts = svc.NRestarts()
	}
	return row
}

func marshalStatus(rows []control.UnitStatus) control.Reply {
	if rows == nil {
		rows = []control.UnitStatus{}
	}
	body, err := json.Marshal(rows)
	if err != nil {
		return control.Errorf("encode status: %v", err)
	}
	return control.OK(string(body))
}
