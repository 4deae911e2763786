package manager

import (
	"os"
	"path/filepath"
	"strings"

	"unitd/internal/errs"
	"unitd/internal/job"
	"unitd/internal/loader"
	"unitd/internal/reliability"
	"unitd/internal/unit"
	"unitd/internal/unit/mount"
	"unitd/internal/unit/service"
	"unitd/internal/unit/socket"
	"unitd/internal/unit/target"
	"unitd/pkg/logging"
)

// LoadAll scans every unit directory and loads each unit file found.
// Individual load failures degrade that unit, never the boot.
func (m *Manager) LoadAll() {
	for _, dir := range m.cfg.UnitDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				logging.Warn(subsystem, "scan %s: %v", dir, err)
			}
			continue
		}
		for _, de := range entries {
			if de.IsDir() || !isUnitFile(de.Name()) {
				continue
			}
			if _, err := m.LoadUnit(de.Name()); err != nil {
				logging.Warn(subsystem, "load %s: %v", de.Name(), err)
			}
		}
	}
}

func isUnitFile(name string) bool {
	for _, suffix := range []string{".service", ".socket", ".target", ".mount", ".timer"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// LoadUnit loads (or reloads) one unit by name: resolve the file across the
// unit directories (collapsing symlink aliases), parse it, attach the
// matching sub-unit plugin, and install its dependency edges. Referenced
// units load recursively.
func (m *Manager) LoadUnit(name string) (*unit.Entry, error) {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	kind, err := unit.ParseKind(ext)
	if err != nil {
		return nil, &errs.ConfigError{Unit: name, Reason: err.Error()}
	}

	if m.enablement.isMasked(name) {
		e := m.reg.GetOrCreate(name, kind)
		m.graph.AddNode(e.ID(), e.Name())
		e.SetLoadState(unit.LoadMasked)
		return e, nil
	}

	// Resolve (and register aliases) before interning, so a symlinked name
	// collapses onto its target's id instead of claiming one of its own.
	path, unitDir, err := m.resolveUnitFile(name)
	if err != nil {
		e := m.reg.GetOrCreate(name, kind)
		m.graph.AddNode(e.ID(), e.Name())
		e.SetLoadState(unit.LoadNotFound)
		return e, err
	}

	e := m.reg.GetOrCreate(name, kind)
	m.graph.AddNode(e.ID(), e.Name())

	m.journalLoad(e.Name())
	defer m.journalLoadDone()

	def, err := loader.ParseFile(path)
	if err != nil {
		e.SetLoadState(unit.LoadError)
		e.MarkFailed(err.Error())
		return e, err
	}
	if err := loader.ApplyDropIns(unitDir, def); err != nil {
		logging.Warn(subsystem, "%s: drop-ins: %v", name, err)
	}

	sub, err := m.newSubUnit(def)
	if err != nil {
		e.SetLoadState(unit.LoadError)
		return e, err
	}
	e.Attach(sub, m.onUnitState)

	implied, err := sub.Load(def)
	if err != nil {
		e.SetLoadState(unit.LoadError)
		e.MarkFailed(err.Error())
		return e, err
	}
	e.SetDefinition(def)
	e.SetLoadState(unit.LoadLoaded)
	e.SetCgroupPath(m.cgroups.PathFor(def.Name, def.Service.Slice))

	m.installEdges(e, def, implied)
	return e, nil
}

// resolveUnitFile finds name in the unit directories, earliest directory
// wins. A symlink whose target is another unit file in the same directory
// registers an alias and resolves to the target.
func (m *Manager) resolveUnitFile(name string) (path, dir string, err error) {
	for _, d := range m.cfg.UnitDirs {
		p := filepath.Join(d, name)
		fi, err := os.Lstat(p)
		if err != nil {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err == nil {
				base := filepath.Base(target)
				if base != name && isUnitFile(base) {
					if err := m.reg.AddAlias(name, base); err != nil {
						return "", "", &errs.ConfigError{Unit: name, Reason: err.Error()}
					}
					return m.resolveUnitFile(base)
				}
			}
		}
		return p, d, nil
	}
	return "", "", &errs.LoadError{Unit: name, Reason: errs.LoadNotFound}
}

// newSubUnit builds the plugin instance for a definition's kind.
func (m *Manager) newSubUnit(def *unit.Definition) (unit.SubUnit, error) {
	var relLast *reliability.Last
	if m.store != nil {
		relLast = m.store.Last
	}

	switch def.Kind {
	case unit.KindService:
		return service.New(def.Name, m.cgroups, relLast), nil
	case unit.KindSocket:
		return socket.New(def.Name, m.loop, m.triggerService), nil
	case unit.KindTarget:
		return target.New(def.Name), nil
	case unit.KindMount:
		return mount.New(def.Name), nil
	default:
		return nil, &errs.ConfigError{Unit: def.Name, Reason: "unit kind " + def.Kind.String() + " is not supported"}
	}
}

// installEdges wires the [Unit] section's dependency directives plus the
// plugin's implied edges into the graph, loading referenced units on first
// mention.
func (m *Manager) installEdges(e *unit.Entry, def *unit.Definition, implied []unit.ImpliedEdge) {
	directives := []struct {
		kind  unit.EdgeKind
		names []string
	}{
		{unit.EdgeRequires, def.Unit.Requires},
		{unit.EdgeRequisite, def.Unit.Requisite},
		{unit.EdgeWants, def.Unit.Wants},
		{unit.EdgeBindsTo, def.Unit.BindsTo},
		{unit.EdgePartOf, def.Unit.PartOf},
		{unit.EdgeBefore, def.Unit.Before},
		{unit.EdgeAfter, def.Unit.After},
		{unit.EdgeTriggers, def.Unit.Triggers},
		{unit.EdgeTriggeredBy, def.Unit.TriggeredBy},
		{unit.EdgeConflicts, def.Unit.Conflicts},
		{unit.EdgeOnFailure, def.Unit.OnFailure},
		{unit.EdgeWants, def.Service.Sockets},
	}
	for _, d := range directives {
		for _, depName := range d.names {
			dep := m.ensureReferenced(depName)
			if dep == nil {
				continue
			}
			m.graph.AddEdge(d.kind, e.ID(), dep.ID())
		}
	}
	for _, ie := range implied {
		dep := m.ensureReferenced(ie.To)
		if dep == nil {
			continue
		}
		m.graph.AddEdge(ie.Kind, e.ID(), dep.ID())
	}
}

// ensureReferenced loads a unit mentioned as a dependency target. A
// missing file is tolerated here — the requirement check at transaction
// time decides whether that is fatal for the referencing unit.
func (m *Manager) ensureReferenced(name string) *unit.Entry {
	if e := m.reg.Get(name); e != nil && e.LoadState() != unit.LoadStub {
		return e
	}
	e, err := m.LoadUnit(name)
	if err != nil {
		logging.Debug(subsystem, "referenced unit %s: %v", name, err)
	}
	return e
}

// triggerService is the socket sub-unit's activation callback: hand the
// listener fds to the (possibly per-connection) service and start it.
func (m *Manager) triggerService(serviceName, instance string, files []*os.File) error {
	name := serviceName
	e := m.reg.Get(serviceName)
	if e == nil || e.LoadState() != unit.LoadLoaded {
		var err error
		e, err = m.LoadUnit(serviceName)
		if err != nil {
			return err
		}
	}

	if instance != "" {
		// Accept=yes: a fresh per-connection instance sharing the
		// template's definition.
		inst := m.reg.GetOrCreate(instance, unit.KindService)
		if inst.SubUnit() == nil {
			var relLast *reliability.Last
			if m.store != nil {
				relLast = m.store.Last
			}
			sub := service.New(instance, m.cgroups, relLast)
			inst.Attach(sub, m.onUnitState)
			if _, err := sub.Load(e.Definition()); err != nil {
				return err
			}
			inst.SetDefinition(e.Definition())
			inst.SetLoadState(unit.LoadLoaded)
			m.graph.AddNode(inst.ID(), instance)
		}
		e = inst
		name = instance
	}

	if svc, ok := e.SubUnit().(*service.Service); ok {
		svc.SetExtraFiles(files)
	}
	_, err := m.engine.Enqueue(job.Start, name, job.Replace)
	return err
}

func (m *Manager) journalLoad(name string) {
	if m.store == nil {
		return
	}
	_ = m.store.Last.SetUnit(name)
	_ = m.store.Last.PushFrame(reliability.Frame{F1: reliability.FrameUnitLoad})
}

func (m *Manager) journalLoadDone() {
	if m.store == nil {
		return
	}
	_ = m.store.Last.PopFrame()
	_ = m.store.Last.ClearUnit()
}
