package manager

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitd/internal/config"
	"unitd/internal/control"
	"unitd/internal/unit"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()

	unitDir := filepath.Join(t.TempDir(), "units")
	require.NoError(t, os.MkdirAll(unitDir, 0755))

	cfg := config.Default()
	cfg.UnitDirs = []string{unitDir}
	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	cfg.WatchUnits = false

	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.teardown)
	return m, unitDir
}

func writeUnit(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

func TestLoadUnitInstallsEdges(t *testing.T) {
	m, dir := newTestManager(t)
	writeUnit(t, dir, "a.target", "[Unit]\nDescription=A\nWants=b.target\nAfter=b.target\n")
	writeUnit(t, dir, "b.target", "[Unit]\nDescription=B\n")

	e, err := m.LoadUnit("a.target")
	require.NoError(t, err)
	assert.Equal(t, unit.LoadLoaded, e.LoadState())

	// The referenced unit was loaded recursively and the edges exist.
	b := m.reg.Get("b.target")
	require.NotNil(t, b)
	assert.Equal(t, unit.LoadLoaded, b.LoadState())
	assert.Contains(t, m.graph.Deps(e.ID(), unit.EdgeWants), b.ID())
	assert.Contains(t, m.graph.Deps(e.ID(), unit.EdgeAfter), b.ID())
}

func TestLoadUnknownUnit(t *testing.T) {
	m, _ := newTestManager(t)
	e, err := m.LoadUnit("ghost.target")
	assert.Error(t, err)
	assert.Equal(t, unit.LoadNotFound, e.LoadState())
}

func TestStartTargetThroughHandler(t *testing.T) {
	m, dir := newTestManager(t)
	writeUnit(t, dir, "boot.target", "[Unit]\nDescription=Boot marker\n")

	reply := m.UnitCommand(control.ActionStart, []string{"boot.target"})
	require.Equal(t, control.StatusOK, reply.Status, reply.Message)
	assert.Equal(t, unit.Active, m.reg.Get("boot.target").ActiveState())

	reply = m.UnitCommand(control.ActionStatus, []string{"boot.target"})
	require.Equal(t, control.StatusOK, reply.Status)
	var rows []control.UnitStatus
	require.NoError(t, json.Unmarshal([]byte(reply.Message), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "active", rows[0].Active)
	assert.Equal(t, "Boot marker", rows[0].Description)

	reply = m.UnitCommand(control.ActionStop, []string{"boot.target"})
	require.Equal(t, control.StatusOK, reply.Status)
	assert.Equal(t, unit.Inactive, m.reg.Get("boot.target").ActiveState())
}

func TestListUnits(t *testing.T) {
	m, dir := newTestManager(t)
	writeUnit(t, dir, "one.target", "[Unit]\n")
	writeUnit(t, dir, "two.target", "[Unit]\n")
	m.LoadAll()

	reply := m.ManagerCommand(control.ActionListUnits)
	require.Equal(t, control.StatusOK, reply.Status)

	var rows []control.UnitStatus
	require.NoError(t, json.Unmarshal([]byte(reply.Message), &rows))
	assert.Len(t, rows, 2)
}

func TestMaskRefusesActivation(t *testing.T) {
	m, dir := newTestManager(t)
	writeUnit(t, dir, "m.target", "[Unit]\n")

	reply := m.UnitFileCommand(control.ActionMask, "m.target")
	require.Equal(t, control.StatusOK, reply.Status)

	e, err := m.LoadUnit("m.target")
	require.NoError(t, err)
	assert.Equal(t, unit.LoadMasked, e.LoadState())

	reply = m.UnitCommand(control.ActionStart, []string{"m.target"})
	assert.Equal(t, control.StatusError, reply.Status)
	assert.Contains(t, reply.Message, "masked")

	reply = m.UnitFileCommand(control.ActionUnmask, "m.target")
	require.Equal(t, control.StatusOK, reply.Status)
	_, err = m.LoadUnit("m.target")
	require.NoError(t, err)
	reply = m.UnitCommand(control.ActionStart, []string{"m.target"})
	assert.Equal(t, control.StatusOK, reply.Status, reply.Message)
}

func TestSocketLoadInjectsTriggersEdge(t *testing.T) {
	m, dir := newTestManager(t)
	sockPath := filepath.Join(t.TempDir(), "b.sock")
	writeUnit(t, dir, "b.socket", "[Socket]\nListenStream="+sockPath+"\n")
	writeUnit(t, dir, "b.service", "[Service]\nType=simple\nExecStart=/bin/sleep 1000\n")

	e, err := m.LoadUnit("b.socket")
	require.NoError(t, err)

	svc := m.reg.Get("b.service")
	require.NotNil(t, svc)
	assert.Contains(t, m.graph.Deps(e.ID(), unit.EdgeTriggers), svc.ID())
	assert.Contains(t, m.graph.Deps(e.ID(), unit.EdgeBefore), svc.ID())
	// And the inverse index answers the reverse question.
	assert.Contains(t, m.graph.Deps(svc.ID(), unit.EdgeTriggeredBy), e.ID())
}

func TestAliasCollapsesToSameEntry(t *testing.T) {
	m, dir := newTestManager(t)
	writeUnit(t, dir, "real.target", "[Unit]\nDescription=Real\n")
	require.NoError(t, os.Symlink(filepath.Join(dir, "real.target"), filepath.Join(dir, "alias.target")))

	e, err := m.LoadUnit("alias.target")
	require.NoError(t, err)
	assert.Equal(t, "real.target", e.Name())
	assert.Equal(t, []string{"alias.target"}, m.reg.Aliases("real.target"))
}

func TestEnablementPersists(t *testing.T) {
	m, dir := newTestManager(t)
	writeUnit(t, dir, "svc.target", "[Unit]\n")

	reply := m.UnitFileCommand(control.ActionEnable, "svc.target")
	require.Equal(t, control.StatusOK, reply.Status)

	// A fresh view over the same state dir sees the enablement.
	e2 := newEnablement(config.NewStorage(m.cfg.StateDir))
	assert.Equal(t, []string{"svc.target"}, e2.enabledUnits())

	reply = m.UnitFileCommand(control.ActionDisable, "svc.target")
	require.Equal(t, control.StatusOK, reply.Status)
	e3 := newEnablement(config.NewStorage(m.cfg.StateDir))
	assert.Empty(t, e3.enabledUnits())
}

func TestShutdownStopsActiveUnits(t *testing.T) {
	m, dir := newTestManager(t)
	writeUnit(t, dir, "up.target", "[Unit]\n")

	reply := m.UnitCommand(control.ActionStart, []string{"up.target"})
	require.Equal(t, control.StatusOK, reply.Status)

	m.Shutdown()
	assert.Equal(t, unit.Inactive, m.reg.Get("up.target").ActiveState())
}
