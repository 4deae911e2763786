package control

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Request{UnitComm: &UnitComm{Action: ActionStart, Units: []string{"a.service", "b.socket"}}}
	require.NoError(t, writeFrame(&buf, in))

	var out Request
	require.NoError(t, readFrame(&buf, &out))
	require.NotNil(t, out.UnitComm)
	assert.Equal(t, ActionStart, out.UnitComm.Action)
	assert.Equal(t, []string{"a.service", "b.socket"}, out.UnitComm.Units)
}

func TestFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	var out Request
	assert.Error(t, readFrame(&buf, &out))
}

type scriptedHandler struct {
	lastUnitAction string
	lastUnits      []string
	lastFile       string
}

func (h *scriptedHandler) UnitCommand(action string, units []string) Reply {
	h.lastUnitAction = action
	h.lastUnits = units
	return OK("done")
}

func (h *scriptedHandler) SystemCommand(action string) Reply {
	return OK("system " + action)
}

func (h *scriptedHandler) ManagerCommand(action string) Reply {
	if action == ActionListUnits {
		return OK("a.service active")
	}
	return Errorf("unrecognized action %s", action)
}

func (h *scriptedHandler) UnitFileCommand(action, file string) Reply {
	h.lastFile = file
	return OK(action + " " + file)
}

func startTestServer(t *testing.T) (*scriptedHandler, string) {
	t.Helper()
	h := &scriptedHandler{}
	s := NewServer(h)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.setListener(l)
	go s.Serve(l)
	t.Cleanup(s.Close)
	return h, l.Addr().String()
}

func TestServerDispatch(t *testing.T) {
	h, addr := startTestServer(t)

	c, err := DialAddr(addr)
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Unit(ActionStart, []string{"a.service"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, reply.Status)
	assert.Equal(t, ActionStart, h.lastUnitAction)
	assert.Equal(t, []string{"a.service"}, h.lastUnits)

	// Multiple frames on one connection.
	reply, err = c.Manager(ActionListUnits)
	require.NoError(t, err)
	assert.Equal(t, "a.service active", reply.Message)

	reply, err = c.File(ActionMask, "b.service")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, reply.Status)
	assert.Equal(t, "b.service", h.lastFile)

	reply, err = c.Manager("bogus")
	require.NoError(t, err)
	assert.Equal(t, StatusError, reply.Status)
}

func TestServerRejectsEmptyEnvelope(t *testing.T) {
	_, addr := startTestServer(t)

	c, err := DialAddr(addr)
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.roundTrip(Request{})
	require.NoError(t, err)
	assert.Equal(t, StatusBadRequest, reply.Status)
}
