package loader

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitd/internal/unit"
)

func TestParseSimpleService(t *testing.T) {
	src := `
[Unit]
Description=sleeps forever
After=network.target

[Service]
Type=simple
ExecStart=/bin/sleep 1000
Restart=on-failure
RestartSec=1
`
	def, err := Parse("a.service", strings.NewReader(src))
	require.NoError(t, err)

	assert.Equal(t, "sleeps forever", def.Unit.Description)
	assert.Equal(t, []string{"network.target"}, def.Unit.After)
	assert.Equal(t, unit.TypeSimple, def.Service.Type)
	require.Len(t, def.Service.ExecStart, 1)
	assert.Equal(t, "/bin/sleep", def.Service.ExecStart[0].Argv0)
	assert.Equal(t, []string{"1000"}, def.Service.ExecStart[0].Args)
	assert.Equal(t, unit.RestartOnFailure, def.Service.Restart)
}

func TestParseExecPrefixFlags(t *testing.T) {
	cmd := parseExecLine("-@:/usr/bin/thing --flag")
	assert.True(t, cmd.Prefix.IgnoreFailure)
	assert.True(t, cmd.Prefix.OverrideArgv0)
	assert.True(t, cmd.Prefix.SkipEnvExpand)
	assert.Equal(t, "/usr/bin/thing", cmd.Argv0)
	assert.Equal(t, []string{"--flag"}, cmd.Args)
}

func TestParseSocketAddresses(t *testing.T) {
	l, err := ParseSocketAddress("/run/a.sock")
	require.NoError(t, err)
	assert.Equal(t, unit.SocketAddressUnix, l.AddressKind)
	assert.Equal(t, "/run/a.sock", l.UnixPath)

	l, err = ParseSocketAddress("@abstract-name")
	require.NoError(t, err)
	assert.Equal(t, unit.SocketAddressAbstract, l.AddressKind)
	assert.True(t, l.Abstract)
	assert.Equal(t, "abstract-name", l.UnixPath)

	l, err = ParseSocketAddress("9999")
	require.NoError(t, err)
	assert.Equal(t, uint16(9999), l.Port)

	l, err = ParseSocketAddress("127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, unit.SocketAddressHostPort, l.AddressKind)
	assert.Equal(t, "127.0.0.1", l.Host)
	assert.Equal(t, uint16(8080), l.Port)

	_, err = ParseSocketAddress("not a valid address")
	assert.Error(t, err)
}

func TestParseNetlinkAddressRequiresExactlyTwoFields(t *testing.T) {
	_, _, err := parseNetlinkAddress("route 1")
	assert.NoError(t, err)

	_, _, err = parseNetlinkAddress("route")
	assert.Error(t, err)

	_, _, err = parseNetlinkAddress("route 1 extra")
	assert.Error(t, err)
}

func TestParseBytesSuffixes(t *testing.T) {
	n, err := parseBytes("512M")
	require.NoError(t, err)
	assert.Equal(t, uint64(512*1<<20), n)

	n, err = parseBytes("2G")
	require.NoError(t, err)
	assert.Equal(t, uint64(2*1<<30), n)

	n, err = parseBytes("1024")
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), n)
}

func TestCanBeSymlinked(t *testing.T) {
	s := &unit.SocketSection{Listeners: []unit.Listener{
		{AddressKind: unit.SocketAddressUnix, UnixPath: "/run/a.sock"},
	}}
	assert.True(t, CanBeSymlinked(s))

	s.Listeners = append(s.Listeners, unit.Listener{AddressKind: unit.SocketAddressUnix, UnixPath: "/run/b.sock"})
	assert.False(t, CanBeSymlinked(s))
}

func TestParseMissingExecStartIsConfigError(t *testing.T) {
	_, err := Parse("bad.service", strings.NewReader("[Service]\nType=simple\n"))
	assert.Error(t, err)
}
