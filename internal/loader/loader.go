package loader

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"unitd/internal/errs"
	"unitd/internal/unit"
)

// ParseFile reads path and parses it as a unit file, using the basename
// as the unit's canonical name and its extension to determine Kind.
func ParseFile(path string) (*unit.Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.LoadError{Unit: filepath.Base(path), Reason: errs.LoadIOFailure, Err: err}
	}
	defer f.Close()
	return Parse(filepath.Base(path), f)
}

// Parse parses r as a unit file named name (e.g. "a.service").
func Parse(name string, r io.Reader) (*unit.Definition, error) {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	kind, err := unit.ParseKind(ext)
	if err != nil {
		return nil, &errs.ConfigError{Unit: name, Reason: err.Error()}
	}

	def := &unit.Definition{Name: name, Kind: kind}
	sections, err := splitSections(r)
	if err != nil {
		return nil, &errs.ConfigError{Unit: name, Reason: err.Error()}
	}

	for _, sec := range sections {
		switch sec.header {
		case "Unit":
			if err := parseUnitSection(&def.Unit, sec.lines); err != nil {
				return nil, &errs.ConfigError{Unit: name, Reason: err.Error()}
			}
		case "Service":
			if err := parseServiceSection(&def.Service, sec.lines); err != nil {
				return nil, &errs.ConfigError{Unit: name, Reason: err.Error()}
			}
		case "Socket":
			if err := parseSocketSection(&def.Socket, sec.lines); err != nil {
				return nil, &errs.ConfigError{Unit: name, Reason: err.Error()}
			}
		case "Mount":
			parseMountSection(&def.Mount, sec.lines)
		}
		// Unrecognized sections ([Install] and similar) are accepted and
		// ignored.
	}

	if kind == unit.KindService && len(def.Service.ExecStart) == 0 && def.Service.Type != unit.TypeOneshot {
		return nil, &errs.ConfigError{Unit: name, Reason: "service unit has no ExecStart"}
	}

	return def, nil
}

type section struct {
	header string
	lines  []kv
}

type kv struct {
	key   string
	value string
}

// splitSections does a single pass over an INI-style unit file: "[Header]"
// lines open a section, "Key=Value" lines (continued with a trailing "\")
// belong to the most recently opened section, "#"/";" lines and blanks are
// comments.
func splitSections(r io.Reader) ([]section, error) {
	var sections []section
	var cur *section

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var pending string
	flush := func() {
		if pending != "" && cur != nil {
			if k, v, ok := strings.Cut(pending, "="); ok {
				cur.lines = append(cur.lines, kv{key: strings.TrimSpace(k), value: strings.TrimSpace(v)})
			}
		}
		pending = ""
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		trimmed := strings.TrimSpace(line)

		if pending != "" {
			pending += " " + trimmed
			if strings.HasSuffix(trimmed, `\`) {
				pending = strings.TrimSuffix(pending, `\`)
				continue
			}
			flush()
			continue
		}

		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
			continue
		}
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			sections = append(sections, section{header: trimmed[1 : len(trimmed)-1]})
			cur = &sections[len(sections)-1]
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("directive %q outside any section", trimmed)
		}
		if strings.HasSuffix(trimmed, `\`) {
			pending = strings.TrimSuffix(trimmed, `\`)
			continue
		}
		pending = trimmed
		flush()
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sections, nil
}

func splitNames(v string) []string {
	return strings.Fields(v)
}

func parseUnitSection(u *unit.UnitSection, lines []kv) error {
	for _, l := range lines {
		switch l.key {
		case "Description":
			u.Description = l.value
		case "Requires":
			u.Requires = append(u.Requires, splitNames(l.value)...)
		case "Requisite":
			u.Requisite = append(u.Requisite, splitNames(l.value)...)
		case "Wants":
			u.Wants = append(u.Wants, splitNames(l.value)...)
		case "BindsTo":
			u.BindsTo = append(u.BindsTo, splitNames(l.value)...)
		case "PartOf":
			u.PartOf = append(u.PartOf, splitNames(l.value)...)
		case "Before":
			u.Before = append(u.Before, splitNames(l.value)...)
		case "After":
			u.After = append(u.After, splitNames(l.value)...)
		case "Triggers":
			u.Triggers = append(u.Triggers, splitNames(l.value)...)
		case "TriggeredBy":
			u.TriggeredBy = append(u.TriggeredBy, splitNames(l.value)...)
		case "Conflicts":
			u.Conflicts = append(u.Conflicts, splitNames(l.value)...)
		case "OnFailure":
			u.OnFailure = append(u.OnFailure, splitNames(l.value)...)
		}
	}
	return nil
}

func parseServiceSection(s *unit.ServiceSection, lines []kv) error {
	for _, l := range lines {
		var err error
		switch l.key {
		case "Type":
			s.Type, err = parseServiceType(l.value)
		case "BusName":
			s.BusName = l.value
		case "ExecCondition":
			s.ExecCondition = append(s.ExecCondition, parseExecLine(l.value))
		case "ExecStartPre":
			s.ExecStartPre = append(s.ExecStartPre, parseExecLine(l.value))
		case "ExecStart":
			s.ExecStart = append(s.ExecStart, parseExecLine(l.value))
		case "ExecStartPost":
			s.ExecStartPost = append(s.ExecStartPost, parseExecLine(l.value))
		case "ExecReload":
			s.ExecReload = append(s.ExecReload, parseExecLine(l.value))
		case "ExecStop":
			s.ExecStop = append(s.ExecStop, parseExecLine(l.value))
		case "ExecStopPost":
			s.ExecStopPost = append(s.ExecStopPost, parseExecLine(l.value))
		case "Sockets":
			s.Sockets = append(s.Sockets, splitNames(l.value)...)
		case "Restart":
			s.Restart, err = parseRestartPolicy(l.value)
		case "RestartSec":
			s.RestartSec, err = parseSecondsDuration(l.value)
		case "WatchdogUSec":
			s.WatchdogUSec, err = parseMicrosecondsDuration(l.value)
		case "TimeoutStartSec":
			s.TimeoutStartSec, err = parseSecondsDuration(l.value)
		case "TimeoutStopSec":
			s.TimeoutStopSec, err = parseSecondsDuration(l.value)
		case "OOMScoreAdjust":
			s.OOMScoreAdjust, err = parseOOMScoreAdjust(l.value)
		case "RebootArgument":
			s.RebootArgument = l.value
		case "RestrictRealtime":
			s.RestrictRealtime, err = parseBool(l.value)
		case "Slice":
			s.Slice = l.value
		case "MemoryLow":
			s.MemoryLow, err = parseBytes(l.value)
		case "MemoryMin":
			s.MemoryMin, err = parseBytes(l.value)
		case "MemoryMax":
			s.MemoryMax, err = parseBytes(l.value)
		case "MemoryHigh":
			s.MemoryHigh, err = parseBytes(l.value)
		case "MemorySwapMax":
			s.MemorySwapMax, err = parseBytes(l.value)
		case "MemoryLimit":
			s.MemoryLimit, err = parseBytes(l.value)
		}
		if err != nil {
			return fmt.Errorf("%s=%s: %w", l.key, l.value, err)
		}
	}
	return nil
}

func parseServiceType(v string) (unit.ServiceType, error) {
	switch strings.ToLower(v) {
	case "simple":
		return unit.TypeSimple, nil
	case "exec":
		return unit.TypeExec, nil
	case "forking":
		return unit.TypeForking, nil
	case "oneshot":
		return unit.TypeOneshot, nil
	case "dbus":
		return unit.TypeDbus, nil
	case "notify":
		return unit.TypeNotify, nil
	case "idle":
		return unit.TypeIdle, nil
	default:
		return 0, fmt.Errorf("unrecognized Type %q", v)
	}
}

func parseRestartPolicy(v string) (unit.RestartPolicy, error) {
	switch strings.ToLower(v) {
	case "no", "":
		return unit.RestartNo, nil
	case "on-success":
		return unit.RestartOnSuccess, nil
	case "on-failure":
		return unit.RestartOnFailure, nil
	case "on-abnormal":
		return unit.RestartOnAbnormal, nil
	case "on-watchdog":
		return unit.RestartOnWatchdog, nil
	case "on-abort":
		return unit.RestartOnAbort, nil
	case "always":
		return unit.RestartAlways, nil
	default:
		return 0, fmt.Errorf("unrecognized Restart %q", v)
	}
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "yes", "true", "1", "on":
		return true, nil
	case "no", "false", "0", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized boolean %q", v)
	}
}

func parseSecondsDuration(v string) (time.Duration, error) {
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n * float64(time.Second)), nil
}

func parseMicrosecondsDuration(v string) (time.Duration, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Microsecond, nil
}

func parseOOMScoreAdjust(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < -1000 || n > 1000 {
		return 0, fmt.Errorf("out of range -1000..1000")
	}
	return n, nil
}

// byteSuffixes maps the unit suffixes the Memory* directives accept to
// their multiplier.
var byteSuffixes = []struct {
	suffix string
	mult   uint64
}{
	{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30}, {"T", 1 << 40},
}

func parseBytes(v string) (uint64, error) {
	v = strings.TrimSpace(v)
	for _, s := range byteSuffixes {
		if strings.HasSuffix(strings.ToUpper(v), s.suffix) {
			n, err := strconv.ParseUint(v[:len(v)-1], 10, 64)
			if err != nil {
				return 0, err
			}
			return n * s.mult, nil
		}
	}
	return strconv.ParseUint(v, 10, 64)
}

// parseExecLine splits one Exec* directive value into its leading prefix
// flags and argv: "-" ignore failure, "@" override argv0, ":" skip env
// expansion, any combination, in any order, before the executable path.
func parseExecLine(v string) unit.ExecCommand {
	i := 0
	var prefix unit.ExecPrefix
loop:
	for i < len(v) {
		switch v[i] {
		case '-':
			prefix.IgnoreFailure = true
		case '@':
			prefix.OverrideArgv0 = true
		case ':':
			prefix.SkipEnvExpand = true
		default:
			break loop
		}
		i++
	}
	fields := strings.Fields(v[i:])
	cmd := unit.ExecCommand{Prefix: prefix}
	if len(fields) > 0 {
		cmd.Argv0 = fields[0]
		cmd.Args = fields[1:]
	}
	return cmd
}

func parseSocketSection(s *unit.SocketSection, lines []kv) error {
	for _, l := range lines {
		var err error
		switch l.key {
		case "ListenStream":
			err = appendListener(s, unit.ListenStream, l.value)
		case "ListenDatagram":
			err = appendListener(s, unit.ListenDatagram, l.value)
		case "ListenNetlink":
			err = appendNetlinkListener(s, l.value)
		case "Accept":
			s.Accept, err = parseBool(l.value)
		case "Service":
			s.Service = l.value
		case "Symlinks":
			s.Symlinks = append(s.Symlinks, splitNames(l.value)...)
		}
		if err != nil {
			return fmt.Errorf("%s=%s: %w", l.key, l.value, err)
		}
	}
	return nil
}

func appendListener(s *unit.SocketSection, kind unit.ListenerKind, v string) error {
	lst, err := ParseSocketAddress(v)
	if err != nil {
		return err
	}
	lst.Kind = kind
	s.Listeners = append(s.Listeners, lst)
	return nil
}

// ParseSocketAddress dispatches on a ListenStream/ListenDatagram value's
// form: a path (leading "/") is a Unix socket, a leading "@" is an
// abstract Unix socket, a bare number is a port (bound dual-stack IPv6
// when supported, IPv4 otherwise — see IPv6Supported), anything else is
// parsed as "host:port".
func ParseSocketAddress(v string) (unit.Listener, error) {
	switch {
	case strings.HasPrefix(v, "/"):
		return unit.Listener{AddressKind: unit.SocketAddressUnix, UnixPath: v}, nil
	case strings.HasPrefix(v, "@"):
		return unit.Listener{AddressKind: unit.SocketAddressAbstract, UnixPath: v[1:], Abstract: true}, nil
	default:
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			kind := unit.SocketAddressInet4
			if IPv6Supported() {
				kind = unit.SocketAddressInet6
			}
			return unit.Listener{AddressKind: kind, Port: uint16(port)}, nil
		}
		host, portStr, err := splitHostPort(v)
		if err != nil {
			return unit.Listener{}, fmt.Errorf("invalid socket address %q: %w", v, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return unit.Listener{}, fmt.Errorf("invalid port in %q: %w", v, err)
		}
		return unit.Listener{AddressKind: unit.SocketAddressHostPort, Host: host, Port: uint16(port)}, nil
	}
}

func splitHostPort(v string) (host, port string, err error) {
	idx := strings.LastIndex(v, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing ':port'")
	}
	return v[:idx], v[idx+1:], nil
}

// netlinkFamilies is the fixed set of accepted family names, mapped to
// canonical spellings of the well-known NETLINK_* protocols.
var netlinkFamilies = map[string]string{
	"route":       "route",
	"uevent":      "kobject-uevent",
	"kobject-uevent": "kobject-uevent",
	"audit":       "audit",
	"netfilter":   "netfilter",
	"generic":     "generic",
}

// parseNetlinkAddress parses a "<family> <group>" ListenNetlink value:
// exactly two whitespace-separated tokens are required, anything else is
// an error.
func parseNetlinkAddress(v string) (family string, group uint32, err error) {
	fields := strings.Fields(v)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("ListenNetlink requires exactly 2 fields (family, group), got %d", len(fields))
	}
	fam, ok := netlinkFamilies[strings.ToLower(fields[0])]
	if !ok {
		return "", 0, fmt.Errorf("unrecognized netlink family %q", fields[0])
	}
	g, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid netlink group %q: %w", fields[1], err)
	}
	return fam, uint32(g), nil
}

func appendNetlinkListener(s *unit.SocketSection, v string) error {
	family, group, err := parseNetlinkAddress(v)
	if err != nil {
		return err
	}
	s.Listeners = append(s.Listeners, unit.Listener{
		Kind:          unit.ListenNetlink,
		AddressKind:   unit.SocketAddressUnix, // unused for netlink; address form doesn't apply
		NetlinkFamily: family,
		NetlinkGroup:  group,
	})
	return nil
}

func parseMountSection(m *unit.MountSection, lines []kv) {
	for _, l := range lines {
		switch l.key {
		case "What":
			m.What = l.value
		case "Where":
			m.Where = l.value
		case "Type":
			m.Type = l.value
		case "Options":
			m.Options = l.value
		}
	}
}

// CanBeSymlinked reports whether exactly one of a socket unit's listeners
// is eligible to be exposed under Symlinks=. Eligibility means a
// filesystem-path Unix listener (abstract sockets have no path to link).
func CanBeSymlinked(s *unit.SocketSection) bool {
	n := 0
	for _, l := range s.Listeners {
		if l.Kind != unit.ListenNetlink && l.AddressKind == unit.SocketAddressUnix && !l.Abstract {
			n++
		}
	}
	return n == 1
}
