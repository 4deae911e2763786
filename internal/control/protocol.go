// Package control implements the manager's local control plane: a
// length-prefixed framed protocol over a loopback TCP socket, carrying
// unit, system, manager, and unit-file commands from unitctl into the job
// engine.
package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"unitd/internal/errs"
)

// DefaultPort is the loopback port the manager listens on; FallbackPort is
// tried when the default is taken.
const (
	DefaultPort  = 9526
	FallbackPort = 9527
)

// maxFrameSize bounds a single frame; anything larger is a BadFrame.
const maxFrameSize = 1 << 20

// Unit actions.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionStatus  = "status"
)

// System actions.
const (
	ActionShutdown = "shutdown"
)

// Manager actions.
const (
	ActionListUnits    = "list-units"
	ActionDaemonReload = "daemon-reload"
)

// Unit-file actions.
const (
	ActionEnable  = "enable"
	ActionDisable = "disable"
	ActionMask    = "mask"
	ActionUnmask  = "unmask"
)

// UnitComm targets one or more units with a lifecycle action.
type UnitComm struct {
	Action string   `json:"action"`
	Units  []string `json:"units"`
}

// SysComm targets the host (shutdown).
type SysComm struct {
	Action string `json:"action"`
}

// MngrComm targets the manager itself.
type MngrComm struct {
	Action string `json:"action"`
}

// UnitFile manipulates a unit file's enablement state.
type UnitFile struct {
	Action string `json:"action"`
	File   string `json:"file"`
}

// Request is the client→manager envelope; exactly one field is set.
type Request struct {
	UnitComm *UnitComm `json:"unit_comm,omitempty"`
	SysComm  *SysComm  `json:"sys_comm,omitempty"`
	MngrComm *MngrComm `json:"mngr_comm,omitempty"`
	UnitFile *UnitFile `json:"unit_file,omitempty"`
}

// Reply is the manager→client envelope.
type Reply struct {
	Status  uint32 `json:"status"`
	Message string `json:"message"`
}

// Status codes for Reply.Status.
const (
	StatusOK uint32 = iota
	StatusError
	StatusBadRequest
)

// UnitStatus is the structured unit row carried (JSON-encoded) in the
// Message of status and list-units replies.
type UnitStatus struct {
	Name        string `json:"name" yaml:"name"`
	Kind        string `json:"kind" yaml:"kind"`
	Load        string `json:"load" yaml:"load"`
	Active      string `json:"active" yaml:"active"`
	Sub         string `json:"sub" yaml:"sub"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	NRestarts   int    `json:"nRestarts,omitempty" yaml:"nRestarts,omitempty"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

// OK builds a success reply.
func OK(message string) Reply { return Reply{Status: StatusOK, Message: message} }

// Errorf builds a failure reply.
func Errorf(format string, args ...any) Reply {
	return Reply{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// writeFrame writes one length-prefixed JSON frame.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed JSON frame into v.
func readFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return &errs.ControlError{Reason: errs.ControlBadFrame, Detail: fmt.Sprintf("frame of %d bytes exceeds limit", n)}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &errs.ControlError{Reason: errs.ControlBadFrame, Detail: err.Error()}
	}
	return nil
}
