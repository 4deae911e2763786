package control

import (
	"fmt"
	"net"
	"time"
)

// Client is unitctl's side of the control protocol.
type Client struct {
	conn net.Conn
}

// Dial connects to the manager on the default loopback port, falling back
// to the alternate.
func Dial() (*Client, error) {
	for _, port := range []int{DefaultPort, FallbackPort} {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
		if err == nil {
			return &Client{conn: conn}, nil
		}
	}
	return nil, fmt.Errorf("control: manager not reachable on ports %d/%d (is unitd running?)", DefaultPort, FallbackPort)
}

// DialAddr connects to an explicit address, for tests and non-default
// deployments.
func DialAddr(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// roundTrip sends one request frame and reads the reply.
func (c *Client) roundTrip(req Request) (Reply, error) {
	if err := writeFrame(c.conn, req); err != nil {
		return Reply{}, err
	}
	var reply Reply
	if err := readFrame(c.conn, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// Unit sends a unit lifecycle command.
func (c *Client) Unit(action string, units []string) (Reply, error) {
	return c.roundTrip(Request{UnitComm: &UnitComm{Action: action, Units: units}})
}

// System sends a system command.
func (c *Client) System(action string) (Reply, error) {
	return c.roundTrip(Request{SysComm: &SysComm{Action: action}})
}

// Manager sends a manager command.
func (c *Client) Manager(action string) (Reply, error) {
	return c.roundTrip(Request{MngrComm: &MngrComm{Action: action}})
}

// File sends a unit-file enablement command.
func (c *Client) File(action, file string) (Reply, error) {
	return c.roundTrip(Request{UnitFile: &UnitFile{Action: action, File: file}})
}
