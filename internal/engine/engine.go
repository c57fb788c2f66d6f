// Package engine defines the contract between the node controller and the
// proxy server that carries user traffic.
package engine

import (
	"fmt"
	"time"

	"github.com/bigbes/shadowsocks-panel-node/internal/traffic"
)

// Mode selects which transports the engine serves.
type Mode string

const (
	ModeTCPAndUDP Mode = "tcp_and_udp"
	ModeTCPOnly   Mode = "tcp_only"
	ModeUDPOnly   Mode = "udp_only"
)

// TCP reports whether the mode serves TCP.
func (m Mode) TCP() bool { return m == ModeTCPAndUDP || m == ModeTCPOnly || m == "" }

// UDP reports whether the mode serves UDP.
func (m Mode) UDP() bool { return m == ModeTCPAndUDP || m == ModeUDPOnly || m == "" }

// Options are the locally configured transport settings.
type Options struct {
	Mode               Mode
	Timeout            time.Duration
	UDPTimeout         time.Duration
	NoDelay            bool
	FastOpen           bool
	KeepAlive          time.Duration
	MPTCP              bool
	UDPMTU             int
	UDPMaxAssociations int
	DNS                string
	IPv6First          bool
	Relay              string
}

// Config is the node configuration an engine instance runs with. Changing
// any field requires a restart.
type Config struct {
	Port      int
	Cipher    string
	ServerKey string
	Options   Options
}

// Same reports whether an instance running c can keep serving o.
func (c Config) Same(o Config) bool {
	return c.Port == o.Port && c.Cipher == o.Cipher && c.ServerKey == o.ServerKey && c.Options == o.Options
}

// User is a user registration.
type User struct {
	ID  int
	Key []byte
}

// Engine starts proxy server instances.
type Engine interface {
	Name() string
	// Supports reports whether the engine can serve the given cipher.
	Supports(cipher string) bool
	// Start launches an instance serving users. onTraffic is invoked from
	// connection-handling goroutines whenever a user's traffic changes.
	Start(cfg Config, users []User, onTraffic func(traffic.Delta)) (Instance, error)
}

// Instance is a running proxy server.
type Instance interface {
	AddUser(id int, key []byte) error
	RemoveUser(id int) error
	Stop() error
}

// Error reports a failed engine operation.
type Error struct {
	Op     string
	UserID int
	Err    error
}

func (e *Error) Error() string {
	if e.UserID != 0 {
		return fmt.Sprintf("engine: %s user %d: %v", e.Op, e.UserID, e.Err)
	}
	return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
