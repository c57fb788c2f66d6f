// Package porttracker collects the local ports taken by the node's own
// listeners so the panel cannot assign one of them to the proxy.
package porttracker

import (
	"net"
	"strconv"

	"github.com/bigbes/shadowsocks-panel-node/internal/config"
)

// PortInfo describes a single used port.
type PortInfo struct {
	Port  int    `json:"port"`
	Owner string `json:"owner"` // "status" or "observability"
	Proto string `json:"proto"`
}

// UsedPorts returns the ports occupied by the local configuration.
func UsedPorts(cfg *config.Config) []PortInfo {
	var ports []PortInfo

	if p := extractPort(cfg.StatusAddr); p > 0 {
		ports = append(ports, PortInfo{Port: p, Owner: "status", Proto: "tcp"})
	}
	if cfg.ObservabilityHTTP.Addr != "" {
		if p := extractPort(cfg.ObservabilityHTTP.Addr); p > 0 {
			ports = append(ports, PortInfo{Port: p, Owner: "observability", Proto: "tcp"})
		}
	}
	return ports
}

// Reserved returns UsedPorts keyed by port.
func Reserved(cfg *config.Config) map[int]string {
	m := make(map[int]string)
	for _, pi := range UsedPorts(cfg) {
		m[pi.Port] = pi.Owner
	}
	return m
}

// extractPort returns the port number from an address string like
// "0.0.0.0:1080", ":1080", or just "1080". Returns 0 on failure.
func extractPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// Maybe it's just a bare port number.
		portStr = addr
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p <= 0 || p > 65535 {
		return 0
	}
	return p
}
