// Package outline provides the outbound dialers used by the built-in engine:
// a relay through an Outline SDK transport or a direct connection.
package outline

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.getoutline.org/sdk/transport"
	"golang.getoutline.org/sdk/x/configurl"
)

// Dialer opens outbound connections on behalf of proxied clients.
type Dialer interface {
	DialStream(ctx context.Context, addr string) (net.Conn, error)
	DialPacket(ctx context.Context, addr string) (net.Conn, error)
}

// Resolver turns "host:port" into "ip:port".
type Resolver interface {
	ResolveAddr(ctx context.Context, hostport string) (string, error)
}

// Client relays through an Outline transport config (ss://, socks5://, ...).
type Client struct {
	StreamDialer transport.StreamDialer
	PacketDialer transport.PacketDialer
}

func NewClient(transportConfig string) (*Client, error) {
	providers := configurl.NewDefaultProviders()
	ctx := context.Background()

	streamDialer, err := providers.NewStreamDialer(ctx, transportConfig)
	if err != nil {
		return nil, fmt.Errorf("creating stream dialer: %w", err)
	}

	packetDialer, err := providers.NewPacketDialer(ctx, transportConfig)
	if err != nil {
		return nil, fmt.Errorf("creating packet dialer: %w", err)
	}

	return &Client{StreamDialer: streamDialer, PacketDialer: packetDialer}, nil
}

func (c *Client) DialStream(ctx context.Context, addr string) (net.Conn, error) {
	return c.StreamDialer.DialStream(ctx, addr)
}

func (c *Client) DialPacket(ctx context.Context, addr string) (net.Conn, error) {
	return c.PacketDialer.DialPacket(ctx, addr)
}

// DirectDialer connects to targets without a relay.
type DirectDialer struct {
	Resolver  Resolver
	Timeout   time.Duration
	KeepAlive time.Duration
	NoDelay   bool
	MPTCP     bool
}

func (d *DirectDialer) resolve(ctx context.Context, addr string) (string, error) {
	if d.Resolver == nil {
		return addr, nil
	}
	return d.Resolver.ResolveAddr(ctx, addr)
}

func (d *DirectDialer) dialer() *net.Dialer {
	nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	if d.MPTCP {
		nd.SetMultipathTCP(true)
	}
	return nd
}

func (d *DirectDialer) DialStream(ctx context.Context, addr string) (net.Conn, error) {
	resolved, err := d.resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	conn, err := d.dialer().DialContext(ctx, "tcp", resolved)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(d.NoDelay)
	}
	return conn, nil
}

func (d *DirectDialer) DialPacket(ctx context.Context, addr string) (net.Conn, error) {
	resolved, err := d.resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "udp", resolved)
}
