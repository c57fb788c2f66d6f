package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	dnspkg "github.com/miekg/dns"
)

var ErrNoAddress = errors.New("resolver: no address found")

// Resolver looks up outbound targets. With a server configured it queries it
// directly, otherwise it falls back to the system resolver.
type Resolver struct {
	server    string
	ipv6First bool
	client    *dnspkg.Client
	logger    *slog.Logger
}

func New(server string, ipv6First bool, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		server:    server,
		ipv6First: ipv6First,
		client:    &dnspkg.Client{Timeout: 5 * time.Second},
		logger:    logger,
	}
}

// LookupHost returns the addresses of host, IPv4 first unless ipv6_first is
// set. IP literals are returned as is.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	var v4, v6 []netip.Addr
	if r.server == "" {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("resolver: lookup %s: %w", host, err)
		}
		for _, a := range addrs {
			a = a.Unmap()
			if a.Is4() {
				v4 = append(v4, a)
			} else {
				v6 = append(v6, a)
			}
		}
	} else {
		var err4, err6 error
		v4, err4 = r.query(ctx, host, dnspkg.TypeA)
		v6, err6 = r.query(ctx, host, dnspkg.TypeAAAA)
		if err4 != nil && err6 != nil {
			return nil, fmt.Errorf("resolver: lookup %s: %w", host, err4)
		}
	}

	var out []netip.Addr
	if r.ipv6First {
		out = append(append(out, v6...), v4...)
	} else {
		out = append(append(out, v4...), v6...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, host)
	}
	return out, nil
}

// ResolveAddr turns "host:port" into "ip:port" using the first address found.
func (r *Resolver) ResolveAddr(ctx context.Context, hostport string) (string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", err
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", fmt.Errorf("resolver: bad port %q", port)
	}
	return netip.AddrPortFrom(addrs[0], uint16(p)).String(), nil
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dnspkg.Msg)
	m.SetQuestion(dnspkg.Fqdn(host), qtype)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		r.logger.Debug("resolver: query failed", "host", host, "type", dnspkg.TypeToString[qtype], "err", err)
		return nil, err
	}
	if resp.Rcode != dnspkg.RcodeSuccess {
		return nil, fmt.Errorf("rcode %s", dnspkg.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dnspkg.A:
			ip = v.A
		case *dnspkg.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if a, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, a.Unmap())
		}
	}
	return addrs, nil
}
