package ssserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/socks"

	"github.com/bigbes/shadowsocks-panel-node/internal/metrics"
	"github.com/bigbes/shadowsocks-panel-node/internal/traffic"
)

const maxPacketSize = 64 * 1024

// association is one client's UDP flow to one target. reply is set for
// 2022 ciphers.
type association struct {
	key    string
	user   *user
	client net.Addr
	target socks.Addr
	out    net.Conn
	reply  *replySession
}

type natTable struct {
	mu  sync.Mutex
	max int
	m   map[string]*association
}

func newNATTable(limit int) *natTable {
	return &natTable{max: limit, m: make(map[string]*association)}
}

func (t *natTable) get(key string) *association {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[key]
}

// add stores a unless the table is full or key is taken.
func (t *natTable) add(a *association) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[a.key]; ok {
		return false
	}
	if t.max > 0 && len(t.m) >= t.max {
		return false
	}
	t.m[a.key] = a
	return true
}

func (t *natTable) remove(a *association) {
	t.mu.Lock()
	if t.m[a.key] == a {
		delete(t.m, a.key)
	}
	t.mu.Unlock()
}

func (t *natTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

func (s *server) identifyPacket(dst, pkt []byte) (*user, []byte, error) {
	for _, u := range s.snapshot() {
		if plain, err := openPacket(dst, pkt, u.ciph); err == nil {
			return u, plain, nil
		}
	}
	return nil, nil, errNoUser
}

// readPacket authenticates a client datagram and splits off its target.
func (s *server) readPacket(dst, pkt []byte) (*packet, error) {
	if s.psk != nil {
		return s.openPacket2022(dst, pkt)
	}
	u, payload, err := s.identifyPacket(dst, pkt)
	if err != nil {
		return nil, err
	}
	target := socks.SplitAddr(payload)
	if target == nil {
		return nil, fmt.Errorf("%w: target address", errBadHeader)
	}
	return &packet{user: u, target: target, data: payload[len(target):]}, nil
}

func (s *server) udpLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxPacketSize)
	plain := make([]byte, maxPacketSize)

	for {
		n, client, err := s.pc.ReadFrom(buf)
		if err != nil {
			if s.stopped() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("udp: read failed", "err", err)
			return
		}

		p, err := s.readPacket(plain, buf[:n])
		if err != nil {
			metrics.AuthFailures.WithLabelValues("udp").Inc()
			s.logger.Debug("udp: authentication failed", "remote", client, "err", err)
			continue
		}
		u, target, data := p.user, p.target, p.data

		a, err := s.association(u, client, target, p.session)
		if err != nil {
			s.logger.Debug("udp: no association", "remote", client, "user", u.id, "dest", target, "err", err)
			continue
		}
		if a.reply != nil && !a.reply.window.accept(p.id) {
			metrics.AuthFailures.WithLabelValues("udp").Inc()
			s.logger.Debug("udp: replayed packet", "remote", client, "user", u.id, "packet_id", p.id)
			continue
		}

		a.out.SetReadDeadline(time.Now().Add(s.udpTimeout()))
		if _, err := a.out.Write(data); err != nil {
			s.logger.Debug("udp: write to target failed", "user", u.id, "dest", target, "err", err)
			continue
		}
		s.onTraffic(traffic.Delta{UserID: u.id, Upload: uint64(len(data))})
	}
}

var errNATFull = errors.New("association limit reached")

func (s *server) association(u *user, client net.Addr, target socks.Addr, session uint64) (*association, error) {
	key := client.String() + "|" + target.String() + "|" + strconv.Itoa(u.id)
	if s.psk != nil {
		key += "|" + strconv.FormatUint(session, 16)
	}
	if a := s.nat.get(key); a != nil && a.user == u {
		return a, nil
	}
	if s.nat.max > 0 && s.nat.len() >= s.nat.max {
		return nil, errNATFull
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	out, err := s.dialer.DialPacket(ctx, target.String())
	cancel()
	if err != nil {
		metrics.DialErrors.WithLabelValues("udp").Inc()
		return nil, err
	}

	a := &association{key: key, user: u, client: client, target: target, out: out}
	if s.psk != nil {
		if a.reply, err = newReplySession(u.key, session); err != nil {
			out.Close()
			return nil, err
		}
	}
	if !s.nat.add(a) {
		out.Close()
		return nil, errNATFull
	}
	if !s.track(out, u.id) {
		s.nat.remove(a)
		out.Close()
		return nil, ErrStopped
	}

	metrics.ConnectionsTotal.WithLabelValues("udp").Inc()
	metrics.ConnectionsActive.WithLabelValues("udp").Inc()
	s.wg.Add(1)
	go s.serveAssociation(a)
	return a, nil
}

// serveAssociation relays replies from the target back to the client until
// the association idles out or is closed.
func (s *server) serveAssociation(a *association) {
	defer s.wg.Done()
	defer metrics.ConnectionsActive.WithLabelValues("udp").Dec()
	defer s.nat.remove(a)
	defer s.untrack(a.out)
	defer a.out.Close()

	// Replies are sized so the sealed packet fits in one MTU.
	prefix, overhead := len(a.target), s.keyLen+16
	if a.reply != nil {
		prefix, overhead = replyPrefixLen+len(a.target), udpHeaderSize+16
	}
	room := s.udpMTU() - overhead - prefix
	if room < 1 {
		room = 1
	}
	plain := make([]byte, prefix+room)
	copy(plain[prefix-len(a.target):], a.target)
	sealed := make([]byte, overhead+len(plain))

	a.out.SetReadDeadline(time.Now().Add(s.udpTimeout()))
	for {
		n, err := a.out.Read(plain[prefix:])
		if err != nil {
			return
		}
		a.out.SetReadDeadline(time.Now().Add(s.udpTimeout()))

		var pkt []byte
		if a.reply != nil {
			pkt, err = a.reply.seal(sealed, plain[:prefix+n])
		} else {
			pkt, err = sealPacket(sealed, plain[:prefix+n], a.user.ciph)
		}
		if err != nil {
			s.logger.Debug("udp: sealing reply failed", "user", a.user.id, "err", err)
			continue
		}
		if _, err := s.pc.WriteTo(pkt, a.client); err != nil {
			if s.stopped() {
				return
			}
			s.logger.Debug("udp: write to client failed", "user", a.user.id, "remote", a.client, "err", err)
			continue
		}
		s.onTraffic(traffic.Delta{UserID: a.user.id, Download: uint64(n)})
	}
}
