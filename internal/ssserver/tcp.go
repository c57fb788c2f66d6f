package ssserver

import (
	"bytes"
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/socks"

	"github.com/bigbes/shadowsocks-panel-node/internal/metrics"
	"github.com/bigbes/shadowsocks-panel-node/internal/traffic"
)

var errNoUser = errors.New("no user matches")

func (s *server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.stopped() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("tcp: accept failed", "err", err)
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(s.cfg.Options.NoDelay)
		}

		s.wg.Add(1)
		if err := s.pool.Invoke(conn); err != nil {
			s.wg.Done()
			s.logger.Warn("tcp: rejecting connection", "remote", conn.RemoteAddr(), "err", err)
			conn.Close()
		}
	}
}

// identify reads the salt and first length chunk and finds the user whose
// key opens it. The returned reader replays the consumed bytes.
func (s *server) identify(conn net.Conn) (*user, cipher.AEAD, io.Reader, error) {
	// All supported ciphers use a 16 byte tag and a salt as long as the key.
	head := make([]byte, s.keyLen+2+16)
	if _, err := io.ReadFull(conn, head); err != nil {
		return nil, nil, nil, err
	}
	salt, chunk := head[:s.keyLen], head[s.keyLen:]

	var plain [2]byte
	for _, u := range s.snapshot() {
		aead, err := u.ciph.Decrypter(salt)
		if err != nil {
			continue
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := aead.Open(plain[:0], nonce, chunk, nil); err != nil {
			continue
		}
		return u, aead, io.MultiReader(bytes.NewReader(chunk), conn), nil
	}
	return nil, nil, nil, errNoUser
}

// readRequest authenticates a client stream and reads its target address.
func (s *server) readRequest(conn net.Conn) (*request, error) {
	if s.psk != nil {
		return s.readRequest2022(conn)
	}
	u, aead, replay, err := s.identify(conn)
	if err != nil {
		return nil, err
	}
	r := newChunkReader(replay, aead)
	target, err := socks.ReadAddr(r)
	if err != nil {
		return nil, fmt.Errorf("reading target: %w", err)
	}
	return &request{user: u, r: r, target: target, reply: newChunkWriter(conn, u.ciph)}, nil
}

func (s *server) owns(u *user) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[u.id] == u
}

func (s *server) serveTCP(conn net.Conn) {
	metrics.ConnectionsTotal.WithLabelValues("tcp").Inc()
	metrics.ConnectionsActive.WithLabelValues("tcp").Inc()
	defer metrics.ConnectionsActive.WithLabelValues("tcp").Dec()
	defer conn.Close()

	if !s.track(conn, 0) {
		return
	}
	defer s.untrack(conn)

	remote := conn.RemoteAddr()
	timeout := s.idleTimeout()
	conn.SetReadDeadline(time.Now().Add(timeout))

	req, err := s.readRequest(conn)
	if authFailed(err) {
		metrics.AuthFailures.WithLabelValues("tcp").Inc()
		s.logger.Debug("tcp: authentication failed", "remote", remote, "err", err)
		// Keep reading until the deadline so scanners see no early close.
		_, _ = io.Copy(io.Discard, conn)
		return
	}
	if err != nil {
		s.logger.Debug("tcp: handshake failed", "remote", remote, "err", err)
		return
	}
	u := req.user
	if !s.track(conn, u.id) || !s.owns(u) {
		return
	}
	dest := req.target.String()
	conn.SetReadDeadline(time.Time{})

	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	outConn, err := s.dialer.DialStream(dialCtx, dest)
	cancel()
	if err != nil {
		metrics.DialErrors.WithLabelValues("tcp").Inc()
		s.logger.Debug("tcp: failed to dial", "user", u.id, "dest", dest, "err", err)
		return
	}
	defer outConn.Close()

	s.logger.Debug("tcp: new connection", "remote", remote, "user", u.id, "dest", dest)

	idle := &idleTimer{timeout: timeout, a: conn, b: outConn}
	idle.touch()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		up := &activityReader{r: req.r, idle: idle, count: func(n int) {
			s.onTraffic(traffic.Delta{UserID: u.id, Upload: uint64(n)})
		}}
		_, err := io.Copy(outConn, up)
		s.logger.Debug("tcp: client -> target done", "user", u.id, "dest", dest, "err", err)
		outConn.Close()
	}()

	go func() {
		defer wg.Done()
		down := &activityReader{r: outConn, idle: idle, count: func(n int) {
			s.onTraffic(traffic.Delta{UserID: u.id, Download: uint64(n)})
		}}
		_, err := io.Copy(req.reply, down)
		s.logger.Debug("tcp: target -> client done", "user", u.id, "dest", dest, "err", err)
		conn.Close()
	}()

	wg.Wait()
}

// idleTimer tracks bidirectional activity and sets read deadlines on both
// connections, so a one-way transfer keeps the pair alive.
type idleTimer struct {
	timeout time.Duration
	a, b    interface{ SetReadDeadline(time.Time) error }
}

func (t *idleTimer) touch() {
	deadline := time.Now().Add(t.timeout)
	t.a.SetReadDeadline(deadline)
	t.b.SetReadDeadline(deadline)
}

// activityReader extends the idle timer and reports every successful read.
type activityReader struct {
	r     io.Reader
	idle  *idleTimer
	count func(n int)
}

func (r *activityReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.idle.touch()
		r.count(n)
	}
	return n, err
}
