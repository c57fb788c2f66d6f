package ssserver

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shadowsocks/go-shadowsocks2/shadowaead"
	"github.com/shadowsocks/go-shadowsocks2/socks"

	"github.com/bigbes/shadowsocks-panel-node/internal/engine"
	"github.com/bigbes/shadowsocks-panel-node/internal/keys"
	"github.com/bigbes/shadowsocks-panel-node/internal/outline"
	"github.com/bigbes/shadowsocks-panel-node/internal/traffic"
)

const (
	defaultIdleTimeout = 5 * time.Minute
	defaultUDPMTU      = 1500
)

// user is a registered key. ciph is set for AEAD ciphers, hash for 2022
// ciphers.
type user struct {
	id   int
	key  []byte
	ciph shadowaead.Cipher
	hash [aes.BlockSize]byte
}

// userSet is an immutable view of the registered users.
type userSet struct {
	list   []*user
	byHash map[[aes.BlockSize]byte]*user
}

// request is an authenticated client stream positioned after the target
// address.
type request struct {
	user   *user
	r      io.Reader
	target socks.Addr
	reply  io.Writer
}

// packet is an authenticated client datagram. session and id are only set
// for 2022 ciphers.
type packet struct {
	user    *user
	target  socks.Addr
	data    []byte
	session uint64
	id      uint64
}

type server struct {
	cfg       engine.Config
	keyLen    int
	dialer    outline.Dialer
	onTraffic func(traffic.Delta)
	logger    *slog.Logger

	// psk is the decoded server key of a 2022 cipher, nil otherwise.
	psk      []byte
	pskBlock cipher.Block
	salts    *saltPool

	mu    sync.Mutex
	users map[int]*user
	set   atomic.Pointer[userSet]

	// open holds every client connection and outbound UDP socket, mapped to
	// the owning user id (0 until the client is identified).
	openMu sync.Mutex
	open   map[io.Closer]int

	ln   net.Listener
	pc   net.PacketConn
	pool *ants.PoolWithFunc
	nat  *natTable

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

func newServer(cfg engine.Config, dialer outline.Dialer, onTraffic func(traffic.Delta), logger *slog.Logger) (*server, error) {
	keyLen, err := keys.KeyLength(cfg.Cipher)
	if err != nil {
		return nil, err
	}
	if onTraffic == nil {
		onTraffic = func(traffic.Delta) {}
	}
	s := &server{
		cfg:       cfg,
		keyLen:    keyLen,
		dialer:    dialer,
		onTraffic: onTraffic,
		logger:    logger,
		users:     make(map[int]*user),
		open:      make(map[io.Closer]int),
		nat:       newNATTable(cfg.Options.UDPMaxAssociations),
		done:      make(chan struct{}),
	}
	s.set.Store(&userSet{})

	if keys.Is2022(cfg.Cipher) {
		psk, err := keys.DecodeServerKey(cfg.Cipher, cfg.ServerKey)
		if err != nil {
			return nil, err
		}
		block, err := aes.NewCipher(psk)
		if err != nil {
			return nil, err
		}
		s.psk, s.pskBlock, s.salts = psk, block, newSaltPool()
	}
	return s, nil
}

type antsLogger struct{ *slog.Logger }

func (l antsLogger) Printf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (s *server) listen(addr string, concurrency int) error {
	opts := s.cfg.Options

	if opts.Mode.TCP() {
		lc := net.ListenConfig{KeepAlive: opts.KeepAlive, Control: fastOpenControl(opts.FastOpen)}
		if opts.MPTCP {
			lc.SetMultipathTCP(true)
		}
		ln, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			return fmt.Errorf("listening tcp %s: %w", addr, err)
		}
		s.ln = ln

		pool, err := ants.NewPoolWithFunc(concurrency, func(arg interface{}) {
			defer s.wg.Done()
			s.serveTCP(arg.(net.Conn))
		}, ants.WithNonblocking(true), ants.WithLogger(antsLogger{s.logger}))
		if err != nil {
			return fmt.Errorf("creating worker pool: %w", err)
		}
		s.pool = pool

		s.wg.Add(1)
		go s.acceptLoop()
	}

	if opts.Mode.UDP() {
		var lc net.ListenConfig
		pc, err := lc.ListenPacket(context.Background(), "udp", addr)
		if err != nil {
			return fmt.Errorf("listening udp %s: %w", addr, err)
		}
		s.pc = pc

		s.wg.Add(1)
		go s.udpLoop()
	}
	return nil
}

// TCPAddr returns the TCP listener address, or nil in udp_only mode.
func (s *server) TCPAddr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// UDPAddr returns the UDP socket address, or nil in tcp_only mode.
func (s *server) UDPAddr() net.Addr {
	if s.pc == nil {
		return nil
	}
	return s.pc.LocalAddr()
}

// AddUser registers a user, replacing the key of an existing one.
func (s *server) AddUser(id int, key []byte) error {
	if len(key) != s.keyLen {
		return &engine.Error{Op: "add", UserID: id, Err: fmt.Errorf("key is %d bytes, need %d", len(key), s.keyLen)}
	}
	u := &user{id: id, key: append([]byte(nil), key...)}
	if s.psk != nil {
		u.hash = keyHash(u.key)
	} else {
		ciph, err := newCipher(s.cfg.Cipher, key)
		if err != nil {
			return &engine.Error{Op: "add", UserID: id, Err: err}
		}
		u.ciph = ciph
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return &engine.Error{Op: "add", UserID: id, Err: ErrStopped}
	default:
	}
	s.users[id] = u
	s.publish()
	return nil
}

// RemoveUser unregisters a user and closes its connections. Removing an
// unknown user is not an error.
func (s *server) RemoveUser(id int) error {
	s.mu.Lock()
	if _, ok := s.users[id]; ok {
		delete(s.users, id)
		s.publish()
	}
	s.mu.Unlock()

	s.closeOwned(func(owner int) bool { return owner == id })
	return nil
}

// publish must be called with s.mu held.
func (s *server) publish() {
	set := &userSet{list: make([]*user, 0, len(s.users))}
	if s.psk != nil {
		set.byHash = make(map[[aes.BlockSize]byte]*user, len(s.users))
	}
	for _, u := range s.users {
		set.list = append(set.list, u)
		if set.byHash != nil {
			set.byHash[u.hash] = u
		}
	}
	s.set.Store(set)
}

func (s *server) snapshot() []*user { return s.set.Load().list }

func (s *server) lookup(h [aes.BlockSize]byte) *user { return s.set.Load().byHash[h] }

func (s *server) Stop() error {
	var errs []error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()

		if s.ln != nil {
			if err := s.ln.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.pc != nil {
			if err := s.pc.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeOwned(func(int) bool { return true })
		s.wg.Wait()
		if s.pool != nil {
			s.pool.Release()
		}
		s.logger.Info("ssserver: stopped")
	})
	return errors.Join(errs...)
}

func (s *server) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// track registers c for closing on Stop. It returns false when the server
// is already stopping.
func (s *server) track(c io.Closer, owner int) bool {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.stopped() {
		return false
	}
	s.open[c] = owner
	return true
}

func (s *server) untrack(c io.Closer) {
	s.openMu.Lock()
	delete(s.open, c)
	s.openMu.Unlock()
}

func (s *server) closeOwned(match func(owner int) bool) {
	s.openMu.Lock()
	var victims []io.Closer
	for c, owner := range s.open {
		if match(owner) {
			victims = append(victims, c)
		}
	}
	s.openMu.Unlock()

	for _, c := range victims {
		c.Close()
	}
}

func (s *server) idleTimeout() time.Duration {
	if s.cfg.Options.Timeout > 0 {
		return s.cfg.Options.Timeout
	}
	return defaultIdleTimeout
}

func (s *server) udpTimeout() time.Duration {
	if s.cfg.Options.UDPTimeout > 0 {
		return s.cfg.Options.UDPTimeout
	}
	return defaultIdleTimeout
}

func (s *server) udpMTU() int {
	if s.cfg.Options.UDPMTU > 0 {
		return s.cfg.Options.UDPMTU
	}
	return defaultUDPMTU
}
