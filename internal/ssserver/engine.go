// Package ssserver is the built-in multi-user Shadowsocks AEAD server.
// Users share one port and cipher and are told apart by their keys.
package ssserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/shadowaead"

	"github.com/bigbes/shadowsocks-panel-node/internal/engine"
	"github.com/bigbes/shadowsocks-panel-node/internal/keys"
	"github.com/bigbes/shadowsocks-panel-node/internal/outline"
	"github.com/bigbes/shadowsocks-panel-node/internal/resolver"
	"github.com/bigbes/shadowsocks-panel-node/internal/traffic"
)

const (
	defaultConcurrency = 8192
	dialTimeout        = 10 * time.Second
)

// ErrStopped is returned by operations on a stopped server.
var ErrStopped = errors.New("server stopped")

// Engine starts built-in servers.
type Engine struct {
	// ListenHost is the address servers bind to. Empty means all interfaces.
	ListenHost string
	// Concurrency caps the TCP connections served at once.
	Concurrency int
	// Dialer overrides the outbound dialer built from engine.Options.
	Dialer outline.Dialer
	Logger *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

// New returns an Engine that logs through logger.
func New(logger *slog.Logger) *Engine {
	return &Engine{Logger: logger}
}

// Name identifies the engine in logs and status output.
func (e *Engine) Name() string { return "builtin" }

// Supports reports whether the engine can serve cipher. Multi-user 2022
// needs identity headers, which are only defined for the AES variants.
func (e *Engine) Supports(cipher string) bool {
	switch keys.NormalizeCipher(cipher) {
	case "aes-128-gcm", "aes-192-gcm", "aes-256-gcm", "chacha20-ietf-poly1305",
		"aead_aes_128_gcm", "aead_aes_192_gcm", "aead_aes_256_gcm", "aead_chacha20_poly1305",
		"2022-blake3-aes-128-gcm", "2022-blake3-aes-256-gcm":
		return true
	}
	return false
}

func newCipher(name string, key []byte) (shadowaead.Cipher, error) {
	switch keys.NormalizeCipher(name) {
	case "aes-128-gcm", "aes-192-gcm", "aes-256-gcm",
		"aead_aes_128_gcm", "aead_aes_192_gcm", "aead_aes_256_gcm":
		return shadowaead.AESGCM(key)
	case "chacha20-ietf-poly1305", "aead_chacha20_poly1305":
		return shadowaead.Chacha20Poly1305(key)
	}
	return nil, fmt.Errorf("%w: %q", keys.ErrUnsupportedCipher, name)
}

func (e *Engine) dialer(opts engine.Options, logger *slog.Logger) (outline.Dialer, error) {
	if e.Dialer != nil {
		return e.Dialer, nil
	}
	if opts.Relay != "" {
		return outline.NewClient(opts.Relay)
	}
	return &outline.DirectDialer{
		Resolver:  resolver.New(opts.DNS, opts.IPv6First, logger),
		Timeout:   dialTimeout,
		KeepAlive: opts.KeepAlive,
		NoDelay:   opts.NoDelay,
		MPTCP:     opts.MPTCP,
	}, nil
}

// Start listens on cfg.Port and serves users until Stop.
func (e *Engine) Start(cfg engine.Config, users []engine.User, onTraffic func(traffic.Delta)) (engine.Instance, error) {
	if !e.Supports(cfg.Cipher) {
		return nil, fmt.Errorf("%w: %q", keys.ErrUnsupportedCipher, cfg.Cipher)
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("engine", e.Name(), "port", cfg.Port)

	dialer, err := e.dialer(cfg.Options, logger)
	if err != nil {
		return nil, err
	}
	concurrency := e.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	s, err := newServer(cfg, dialer, onTraffic, logger)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if err := s.AddUser(u.ID, u.Key); err != nil {
			return nil, err
		}
	}

	addr := net.JoinHostPort(e.ListenHost, strconv.Itoa(cfg.Port))
	if err := s.listen(addr, concurrency); err != nil {
		s.Stop()
		return nil, err
	}
	logger.Info("ssserver: started", "cipher", cfg.Cipher, "mode", cfg.Options.Mode, "users", len(users))
	return s, nil
}
