package ssserver

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/socks"
	"lukechampine.com/blake3"
)

// Shadowsocks 2022 (SIP022) with extensible identity headers (SIP023). The
// server key is the identity PSK, users are told apart by the blake3 hash
// of their key sealed into the identity header.
const (
	headerTypeClient = 0
	headerTypeServer = 1

	maxPayload2022 = 0xFFFF
	maxPadding     = 900
	maxTimeSkew    = 30 * time.Second

	sessionSubkeyContext  = "shadowsocks 2022 session subkey"
	identitySubkeyContext = "shadowsocks 2022 identity subkey"

	// sessionIDSize is the UDP session id length, also used as the salt
	// for UDP session subkeys.
	sessionIDSize = 8
	// udpHeaderSize is the block-encrypted session id and packet id.
	udpHeaderSize = aes.BlockSize
)

var (
	errBadHeader = errors.New("bad request header")
	errTimestamp = errors.New("timestamp out of window")
	errReplay    = errors.New("replayed salt")
)

// authFailed reports whether err means the client could not be
// authenticated, as opposed to a network failure.
func authFailed(err error) bool {
	return errors.Is(err, errNoUser) || errors.Is(err, errBadHeader) ||
		errors.Is(err, errTimestamp) || errors.Is(err, errReplay)
}

func deriveSubkey(context string, psk, salt []byte) []byte {
	material := make([]byte, 0, len(psk)+len(salt))
	material = append(append(material, psk...), salt...)
	key := make([]byte, len(psk))
	blake3.DeriveKey(key, context, material)
	return key
}

func sessionSubkey(psk, salt []byte) []byte {
	return deriveSubkey(sessionSubkeyContext, psk, salt)
}

func identitySubkey(psk, salt []byte) []byte {
	return deriveSubkey(identitySubkeyContext, psk, salt)
}

// keyHash identifies a user key inside identity headers.
func keyHash(key []byte) [aes.BlockSize]byte {
	sum := blake3.Sum512(key)
	var h [aes.BlockSize]byte
	copy(h[:], sum[:aes.BlockSize])
	return h
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func checkTimestamp(ts uint64) error {
	skew := time.Since(time.Unix(int64(ts), 0))
	if skew > maxTimeSkew || skew < -maxTimeSkew {
		return fmt.Errorf("%w: %s", errTimestamp, skew.Round(time.Second))
	}
	return nil
}

// saltPool remembers request salts for twice the accepted clock skew, so a
// recorded handshake cannot be replayed.
type saltPool struct {
	mu    sync.Mutex
	ttl   time.Duration
	seen  map[string]time.Time
	swept time.Time
}

func newSaltPool() *saltPool {
	return &saltPool{ttl: 2 * maxTimeSkew, seen: make(map[string]time.Time)}
}

// add records salt and returns false if it was seen within the TTL.
func (p *saltPool) add(salt []byte) bool {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.swept) > p.ttl {
		for k, at := range p.seen {
			if now.Sub(at) > p.ttl {
				delete(p.seen, k)
			}
		}
		p.swept = now
	}
	k := string(salt)
	if at, ok := p.seen[k]; ok && now.Sub(at) <= p.ttl {
		return false
	}
	p.seen[k] = now
	return true
}

// readRequest2022 authenticates a 2022 stream:
// [salt][identity header][sealed fixed header][sealed variable header].
func (s *server) readRequest2022(conn net.Conn) (*request, error) {
	head := make([]byte, s.keyLen+aes.BlockSize)
	if _, err := io.ReadFull(conn, head); err != nil {
		return nil, err
	}
	salt, eih := head[:s.keyLen], head[s.keyLen:]

	block, err := aes.NewCipher(identitySubkey(s.psk, salt))
	if err != nil {
		return nil, err
	}
	var h [aes.BlockSize]byte
	block.Decrypt(h[:], eih)
	u := s.lookup(h)
	if u == nil {
		return nil, errNoUser
	}

	aead, err := newGCM(sessionSubkey(u.key, salt))
	if err != nil {
		return nil, err
	}
	r := newChunkReaderSize(conn, aead, maxPayload2022)

	fixed, err := r.open(make([]byte, 1+8+2+aead.Overhead()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadHeader, err)
	}
	if fixed[0] != headerTypeClient {
		return nil, fmt.Errorf("%w: type %d", errBadHeader, fixed[0])
	}
	if err := checkTimestamp(binary.BigEndian.Uint64(fixed[1:9])); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(fixed[9:11]))

	vh, err := r.open(make([]byte, length+aead.Overhead()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadHeader, err)
	}
	target := socks.SplitAddr(vh)
	if target == nil {
		return nil, fmt.Errorf("%w: target address", errBadHeader)
	}
	rest := vh[len(target):]
	if len(rest) < 2 {
		return nil, fmt.Errorf("%w: padding length", errBadHeader)
	}
	pad := int(binary.BigEndian.Uint16(rest))
	if pad > maxPadding || len(rest) < 2+pad {
		return nil, fmt.Errorf("%w: padding %d", errBadHeader, pad)
	}
	initial := rest[2+pad:]

	if !s.salts.add(salt) {
		return nil, errReplay
	}
	return &request{
		user:   u,
		r:      io.MultiReader(bytes.NewReader(initial), r),
		target: target,
		reply:  newResponseWriter(conn, u.key, salt),
	}, nil
}

// newResponseWriter seals the server half of a 2022 stream. The first
// chunk travels in the response header, which echoes the request salt.
func newResponseWriter(w io.Writer, key, requestSalt []byte) *chunkWriter {
	return &chunkWriter{w: w, mask: maxPayload2022, start: func(cw *chunkWriter, first []byte) (int, error) {
		salt := make([]byte, len(key))
		if _, err := rand.Read(salt); err != nil {
			return 0, err
		}
		aead, err := newGCM(sessionSubkey(key, salt))
		if err != nil {
			return 0, err
		}
		cw.use(aead)

		size := min(len(first), cw.mask)
		fixed := make([]byte, 1+8+len(requestSalt)+2)
		fixed[0] = headerTypeServer
		binary.BigEndian.PutUint64(fixed[1:], uint64(time.Now().Unix()))
		copy(fixed[9:], requestSalt)
		binary.BigEndian.PutUint16(fixed[9+len(requestSalt):], uint16(size))

		out := make([]byte, 0, len(salt)+len(fixed)+size+2*aead.Overhead())
		out = append(out, salt...)
		out = cw.seal(out, fixed)
		out = cw.seal(out, first[:size])
		if _, err := cw.w.Write(out); err != nil {
			return 0, err
		}
		return size, nil
	}}
}

// openPacket2022 authenticates a 2022 UDP packet:
// [block-sealed session id, packet id][identity header][sealed body].
func (s *server) openPacket2022(dst, pkt []byte) (*packet, error) {
	if len(pkt) < 2*udpHeaderSize+16+1+8+2 {
		return nil, errShortPacket
	}
	var hdr, h [udpHeaderSize]byte
	s.pskBlock.Decrypt(hdr[:], pkt[:udpHeaderSize])
	s.pskBlock.Decrypt(h[:], pkt[udpHeaderSize:2*udpHeaderSize])
	subtle.XORBytes(h[:], h[:], hdr[:])
	u := s.lookup(h)
	if u == nil {
		return nil, errNoUser
	}

	aead, err := newGCM(sessionSubkey(u.key, hdr[:sessionIDSize]))
	if err != nil {
		return nil, err
	}
	body, err := aead.Open(dst[:0], hdr[4:16], pkt[2*udpHeaderSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadHeader, err)
	}
	if len(body) < 1+8+2 || body[0] != headerTypeClient {
		return nil, errBadHeader
	}
	if err := checkTimestamp(binary.BigEndian.Uint64(body[1:9])); err != nil {
		return nil, err
	}
	pad := int(binary.BigEndian.Uint16(body[9:11]))
	rest := body[11:]
	if len(rest) < pad {
		return nil, fmt.Errorf("%w: padding %d", errBadHeader, pad)
	}
	rest = rest[pad:]
	target := socks.SplitAddr(rest)
	if target == nil {
		return nil, fmt.Errorf("%w: target address", errBadHeader)
	}
	return &packet{
		user:    u,
		target:  target,
		data:    rest[len(target):],
		session: binary.BigEndian.Uint64(hdr[:sessionIDSize]),
		id:      binary.BigEndian.Uint64(hdr[sessionIDSize:]),
	}, nil
}

// replySession seals replies of one 2022 association under a server
// session id of its own.
type replySession struct {
	id     uint64
	next   uint64
	client uint64
	block  cipher.Block
	aead   cipher.AEAD
	window replayWindow
}

func newReplySession(key []byte, client uint64) (*replySession, error) {
	var id [sessionIDSize]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(sessionSubkey(key, id[:]))
	if err != nil {
		return nil, err
	}
	return &replySession{id: binary.BigEndian.Uint64(id[:]), client: client, block: block, aead: aead}, nil
}

// replyPrefixLen is the body header ahead of the target address.
const replyPrefixLen = 1 + 8 + sessionIDSize + 2

// seal builds [header][sealed body] into dst. body must start with
// replyPrefixLen free bytes followed by the target address and payload.
func (rs *replySession) seal(dst, body []byte) ([]byte, error) {
	if len(dst) < udpHeaderSize+len(body)+rs.aead.Overhead() {
		return nil, io.ErrShortBuffer
	}
	body[0] = headerTypeServer
	binary.BigEndian.PutUint64(body[1:], uint64(time.Now().Unix()))
	binary.BigEndian.PutUint64(body[9:], rs.client)
	binary.BigEndian.PutUint16(body[17:], 0)

	hdr := dst[:udpHeaderSize]
	binary.BigEndian.PutUint64(hdr, rs.id)
	binary.BigEndian.PutUint64(hdr[sessionIDSize:], rs.next)
	rs.next++

	sealed := rs.aead.Seal(dst[udpHeaderSize:udpHeaderSize], hdr[4:16], body, nil)
	rs.block.Encrypt(hdr, hdr)
	return dst[:udpHeaderSize+len(sealed)], nil
}

// replayWindow is a sliding bitmap of the last 64 packet ids.
type replayWindow struct {
	last uint64
	bits uint64
	init bool
}

func (w *replayWindow) accept(id uint64) bool {
	const size = 64
	if !w.init {
		w.init, w.last, w.bits = true, id, 1
		return true
	}
	if id > w.last {
		if shift := id - w.last; shift < size {
			w.bits = w.bits<<shift | 1
		} else {
			w.bits = 1
		}
		w.last = id
		return true
	}
	diff := w.last - id
	if diff >= size {
		return false
	}
	mask := uint64(1) << diff
	if w.bits&mask != 0 {
		return false
	}
	w.bits |= mask
	return true
}
