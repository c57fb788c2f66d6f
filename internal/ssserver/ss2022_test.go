package ssserver

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/socks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbes/shadowsocks-panel-node/internal/engine"
	"github.com/bigbes/shadowsocks-panel-node/internal/keys"
	"github.com/bigbes/shadowsocks-panel-node/internal/outline"
)

const test2022Cipher = "2022-blake3-aes-256-gcm"

var serverPSK = []byte("0f1e2d3c-4b5a-6978-8796-a5b4c3d2")

func start2022(t *testing.T, opts engine.Options, users []engine.User, rec *recorder) *server {
	t.Helper()
	e := &Engine{ListenHost: "127.0.0.1", Dialer: &outline.DirectDialer{}, Logger: slog.Default()}
	inst, err := e.Start(engine.Config{Cipher: test2022Cipher, ServerKey: keys.Encode(serverPSK), Options: opts}, users, rec.record)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Stop() })
	return inst.(*server)
}

// requestWriter seals the client half of a 2022 stream. The first write
// travels in the variable header.
func requestWriter(w io.Writer, key []byte, target string, ts time.Time) (*chunkWriter, []byte) {
	salt := make([]byte, len(key))
	rand.Read(salt)

	return &chunkWriter{w: w, mask: maxPayload2022, start: func(cw *chunkWriter, first []byte) (int, error) {
		block, err := aes.NewCipher(identitySubkey(serverPSK, salt))
		if err != nil {
			return 0, err
		}
		h := keyHash(key)
		eih := make([]byte, aes.BlockSize)
		block.Encrypt(eih, h[:])

		aead, err := newGCM(sessionSubkey(key, salt))
		if err != nil {
			return 0, err
		}
		cw.use(aead)

		initial := first[:min(len(first), 1024)]
		vh := append([]byte{}, socks.ParseAddr(target)...)
		vh = append(vh, 0, 0)
		vh = append(vh, initial...)

		fixed := make([]byte, 1+8+2)
		fixed[0] = headerTypeClient
		binary.BigEndian.PutUint64(fixed[1:], uint64(ts.Unix()))
		binary.BigEndian.PutUint16(fixed[9:], uint16(len(vh)))

		out := append(append([]byte{}, salt...), eih...)
		out = cw.seal(out, fixed)
		out = cw.seal(out, vh)
		if _, err := cw.w.Write(out); err != nil {
			return 0, err
		}
		return len(initial), nil
	}}, salt
}

// responseReader opens the server half of a 2022 stream.
type responseReader struct {
	conn    io.Reader
	key     []byte
	reqSalt []byte
	r       io.Reader
}

func (r *responseReader) Read(p []byte) (int, error) {
	if r.r == nil {
		salt := make([]byte, len(r.key))
		if _, err := io.ReadFull(r.conn, salt); err != nil {
			return 0, err
		}
		aead, err := newGCM(sessionSubkey(r.key, salt))
		if err != nil {
			return 0, err
		}
		cr := newChunkReaderSize(r.conn, aead, maxPayload2022)
		fixed, err := cr.open(make([]byte, 1+8+len(r.reqSalt)+2+aead.Overhead()))
		if err != nil {
			return 0, err
		}
		if fixed[0] != headerTypeServer || !bytes.Equal(fixed[9:9+len(r.reqSalt)], r.reqSalt) {
			return 0, errors.New("bad response header")
		}
		size := int(binary.BigEndian.Uint16(fixed[9+len(r.reqSalt):]))
		first, err := cr.open(make([]byte, size+aead.Overhead()))
		if err != nil {
			return 0, err
		}
		r.r = io.MultiReader(bytes.NewReader(first), cr)
	}
	return r.r.Read(p)
}

type conn2022 struct {
	net.Conn
	w io.Writer
	r io.Reader
}

func (c *conn2022) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *conn2022) Read(p []byte) (int, error)  { return c.r.Read(p) }

func dial2022(t *testing.T, s *server, key []byte, target string, ts time.Time) net.Conn {
	t.Helper()
	raw, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	w, salt := requestWriter(raw, key, target, ts)
	return &conn2022{Conn: raw, w: w, r: &responseReader{conn: raw, key: key, reqSalt: salt}}
}

func assertNoReply(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func Test2022TCPRelayCountsTraffic(t *testing.T) {
	rec := &recorder{}
	s := start2022(t, engine.Options{Mode: engine.ModeTCPOnly}, []engine.User{
		{ID: 1, Key: keyAlice},
		{ID: 2, Key: keyBob},
	}, rec)
	echo := tcpEcho(t)

	roundTrip(t, dial2022(t, s, keyAlice, echo, time.Now()), "hello")
	roundTrip(t, dial2022(t, s, keyBob, echo, time.Now()), "hi")

	up, down := rec.totals(1)
	assert.Equal(t, uint64(5), up)
	assert.Equal(t, uint64(5), down)
	up, down = rec.totals(2)
	assert.Equal(t, uint64(2), up)
	assert.Equal(t, uint64(2), down)
}

func Test2022TCPLargeTransfer(t *testing.T) {
	rec := &recorder{}
	s := start2022(t, engine.Options{Mode: engine.ModeTCPOnly}, []engine.User{{ID: 7, Key: keyAlice}}, rec)
	conn := dial2022(t, s, keyAlice, tcpEcho(t), time.Now())

	msg := string(bytes.Repeat([]byte("x"), maxPayload2022+17))
	roundTrip(t, conn, msg)

	up, down := rec.totals(7)
	assert.Equal(t, uint64(len(msg)), up)
	assert.Equal(t, uint64(len(msg)), down)
}

func Test2022TCPRejectsBadHandshakes(t *testing.T) {
	rec := &recorder{}
	s := start2022(t, engine.Options{Mode: engine.ModeTCPOnly, Timeout: 200 * time.Millisecond},
		[]engine.User{{ID: 1, Key: keyAlice}}, rec)
	echo := tcpEcho(t)

	t.Run("unknown user", func(t *testing.T) {
		conn := dial2022(t, s, keyBob, echo, time.Now())
		_, err := conn.Write([]byte("hello"))
		require.NoError(t, err)
		assertNoReply(t, conn)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		conn := dial2022(t, s, keyAlice, echo, time.Now().Add(-2*time.Minute))
		_, err := conn.Write([]byte("hello"))
		require.NoError(t, err)
		assertNoReply(t, conn)
	})

	t.Run("replayed salt", func(t *testing.T) {
		var recorded bytes.Buffer
		w, _ := requestWriter(&recorded, keyAlice, echo, time.Now())
		_, err := w.Write([]byte("hello"))
		require.NoError(t, err)

		first := dial2022(t, s, keyAlice, echo, time.Now()).(*conn2022)
		_, err = first.Conn.Write(recorded.Bytes())
		require.NoError(t, err)
		first.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = io.ReadFull(first.Conn, make([]byte, 1))
		require.NoError(t, err, "first use of the salt is served")

		again := dial2022(t, s, keyAlice, echo, time.Now()).(*conn2022)
		_, err = again.Conn.Write(recorded.Bytes())
		require.NoError(t, err)
		again.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		_, err = again.Conn.Read(make([]byte, 1))
		assert.Error(t, err)
	})

	up, _ := rec.totals(1)
	assert.Equal(t, uint64(5), up, "only the first replayed request is relayed")
}

func Test2022RemoveUserClosesConnection(t *testing.T) {
	s := start2022(t, engine.Options{Mode: engine.ModeTCPOnly}, []engine.User{{ID: 3, Key: keyAlice}}, &recorder{})
	conn := dial2022(t, s, keyAlice, tcpEcho(t), time.Now())
	roundTrip(t, conn, "before")

	require.NoError(t, s.RemoveUser(3))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Nil(t, s.lookup(keyHash(keyAlice)))
}

func sealPacket2022(key []byte, session, id uint64, target string, payload []byte) []byte {
	hdr := make([]byte, udpHeaderSize)
	binary.BigEndian.PutUint64(hdr, session)
	binary.BigEndian.PutUint64(hdr[sessionIDSize:], id)

	block, _ := aes.NewCipher(serverPSK)
	h := keyHash(key)
	eih := make([]byte, aes.BlockSize)
	subtle.XORBytes(eih, h[:], hdr)
	block.Encrypt(eih, eih)

	body := make([]byte, 1+8+2, 64)
	body[0] = headerTypeClient
	binary.BigEndian.PutUint64(body[1:], uint64(time.Now().Unix()))
	body = append(body, socks.ParseAddr(target)...)
	body = append(body, payload...)

	aead, _ := newGCM(sessionSubkey(key, hdr[:sessionIDSize]))
	sealed := aead.Seal(nil, hdr[4:16], body, nil)
	block.Encrypt(hdr, hdr)

	pkt := append(hdr, eih...)
	return append(pkt, sealed...)
}

func openReply2022(t *testing.T, key []byte, session uint64, pkt []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	require.Greater(t, len(pkt), udpHeaderSize)
	hdr := make([]byte, udpHeaderSize)
	block.Decrypt(hdr, pkt[:udpHeaderSize])

	aead, err := newGCM(sessionSubkey(key, hdr[:sessionIDSize]))
	require.NoError(t, err)
	body, err := aead.Open(nil, hdr[4:16], pkt[udpHeaderSize:], nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(body), replyPrefixLen)
	assert.Equal(t, byte(headerTypeServer), body[0])
	assert.Equal(t, session, binary.BigEndian.Uint64(body[9:]))
	return body[replyPrefixLen:]
}

func Test2022UDPRelay(t *testing.T) {
	rec := &recorder{}
	s := start2022(t, engine.Options{Mode: engine.ModeUDPOnly}, []engine.User{{ID: 4, Key: keyAlice}}, rec)
	echo := udpEcho(t)
	target := socks.ParseAddr(echo)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	const session = 0x1122334455667788
	read := func() []byte {
		pc.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 2048)
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		return openReply2022(t, keyAlice, session, buf[:n])
	}

	ping := sealPacket2022(keyAlice, session, 0, echo, []byte("ping"))
	_, err = pc.WriteTo(ping, s.UDPAddr())
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, target...), "ping"...), read())

	// The replayed packet is dropped, so the next reply is for the new one.
	_, err = pc.WriteTo(ping, s.UDPAddr())
	require.NoError(t, err)
	_, err = pc.WriteTo(sealPacket2022(keyAlice, session, 1, echo, []byte("pong")), s.UDPAddr())
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, target...), "pong"...), read())

	assert.Eventually(t, func() bool {
		up, down := rec.totals(4)
		return up == 8 && down == 8
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.nat.len())
}

func Test2022OpenPacket(t *testing.T) {
	rec := &recorder{}
	s := start2022(t, engine.Options{Mode: engine.ModeUDPOnly}, []engine.User{{ID: 4, Key: keyAlice}}, rec)

	p, err := s.openPacket2022(make([]byte, maxPacketSize), sealPacket2022(keyBob, 1, 0, udpEcho(t), []byte("x")))
	assert.ErrorIs(t, err, errNoUser)
	assert.Nil(t, p)

	p, err = s.openPacket2022(make([]byte, maxPacketSize), sealPacket2022(keyAlice, 1, 0, "127.0.0.1:53", []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, 4, p.user.id)
	assert.Equal(t, uint64(1), p.session)
	assert.Equal(t, "x", string(p.data))
}

func TestReplayWindow(t *testing.T) {
	var w replayWindow
	assert.True(t, w.accept(10))
	assert.False(t, w.accept(10))
	assert.True(t, w.accept(12))
	assert.True(t, w.accept(11))
	assert.False(t, w.accept(11))
	assert.True(t, w.accept(200))
	assert.False(t, w.accept(12), "older than the window")
	assert.True(t, w.accept(150))
}

func TestSaltPool(t *testing.T) {
	p := newSaltPool()
	assert.True(t, p.add([]byte("salt-a")))
	assert.False(t, p.add([]byte("salt-a")))
	assert.True(t, p.add([]byte("salt-b")))

	p.seen["salt-a"] = time.Now().Add(-time.Hour)
	assert.True(t, p.add([]byte("salt-a")), "expired salts are accepted again")
}

func TestTimestampWindow(t *testing.T) {
	now := time.Now()
	assert.NoError(t, checkTimestamp(uint64(now.Unix())))
	assert.NoError(t, checkTimestamp(uint64(now.Add(-20*time.Second).Unix())))
	assert.ErrorIs(t, checkTimestamp(uint64(now.Add(-time.Minute).Unix())), errTimestamp)
	assert.ErrorIs(t, checkTimestamp(uint64(now.Add(time.Minute).Unix())), errTimestamp)
}
