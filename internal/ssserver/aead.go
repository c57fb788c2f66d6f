package ssserver

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"github.com/shadowsocks/go-shadowsocks2/shadowaead"
)

// payloadSizeMask is the largest payload of one AEAD stream chunk.
const payloadSizeMask = 0x3FFF

var errShortPacket = errors.New("short packet")

func increment(nonce []byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}

// chunkReader decrypts an AEAD stream: [len][len tag][payload][payload tag],
// each sealed with a little-endian counter nonce.
type chunkReader struct {
	r     io.Reader
	aead  cipher.AEAD
	mask  int
	nonce []byte
	buf   []byte
	left  []byte
}

func newChunkReader(r io.Reader, aead cipher.AEAD) *chunkReader {
	return newChunkReaderSize(r, aead, payloadSizeMask)
}

func newChunkReaderSize(r io.Reader, aead cipher.AEAD, mask int) *chunkReader {
	return &chunkReader{
		r:     r,
		aead:  aead,
		mask:  mask,
		nonce: make([]byte, aead.NonceSize()),
		buf:   make([]byte, 2+aead.Overhead()+mask+aead.Overhead()),
	}
}

// open reads len(buf) sealed bytes and decrypts them in place with the
// next nonce.
func (r *chunkReader) open(buf []byte) ([]byte, error) {
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	plain, err := r.aead.Open(buf[:0], r.nonce, buf, nil)
	if err != nil {
		return nil, err
	}
	increment(r.nonce)
	return plain, nil
}

func (r *chunkReader) readChunk() ([]byte, error) {
	overhead := r.aead.Overhead()

	head, err := r.open(r.buf[:2+overhead])
	if err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint16(head)) & r.mask
	return r.open(r.buf[:size+overhead])
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.left) == 0 {
		chunk, err := r.readChunk()
		if err != nil {
			return 0, err
		}
		r.left = chunk
	}
	n := copy(p, r.left)
	r.left = r.left[n:]
	return n, nil
}

// chunkWriter encrypts an AEAD stream. start runs before the first chunk:
// it picks the cipher, sends the salt and may consume a prefix of the
// first write.
type chunkWriter struct {
	w     io.Writer
	mask  int
	start func(w *chunkWriter, first []byte) (int, error)
	aead  cipher.AEAD
	nonce []byte
	buf   []byte
}

func newChunkWriter(w io.Writer, ciph shadowaead.Cipher) *chunkWriter {
	return &chunkWriter{w: w, mask: payloadSizeMask, start: func(cw *chunkWriter, _ []byte) (int, error) {
		salt := make([]byte, ciph.SaltSize())
		if _, err := rand.Read(salt); err != nil {
			return 0, err
		}
		aead, err := ciph.Encrypter(salt)
		if err != nil {
			return 0, err
		}
		cw.use(aead)
		_, err = cw.w.Write(salt)
		return 0, err
	}}
}

func (w *chunkWriter) use(aead cipher.AEAD) {
	w.aead = aead
	w.nonce = make([]byte, aead.NonceSize())
	w.buf = make([]byte, 2+aead.Overhead()+w.mask+aead.Overhead())
}

// seal appends plain sealed with the next nonce to dst.
func (w *chunkWriter) seal(dst, plain []byte) []byte {
	out := w.aead.Seal(dst, w.nonce, plain, nil)
	increment(w.nonce)
	return out
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	if w.aead == nil {
		n, err := w.start(w, p)
		if err != nil {
			return 0, err
		}
		written, p = n, p[n:]
	}

	overhead := w.aead.Overhead()
	for len(p) > 0 {
		size := min(len(p), w.mask)
		buf := w.buf[:2+overhead+size+overhead]

		binary.BigEndian.PutUint16(buf, uint16(size))
		w.seal(buf[:0], buf[:2])
		w.seal(buf[2+overhead:2+overhead], p[:size])

		if _, err := w.w.Write(buf); err != nil {
			return written, err
		}
		written += size
		p = p[size:]
	}
	return written, nil
}

// openPacket decrypts a UDP packet [salt][sealed payload] into dst.
func openPacket(dst, pkt []byte, ciph shadowaead.Cipher) ([]byte, error) {
	saltSize := ciph.SaltSize()
	if len(pkt) < saltSize {
		return nil, errShortPacket
	}
	aead, err := ciph.Decrypter(pkt[:saltSize])
	if err != nil {
		return nil, err
	}
	if len(pkt) < saltSize+aead.Overhead() {
		return nil, errShortPacket
	}
	return aead.Open(dst[:0], make([]byte, aead.NonceSize()), pkt[saltSize:], nil)
}

// sealPacket encrypts plaintext into dst as [salt][sealed payload].
func sealPacket(dst, plaintext []byte, ciph shadowaead.Cipher) ([]byte, error) {
	saltSize := ciph.SaltSize()
	salt := dst[:saltSize]
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := ciph.Encrypter(salt)
	if err != nil {
		return nil, err
	}
	if len(dst) < saltSize+len(plaintext)+aead.Overhead() {
		return nil, io.ErrShortBuffer
	}
	sealed := aead.Seal(dst[saltSize:saltSize], make([]byte, aead.NonceSize()), plaintext, nil)
	return dst[:saltSize+len(sealed)], nil
}
