// Package wire implements the Peer Wire Protocol codec: the fixed
// handshake preamble and the length-prefixed message stream. Nothing in
// this package touches a socket; it only turns bytes into typed values
// and back.
package wire

import (
	"fmt"
	"io"
)

const (
	// ProtocolTag is the fixed protocol name carried in every handshake.
	ProtocolTag = "URTorrent protocol"

	pstrlen      = byte(len(ProtocolTag))
	handshakeLen = 1 + len(ProtocolTag) + 8 + 20 + 20
)

// Handshake is the 67-byte connection preamble exchanged before any PWP
// message: <pstrlen><pstr><reserved(8)><info_hash(20)><peer_id(20)>.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal encodes the handshake into its fixed 67-byte wire form.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = pstrlen
	copy(buf[1:], ProtocolTag)
	// bytes [1+len(ProtocolTag) : 1+len(ProtocolTag)+8) stay zero (reserved)
	off := 1 + len(ProtocolTag) + 8
	copy(buf[off:off+20], h.InfoHash[:])
	copy(buf[off+20:off+40], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates a handshake from r. The pstrlen
// byte and protocol tag are checked; the reserved bytes are skipped
// without inspection, and the caller is responsible for comparing
// InfoHash against its own.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var hs Handshake
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return hs, fmt.Errorf("read handshake: %w", err)
	}
	if buf[0] != pstrlen {
		return hs, fmt.Errorf("%w: pstrlen %d", ErrBadProtocol, buf[0])
	}
	off := 1
	if string(buf[off:off+len(ProtocolTag)]) != ProtocolTag {
		return hs, fmt.Errorf("%w: protocol tag mismatch", ErrBadProtocol)
	}
	off += len(ProtocolTag) + 8
	copy(hs.InfoHash[:], buf[off:off+20])
	copy(hs.PeerID[:], buf[off+20:off+40])
	return hs, nil
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Marshal())
	return err
}
