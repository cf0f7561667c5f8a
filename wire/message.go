package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message IDs, per BEP-3.
const (
	Choke         byte = 0
	Unchoke       byte = 1
	Interested    byte = 2
	NotInterested byte = 3
	Have          byte = 4
	Bitfield      byte = 5
	Request       byte = 6
	Piece         byte = 7
)

// BlockSize is the unit of transfer; every requested block is this size
// except possibly the final block of the final piece.
const BlockSize = 16384

var (
	// ErrBadProtocol is returned when a handshake carries an unexpected
	// pstrlen or protocol tag.
	ErrBadProtocol = errors.New("wire: bad protocol tag")
	// ErrMessageTooLarge guards against a hostile or corrupt length
	// prefix causing an unbounded allocation.
	ErrMessageTooLarge = errors.New("wire: message exceeds maximum size")
)

// MaxMessageLen bounds an accepted message payload: one block plus the
// 9-byte PIECE header, rounded up generously for BITFIELD.
const MaxMessageLen = BlockSize + 1<<16

// Message is a single parsed PWP message. A KeepAlive is represented as
// a Message with ID == keepAliveID (never observed by callers; use
// IsKeepAlive) and no payload.
type Message struct {
	ID      byte
	Payload []byte
}

const keepAliveID = 0xff // sentinel, never appears on the wire

// IsKeepAlive reports whether m represents a zero-length keep-alive.
func (m Message) IsKeepAlive() bool { return m.ID == keepAliveID }

// KeepAlive constructs the sentinel keep-alive message.
func KeepAlive() Message { return Message{ID: keepAliveID} }

// Encode serializes m into its length-prefixed wire form.
func (m Message) Encode() []byte {
	if m.IsKeepAlive() {
		return []byte{0, 0, 0, 0}
	}
	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(m.Payload)))
	buf[4] = m.ID
	copy(buf[5:], m.Payload)
	return buf
}

// Write encodes and writes m to w.
func Write(w io.Writer, m Message) error {
	_, err := w.Write(m.Encode())
	return err
}

// Read parses one framed message from r, blocking until the length
// prefix and full payload have arrived.
func Read(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return KeepAlive(), nil
	}
	if n > MaxMessageLen {
		return Message{}, ErrMessageTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read message body: %w", err)
	}
	payload := body[1:]
	if len(payload) == 0 {
		payload = nil
	}
	return Message{ID: body[0], Payload: payload}, nil
}

// HaveIndex builds a HAVE message for the given piece index.
func HaveIndex(index uint32) Message {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return Message{ID: Have, Payload: buf}
}

// ParseHave extracts the piece index from a HAVE message payload.
func ParseHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("wire: malformed have payload (%d bytes)", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// RequestPayload identifies a block within a piece.
type RequestPayload struct {
	Index, Begin, Length uint32
}

// NewRequest builds a REQUEST message.
func NewRequest(index, begin, length uint32) Message {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	binary.BigEndian.PutUint32(buf[8:12], length)
	return Message{ID: Request, Payload: buf}
}

// ParseRequest decodes a REQUEST (or CANCEL-shaped) payload.
func ParseRequest(payload []byte) (RequestPayload, error) {
	if len(payload) != 12 {
		return RequestPayload{}, fmt.Errorf("wire: malformed request payload (%d bytes)", len(payload))
	}
	return RequestPayload{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// PiecePayload identifies a block's placement in the file.
type PiecePayload struct {
	Index, Begin uint32
	Block        []byte
}

// NewPiece builds a PIECE message carrying block.
func NewPiece(index, begin uint32, block []byte) Message {
	buf := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	copy(buf[8:], block)
	return Message{ID: Piece, Payload: buf}
}

// ParsePiece decodes a PIECE payload.
func ParsePiece(payload []byte) (PiecePayload, error) {
	if len(payload) < 8 {
		return PiecePayload{}, fmt.Errorf("wire: malformed piece payload (%d bytes)", len(payload))
	}
	return PiecePayload{
		Index: binary.BigEndian.Uint32(payload[0:4]),
		Begin: binary.BigEndian.Uint32(payload[4:8]),
		Block: payload[8:],
	}, nil
}

// NewBitfield builds a BITFIELD message.
func NewBitfield(bf []byte) Message {
	return Message{ID: Bitfield, Payload: append([]byte(nil), bf...)}
}

// Simple builds a payload-less message (CHOKE/UNCHOKE/INTERESTED/NOT_INTERESTED).
func Simple(id byte) Message { return Message{ID: id} }
