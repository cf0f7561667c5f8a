package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeepAliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, KeepAlive()))
	require.Equal(t, []byte{0, 0, 0, 0}, buf.Bytes())

	got, err := Read(&buf)
	require.NoError(t, err)
	require.True(t, got.IsKeepAlive())
}

func TestSimpleMessagesRoundTrip(t *testing.T) {
	for _, id := range []byte{Choke, Unchoke, Interested, NotInterested} {
		var buf bytes.Buffer
		orig := Simple(id)
		require.NoError(t, Write(&buf, orig))

		got, err := Read(&buf)
		require.NoError(t, err)
		require.Equal(t, orig, got)
	}
}

func TestHaveRoundTrip(t *testing.T) {
	for _, idx := range []uint32{0, 1, 4294967295} {
		msg := HaveIndex(idx)
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, msg))

		got, err := Read(&buf)
		require.NoError(t, err)
		require.Equal(t, msg, got)

		parsed, err := ParseHave(got.Payload)
		require.NoError(t, err)
		require.Equal(t, idx, parsed)
	}
}

func TestBitfieldRoundTripSpareBitsPreserved(t *testing.T) {
	bf := []byte{0x80, 0x00}
	msg := NewBitfield(bf)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, msg))

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, bf, got.Payload)
}

func TestRequestRoundTrip(t *testing.T) {
	msg := NewRequest(3, 16384, BlockSize)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, msg))

	got, err := Read(&buf)
	require.NoError(t, err)

	req, err := ParseRequest(got.Payload)
	require.NoError(t, err)
	require.Equal(t, RequestPayload{Index: 3, Begin: 16384, Length: BlockSize}, req)
}

func TestPieceRoundTrip(t *testing.T) {
	block := bytes.Repeat([]byte{0xAB}, BlockSize)
	msg := NewPiece(2, 0, block)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, msg))

	got, err := Read(&buf)
	require.NoError(t, err)

	p, err := ParsePiece(got.Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(2), p.Index)
	require.Equal(t, uint32(0), p.Begin)
	require.Equal(t, block, p.Block)
}

func TestReadRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	lenPrefix := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(lenPrefix)
	_, err := Read(&buf)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], bytes.Repeat([]byte{0x11}, 20))
	copy(peerID[:], bytes.Repeat([]byte{0x22}, 20))

	hs := Handshake{InfoHash: infoHash, PeerID: peerID}
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, hs))
	require.Len(t, buf.Bytes(), handshakeLen)

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	require.Equal(t, hs, got)
}

func TestHandshakeRejectsBadProtocolTag(t *testing.T) {
	buf := make([]byte, handshakeLen)
	buf[0] = pstrlen
	copy(buf[1:], "some other protocol")
	_, err := ReadHandshake(bytes.NewReader(buf))
	require.ErrorIs(t, err, ErrBadProtocol)
}
