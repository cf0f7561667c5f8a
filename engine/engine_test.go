package engine

import (
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"urtorrent/metainfo"
	"urtorrent/peerconn"
	"urtorrent/store"
)

func testInfo(t *testing.T, pieceLength int64, pieceData [][]byte) *metainfo.Info {
	t.Helper()
	hashes := make([][20]byte, len(pieceData))
	var total int64
	for i, p := range pieceData {
		hashes[i] = sha1.Sum(p)
		total += int64(len(p))
	}
	last := total % pieceLength
	if last == 0 {
		last = pieceLength
	}
	return &metainfo.Info{
		PieceLength:     pieceLength,
		LastPieceLength: last,
		PieceCount:      len(pieceData),
		PieceHashes:     hashes,
		FileSize:        total,
	}
}

func newTestEngine(t *testing.T, pieceLength int64, pieceData [][]byte) (*Engine, *metainfo.Info) {
	t.Helper()
	info := testInfo(t, pieceLength, pieceData)
	dir := t.TempDir()
	fs, err := store.OpenLeecher(filepath.Join(dir, "out.bin"), info.FileSize)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	log := logrus.NewEntry(logrus.New())
	e := New(info, fs, nil, log)
	return e, info
}

func TestWriteBlockAccumulatesAndVerifies(t *testing.T) {
	piece := []byte("0123456789abcdef") // 16 bytes, one block
	e, _ := newTestEngine(t, 16, [][]byte{piece})

	require.False(t, e.HasPiece(0))
	result, err := e.WriteBlock(0, 0, piece)
	require.NoError(t, err)
	require.Equal(t, peerconn.PieceVerified, result)
	require.True(t, e.HasPiece(0))
}

func TestWriteBlockPartialThenComplete(t *testing.T) {
	piece := []byte("0123456789abcdef")
	e, _ := newTestEngine(t, 16, [][]byte{piece})

	result, err := e.WriteBlock(0, 0, piece[:8])
	require.NoError(t, err)
	require.Equal(t, peerconn.BlockAccepted, result)
	require.False(t, e.HasPiece(0))
	require.Equal(t, int64(8), e.Progress(0))

	result, err = e.WriteBlock(0, 8, piece[8:])
	require.NoError(t, err)
	require.Equal(t, peerconn.PieceVerified, result)
	require.True(t, e.HasPiece(0))
}

func TestWriteBlockCorruptionResetsProgress(t *testing.T) {
	piece := []byte("0123456789abcdef")
	e, _ := newTestEngine(t, 16, [][]byte{piece})

	garbage := []byte("################")
	result, err := e.WriteBlock(0, 0, garbage)
	require.NoError(t, err)
	require.Equal(t, peerconn.PieceCorrupt, result)
	require.False(t, e.HasPiece(0))
	require.Equal(t, int64(0), e.Progress(0))
}

func TestClaimPieceExclusivity(t *testing.T) {
	e, _ := newTestEngine(t, 16, [][]byte{[]byte("0123456789abcdef")})

	require.True(t, e.ClaimPiece(0, "peerA"))
	require.False(t, e.ClaimPiece(0, "peerB"))
	require.True(t, e.ClaimPiece(0, "peerA"))

	e.ReleasePiece(0, "peerA")
	require.True(t, e.ClaimPiece(0, "peerB"))
}

func TestBlockLengthClampsToPieceEnd(t *testing.T) {
	piece := make([]byte, 20)
	e, _ := newTestEngine(t, 20, [][]byte{piece})

	require.EqualValues(t, 20, e.BlockLength(0, 0))
	require.EqualValues(t, 4, e.BlockLength(0, 16))
	require.EqualValues(t, 0, e.BlockLength(0, 20))
}

func TestOnBitfieldRejectsWrongLength(t *testing.T) {
	e, _ := newTestEngine(t, 16, [][]byte{[]byte("0123456789abcdef"), []byte("fedcba9876543210")})
	err := e.OnBitfield("peerA", []byte{0x00, 0x00})
	require.Error(t, err)
}

func TestOnBitfieldRejectsSpareBits(t *testing.T) {
	e, _ := newTestEngine(t, 16, [][]byte{[]byte("0123456789abcdef"), []byte("fedcba9876543210")})
	err := e.OnBitfield("peerA", []byte{0xff})
	require.Error(t, err)
}

func TestOnBitfieldAcceptsValidAndUpdatesRarity(t *testing.T) {
	e, _ := newTestEngine(t, 16, [][]byte{[]byte("0123456789abcdef"), []byte("fedcba9876543210")})
	err := e.OnBitfield("peerA", []byte{0xc0})
	require.NoError(t, err)
	require.Equal(t, 1, e.RarityOf(0))
	require.Equal(t, 1, e.RarityOf(1))
}

func TestOnHaveOutOfRange(t *testing.T) {
	e, _ := newTestEngine(t, 16, [][]byte{[]byte("0123456789abcdef")})
	err := e.OnHave("peerA", 5)
	require.Error(t, err)
}
