// Package metainfo parses .torrent files into immutable geometry: the
// announce URL, per-piece SHA-1 hashes, and a locally generated peer
// identity. Bencode decoding of the typed fields is delegated to
// jackpal/bencode-go, treated as a pure bytes-to-tree collaborator; the
// info-hash still requires a manual scan of the source bytes because
// that library exposes no byte-offset hooks (see rawInfoSpan).
package metainfo

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	bencode "github.com/jackpal/bencode-go"
	pkgerrors "github.com/pkg/errors"
)

// MaxFileSize is the largest metainfo file this parser will accept.
const MaxFileSize = 8192

// HashSize is the length in bytes of a SHA-1 digest.
const HashSize = 20

var (
	// ErrSize corresponds to the ERR_SIZE fatal category: the file
	// exceeds MaxFileSize.
	ErrSize = errors.New("metainfo: file exceeds 8192 bytes")
	// ErrParse corresponds to ERR_PARSE: malformed bencode or an
	// unexpected top-level type.
	ErrParse = errors.New("metainfo: malformed torrent file")
	// ErrUnsupported flags a metainfo file describing functionality
	// outside this client's scope (multi-file torrents).
	ErrUnsupported = errors.New("metainfo: multi-file torrents are not supported")
)

const peerIDPrefix = "-UR1010-"

// Info is the immutable geometry of a single-file torrent.
type Info struct {
	AnnounceURL     string
	InfoHash        [HashSize]byte
	PeerID          [HashSize]byte
	FileName        string
	PieceLength     int64
	LastPieceLength int64
	PieceCount      int
	PieceHashes     [][HashSize]byte
	FileSize        int64
}

// PieceLen returns the length in bytes of piece i.
func (info *Info) PieceLen(i int) int64 {
	if i == info.PieceCount-1 {
		return info.LastPieceLength
	}
	return info.PieceLength
}

// decodedTorrent mirrors the bencode dictionary shape we accept.
type decodedTorrent struct {
	Announce string                 `bencode:"announce"`
	Info     map[string]interface{} `bencode:"info"`
}

// Parse reads and validates a .torrent file at path, returning its
// geometry with a freshly generated peer id.
func Parse(path string) (*Info, error) {
	raw, err := readBounded(path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(raw)
}

// ParseBytes parses raw metainfo bytes already held in memory.
func ParseBytes(raw []byte) (*Info, error) {
	if len(raw) > MaxFileSize {
		return nil, ErrSize
	}

	var dec decodedTorrent
	if err := bencode.Unmarshal(bytesReader(raw), &dec); err != nil {
		return nil, pkgerrors.Wrap(ErrParse, err.Error())
	}
	if dec.Announce == "" || dec.Info == nil {
		return nil, ErrParse
	}

	if _, multiFile := dec.Info["files"]; multiFile {
		return nil, ErrUnsupported
	}

	name, ok := dec.Info["name"].(string)
	if !ok {
		return nil, ErrParse
	}
	pieceLength, err := asInt64(dec.Info["piece length"])
	if err != nil {
		return nil, pkgerrors.Wrap(ErrParse, "piece length")
	}
	if pieceLength <= 0 {
		return nil, ErrParse
	}
	length, err := asInt64(dec.Info["length"])
	if err != nil {
		return nil, pkgerrors.Wrap(ErrParse, "length")
	}
	piecesStr, ok := dec.Info["pieces"].(string)
	if !ok {
		return nil, ErrParse
	}
	if len(piecesStr)%HashSize != 0 {
		return nil, ErrParse
	}

	pieceCount := len(piecesStr) / HashSize
	if pieceCount == 0 {
		return nil, ErrParse
	}
	hashes := make([][HashSize]byte, pieceCount)
	for i := range hashes {
		copy(hashes[i][:], piecesStr[i*HashSize:(i+1)*HashSize])
	}

	lastLen := length % pieceLength
	if lastLen == 0 {
		lastLen = pieceLength
	}

	infoHash, err := rawInfoHash(raw)
	if err != nil {
		return nil, pkgerrors.Wrap(ErrParse, err.Error())
	}

	peerID, err := generatePeerID()
	if err != nil {
		return nil, err
	}

	return &Info{
		AnnounceURL:     dec.Announce,
		InfoHash:        infoHash,
		PeerID:          peerID,
		FileName:        name,
		PieceLength:     pieceLength,
		LastPieceLength: lastLen,
		PieceCount:      pieceCount,
		PieceHashes:     hashes,
		FileSize:        length,
	}, nil
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func generatePeerID() ([HashSize]byte, error) {
	var id [HashSize]byte
	copy(id[:], peerIDPrefix)
	suffix := make([]byte, HashSize-len(peerIDPrefix))
	if _, err := rand.Read(suffix); err != nil {
		return id, pkgerrors.Wrap(err, "metainfo: generating peer id")
	}
	copy(id[len(peerIDPrefix):], suffix)
	return id, nil
}

func readBounded(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "metainfo: open")
	}
	defer f.Close()

	buf := make([]byte, MaxFileSize+1)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, pkgerrors.Wrap(err, "metainfo: read")
	}
	if n > MaxFileSize {
		return nil, ErrSize
	}
	return buf[:n], nil
}
