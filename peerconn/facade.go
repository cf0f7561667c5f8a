// Package peerconn implements the two per-peer halves of the wire
// protocol: Receiver drives an outbound connection through
// CONNECTING -> HANDSHAKING -> ACTIVE -> CLOSED to pull pieces from a
// remote peer, and Sender serves an accepted inbound connection
// through AWAIT_HANDSHAKE -> ACTIVE -> CLOSED to serve them. Neither
// type holds a reference to the engine directly; both are handed a
// narrow EngineHost capability interface at construction time, per the
// guidance to break the Engine/worker cycle with a capability
// interface rather than the full engine object.
package peerconn

// WriteResult reports what happened after WriteBlock accepted bytes
// into the backing file.
type WriteResult int

const (
	// BlockAccepted means the block was written but the piece is not
	// yet fully received.
	BlockAccepted WriteResult = iota
	// PieceVerified means this write completed the piece and its
	// hash matched piece_hashes[index].
	PieceVerified
	// PieceCorrupt means this write completed the piece but the hash
	// did not match; the engine has already zeroed the piece bytes
	// and reset its progress.
	PieceCorrupt
)

// EngineHost is the capability surface the engine exposes to Receiver
// and Sender workers. Every method is safe for concurrent use from
// many peer goroutines at once.
type EngineHost interface {
	// InfoHash returns the torrent's info-hash, checked against every
	// handshake.
	InfoHash() [20]byte
	// LocalPeerID returns the local client's generated peer id.
	LocalPeerID() [20]byte
	// PieceCount returns the number of pieces in the torrent.
	PieceCount() int
	// PieceLength returns the length of piece i in bytes.
	PieceLength(i int) int64
	// BlockLength returns min(BlockSize, pieceLength(i)-begin).
	BlockLength(i int, begin int64) int64
	// Progress returns the number of bytes already written for piece i.
	Progress(i int) int64
	// HasPiece reports whether the local bitfield already has piece i.
	HasPiece(i int) bool
	// LocalBitfield returns a snapshot copy of the local bitfield.
	LocalBitfield() []byte

	// ClaimPiece attempts to add index to the requested-piece set on
	// behalf of owner (the receiver's address); it returns false if
	// another receiver already holds the claim.
	ClaimPiece(index int, owner string) bool
	// ReleasePiece removes owner's claim on index, if held.
	ReleasePiece(index int, owner string)

	// ReadBlock copies a block from the backing file for a sender's
	// REQUEST reply.
	ReadBlock(index int, begin int64, buf []byte) error
	// WriteBlock writes a received block into the backing file,
	// performing hash verification and bitfield/progress updates when
	// it completes a piece.
	WriteBlock(index int, begin int64, data []byte) (WriteResult, error)

	// OnBitfield validates and records a peer's advertised bitfield,
	// updates rarity counters, and triggers rarest-first selection.
	// It returns an error if the bitfield's spare bits are non-zero.
	OnBitfield(addr string, bf []byte) error
	// OnHave records a single-bit rarity increment and triggers
	// rarest-first selection.
	OnHave(addr string, index uint32) error
	// TriggerRarestFirst re-runs the selector; safe to call any time.
	TriggerRarestFirst()
	// RarityOf returns the number of known holders of piece i, used to
	// break ties toward the rarest available piece.
	RarityOf(i int) int
	// RandomIndex returns a pseudo-random integer in [0, n), used to
	// break rarity ties and to pick the optimistic-unchoke candidate
	// uniformly rather than deterministically. n is always positive.
	RandomIndex(n int) int

	// BroadcastHave sends a HAVE message to every registered sender.
	BroadcastHave(index uint32)

	// RecordDownloadRate stores a receiver's most recent measured rate.
	RecordDownloadRate(addr string, bytesPerSec float64)
	// RecordUploadRate stores a sender's most recent measured rate.
	RecordUploadRate(addr string, bytesPerSec float64)
	// ReportUploaded adds n to the tracker's cumulative upload counter.
	ReportUploaded(n int64)
	// ReportDownloaded adds n to the tracker's cumulative download counter.
	ReportDownloaded(n int64)

	// RegisterReceiver / UnregisterReceiver maintain the receiver
	// registry consulted by rarest-first and by BroadcastHave-adjacent
	// bookkeeping.
	RegisterReceiver(addr string, r *Receiver)
	UnregisterReceiver(addr string)
	// RegisterSender / UnregisterSender maintain the sender registry
	// consulted by the choke scheduler and BroadcastHave.
	RegisterSender(addr string, s *Sender)
	UnregisterSender(addr string)

	// IsUnchoked reports whether addr currently holds an unchoke slot.
	IsUnchoked(addr string) bool
	// TryReciprocate attempts to add addr to the unchoked set when a
	// slot is free (INTERESTED handling, sender side); it returns
	// whether addr is unchoked after the call.
	TryReciprocate(addr string) bool
	// UnchokeRemove removes addr from the unchoked set, if present.
	UnchokeRemove(addr string)
}
