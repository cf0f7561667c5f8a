// Package engine owns torrent-wide state: the local bitfield and
// per-piece progress, the rarity vector driving rarest-first
// selection, the registries of active receivers and senders, and the
// choke scheduler. It implements peerconn.EngineHost so peer workers
// can be handed a narrow view of this state without either package
// importing the other's concrete types both ways.
package engine

import (
	"context"
	"crypto/sha1"
	"math/rand"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"urtorrent/metainfo"
	"urtorrent/peerconn"
	"urtorrent/store"
	"urtorrent/timerutil"
	"urtorrent/tracker"
	"urtorrent/wire"
)

const (
	chokeTick        = 10 * time.Second
	optimisticEveryN = 3
	unchokeSlots     = 4 // top 3 by rate plus one optimistic slot
)

// Engine coordinates a single torrent's download or seed. Its exported
// methods (the peerconn.EngineHost implementation) are safe for
// concurrent use by any number of Receiver/Sender goroutines.
type Engine struct {
	info    *metainfo.Info
	tracker *tracker.Agent
	log     *logrus.Entry

	fsMu sync.RWMutex
	fs   *store.Store

	bitfieldMu sync.RWMutex
	bitfield   []byte
	progress   []int64

	rarityMu sync.RWMutex
	rarity   []int

	receiversMu sync.RWMutex
	receivers   map[string]*peerconn.Receiver

	sendersMu sync.RWMutex
	senders   map[string]*peerconn.Sender
	upRates   map[string]float64
	downRates map[string]float64

	requestedMu sync.Mutex
	claims      map[int]string

	unchokedMu     sync.Mutex
	unchoked       map[string]bool
	optimisticIdx  int
	optimisticAddr string

	chokeTimer *timerutil.Timer

	completedMu sync.Mutex
	promoted    bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

var _ peerconn.EngineHost = (*Engine)(nil)

// New builds an Engine over an already-open Store for info. tr may be
// nil when running without a tracker (e.g. in tests).
func New(info *metainfo.Info, fs *store.Store, tr *tracker.Agent, log *logrus.Entry) *Engine {
	e := &Engine{
		info:      info,
		fs:        fs,
		tracker:   tr,
		log:       log,
		bitfield:  newBitfield(info.PieceCount),
		progress:  make([]int64, info.PieceCount),
		rarity:    make([]int, info.PieceCount),
		receivers: make(map[string]*peerconn.Receiver),
		senders:   make(map[string]*peerconn.Sender),
		upRates:   make(map[string]float64),
		downRates: make(map[string]float64),
		claims:    make(map[int]string),
		unchoked:  make(map[string]bool),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.chokeTimer = timerutil.New(e.runChokeRound)
	return e
}

// RandomIndex returns a pseudo-random integer in [0, n), used to break
// ties uniformly among equally-rare pieces and among equally-eligible
// optimistic-unchoke candidates. n must be positive.
func (e *Engine) RandomIndex(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

// LoadExistingBitfield marks pieces already present on disk (a seeder
// starting from a complete file, or a leecher resuming). It hashes
// every piece against info.PieceHashes and only sets bits that verify.
func (e *Engine) LoadExistingBitfield() error {
	buf := make([]byte, e.info.PieceLength)
	for i := 0; i < e.info.PieceCount; i++ {
		n := e.info.PieceLen(i)
		if err := e.readAt(buf[:n], int64(i)*e.info.PieceLength); err != nil {
			return err
		}
		if sha1.Sum(buf[:n]) == e.info.PieceHashes[i] {
			e.bitfieldMu.Lock()
			bitSet(e.bitfield, i)
			e.progress[i] = n
			e.bitfieldMu.Unlock()
		}
	}
	return nil
}

// StartChokeScheduler begins the periodic unchoke evaluation and runs
// until ctx is cancelled.
func (e *Engine) StartChokeScheduler(ctx context.Context) {
	e.chokeTimer.Start(chokeTick)
	go func() {
		<-ctx.Done()
		e.chokeTimer.Stop()
	}()
}

// --- geometry -------------------------------------------------------

func (e *Engine) InfoHash() [20]byte    { return e.info.InfoHash }
func (e *Engine) LocalPeerID() [20]byte { return e.info.PeerID }
func (e *Engine) PieceCount() int       { return e.info.PieceCount }

func (e *Engine) PieceLength(i int) int64 { return e.info.PieceLen(i) }

func (e *Engine) BlockLength(i int, begin int64) int64 {
	remaining := e.info.PieceLen(i) - begin
	if remaining <= 0 {
		return 0
	}
	if remaining > wire.BlockSize {
		return wire.BlockSize
	}
	return remaining
}

func (e *Engine) Progress(i int) int64 {
	e.bitfieldMu.RLock()
	defer e.bitfieldMu.RUnlock()
	return e.progress[i]
}

func (e *Engine) HasPiece(i int) bool {
	e.bitfieldMu.RLock()
	defer e.bitfieldMu.RUnlock()
	return bitGet(e.bitfield, i)
}

func (e *Engine) LocalBitfield() []byte {
	e.bitfieldMu.RLock()
	defer e.bitfieldMu.RUnlock()
	out := make([]byte, len(e.bitfield))
	copy(out, e.bitfield)
	return out
}

// Completed reports whether every piece has verified.
func (e *Engine) Completed() bool {
	e.bitfieldMu.RLock()
	defer e.bitfieldMu.RUnlock()
	return popcount(e.bitfield, e.info.PieceCount) == e.info.PieceCount
}

// --- piece claims -----------------------------------------------------

func (e *Engine) ClaimPiece(index int, owner string) bool {
	e.requestedMu.Lock()
	defer e.requestedMu.Unlock()
	if cur, ok := e.claims[index]; ok && cur != owner {
		return false
	}
	e.claims[index] = owner
	return true
}

func (e *Engine) ReleasePiece(index int, owner string) {
	e.requestedMu.Lock()
	defer e.requestedMu.Unlock()
	if e.claims[index] == owner {
		delete(e.claims, index)
	}
}

// --- block I/O --------------------------------------------------------

func (e *Engine) readAt(buf []byte, off int64) error {
	e.fsMu.RLock()
	defer e.fsMu.RUnlock()
	return e.fs.ReadAt(buf, off)
}

func (e *Engine) writeAt(buf []byte, off int64) error {
	e.fsMu.RLock()
	defer e.fsMu.RUnlock()
	return e.fs.WriteAt(buf, off)
}

func (e *Engine) zeroRange(off, length int64) error {
	e.fsMu.RLock()
	defer e.fsMu.RUnlock()
	return e.fs.ZeroRange(off, length)
}

func (e *Engine) ReadBlock(index int, begin int64, buf []byte) error {
	off := int64(index)*e.info.PieceLength + begin
	return e.readAt(buf, off)
}

func (e *Engine) WriteBlock(index int, begin int64, data []byte) (peerconn.WriteResult, error) {
	off := int64(index)*e.info.PieceLength + begin
	if err := e.writeAt(data, off); err != nil {
		return peerconn.BlockAccepted, pkgerrors.Wrap(err, "engine: write block")
	}

	e.bitfieldMu.Lock()
	e.progress[index] += int64(len(data))
	complete := e.progress[index] >= e.info.PieceLen(index)
	e.bitfieldMu.Unlock()
	if !complete {
		return peerconn.BlockAccepted, nil
	}

	pieceLen := e.info.PieceLen(index)
	pieceBuf := make([]byte, pieceLen)
	pieceOff := int64(index) * e.info.PieceLength
	if err := e.readAt(pieceBuf, pieceOff); err != nil {
		return peerconn.BlockAccepted, pkgerrors.Wrap(err, "engine: reread piece for verify")
	}

	if sha1.Sum(pieceBuf) != e.info.PieceHashes[index] {
		e.log.WithField("piece", index).Warn("piece hash mismatch, discarding")
		if err := e.zeroRange(pieceOff, pieceLen); err != nil {
			return peerconn.BlockAccepted, err
		}
		e.bitfieldMu.Lock()
		e.progress[index] = 0
		e.bitfieldMu.Unlock()
		e.requestedMu.Lock()
		delete(e.claims, index)
		e.requestedMu.Unlock()
		return peerconn.PieceCorrupt, nil
	}

	e.bitfieldMu.Lock()
	bitSet(e.bitfield, index)
	e.bitfieldMu.Unlock()
	e.requestedMu.Lock()
	delete(e.claims, index)
	e.requestedMu.Unlock()

	if e.Completed() {
		e.onTorrentCompleted()
	}
	return peerconn.PieceVerified, nil
}

func (e *Engine) onTorrentCompleted() {
	e.completedMu.Lock()
	already := e.promoted
	e.promoted = true
	e.completedMu.Unlock()
	if already {
		return
	}
	e.fsMu.Lock()
	target := e.fs.TargetPath()
	err := e.fs.PromoteToTarget()
	if err == nil {
		var seederFs *store.Store
		seederFs, err = store.OpenSeeder(target)
		if err == nil {
			e.fs = seederFs
		}
	}
	e.fsMu.Unlock()
	if err != nil {
		e.log.WithError(err).Error("failed to promote or reopen completed download")
	}
	if e.tracker != nil {
		go func() {
			if err := e.tracker.MarkCompleted(context.Background()); err != nil {
				e.log.WithError(err).Warn("failed to announce completion to tracker")
			}
		}()
	}
	e.log.Info("download complete")
}
