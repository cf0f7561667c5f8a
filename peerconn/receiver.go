package peerconn

import (
	"context"
	"net"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"urtorrent/timerutil"
	"urtorrent/wire"
)

// ReceiverState is the lifecycle of an outbound peer connection.
type ReceiverState int32

const (
	StateConnecting ReceiverState = iota
	StateHandshaking
	StateActive
	StateClosed
)

func (s ReceiverState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const keepAliveInterval = 2 * time.Minute

// Receiver drives a single outbound connection, requesting one block at
// a time from a remote peer and feeding completed blocks to the engine.
// Which piece it works on is not decided here: the engine's rarest-first
// selector assigns a target piece via AssignTarget, and this type only
// ever pulls blocks of that target until it is released.
type Receiver struct {
	addr string
	conn net.Conn
	host EngineHost
	log  *logrus.Entry

	mu           sync.Mutex
	state        ReceiverState
	peerChoking  bool
	amInterested bool
	peerBitfield []byte

	target       int // piece assigned by the selector, -1 if idle
	inFlight     bool
	pendingBegin int64

	rate      *rateSample
	keepalive *timerutil.Timer
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a TCP connection to addr, exchanges handshakes and
// verifies the remote peer's info-hash, and returns an active Receiver.
func Dial(ctx context.Context, addr string, host EngineHost, log *logrus.Entry) (*Receiver, error) {
	const connectTimeout = 15 * time.Second
	dctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "peerconn: dial")
	}
	deadline, _ := dctx.Deadline()
	_ = conn.SetDeadline(deadline)
	r, err := newReceiver(conn, addr, host, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return r, nil
}

// newReceiver wraps an already-connected conn and performs the
// handshake exchange. Split out from Dial so tests can drive a
// Receiver over an in-memory pipe.
func newReceiver(conn net.Conn, addr string, host EngineHost, log *logrus.Entry) (*Receiver, error) {
	r := &Receiver{
		addr:        addr,
		conn:        conn,
		host:        host,
		log:         log.WithField("peer", addr).WithField("role", "receiver"),
		state:       StateConnecting,
		peerChoking: true,
		target:      -1,
		rate:        newRateSample(),
		closed:      make(chan struct{}),
	}
	if err := r.handshake(); err != nil {
		return nil, err
	}
	r.keepalive = timerutil.New(r.sendKeepAlive)
	return r, nil
}

func (r *Receiver) handshake() error {
	r.setState(StateHandshaking)
	out := wire.Handshake{InfoHash: r.host.InfoHash(), PeerID: r.host.LocalPeerID()}
	if err := wire.WriteHandshake(r.conn, out); err != nil {
		return pkgerrors.Wrap(err, "peerconn: write handshake")
	}
	in, err := wire.ReadHandshake(r.conn)
	if err != nil {
		return pkgerrors.Wrap(err, "peerconn: read handshake")
	}
	if in.InfoHash != r.host.InfoHash() {
		return pkgerrors.New("peerconn: info-hash mismatch on handshake")
	}
	r.setState(StateActive)
	return nil
}

func (r *Receiver) setState(s ReceiverState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// State returns the receiver's current lifecycle state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) sendKeepAlive() {
	_ = wire.Write(r.conn, wire.KeepAlive())
	r.rearmKeepAlive()
}

func (r *Receiver) rearmKeepAlive() {
	r.keepalive.Start(keepAliveInterval)
}

// Run registers the receiver with the engine and services the
// connection until it closes or ctx is cancelled. It always sends the
// local bitfield first, per BEP-3 convention.
func (r *Receiver) Run(ctx context.Context) error {
	r.host.RegisterReceiver(r.addr, r)
	defer func() {
		r.host.UnregisterReceiver(r.addr)
		r.host.TriggerRarestFirst()
	}()
	defer r.Close()

	if err := wire.Write(r.conn, wire.NewBitfield(r.host.LocalBitfield())); err != nil {
		return pkgerrors.Wrap(err, "peerconn: send bitfield")
	}
	r.rearmKeepAlive()

	go func() {
		<-ctx.Done()
		r.Close()
	}()

	for {
		msg, err := wire.Read(r.conn)
		if err != nil {
			return pkgerrors.Wrap(err, "peerconn: read message")
		}
		if msg.IsKeepAlive() {
			continue
		}
		if err := r.dispatch(msg); err != nil {
			return err
		}
	}
}

func (r *Receiver) dispatch(msg wire.Message) error {
	switch msg.ID {
	case wire.Choke:
		r.mu.Lock()
		r.peerChoking = true
		r.inFlight = false
		r.mu.Unlock()
	case wire.Unchoke:
		r.mu.Lock()
		r.peerChoking = false
		r.mu.Unlock()
		return r.requestCurrentTarget()
	case wire.Bitfield:
		if err := r.host.OnBitfield(r.addr, msg.Payload); err != nil {
			return pkgerrors.Wrap(err, "peerconn: bad bitfield")
		}
		r.mu.Lock()
		r.peerBitfield = append([]byte(nil), msg.Payload...)
		r.mu.Unlock()
	case wire.Have:
		index, err := wire.ParseHave(msg.Payload)
		if err != nil {
			return err
		}
		r.mu.Lock()
		if r.peerBitfield == nil {
			r.peerBitfield = newBitfieldFor(r.host.PieceCount())
		}
		alreadyHad := getBit(r.peerBitfield, int(index))
		if !alreadyHad {
			setBit(r.peerBitfield, int(index))
		}
		r.mu.Unlock()
		// A duplicate HAVE for a bit this peer already advertised is a
		// no-op: the rarity count was incremented the first time we saw
		// it, and incrementing it again would overcount that peer.
		if alreadyHad {
			return nil
		}
		return r.host.OnHave(r.addr, index)
	case wire.Piece:
		return r.onPiece(msg.Payload)
	case wire.Request, wire.Interested, wire.NotInterested:
		// A well-behaved remote peer speaks these to our sender half on
		// the connection it opened to us, not to a connection we dialed.
	}
	return nil
}

func (r *Receiver) onPiece(payload []byte) error {
	pp, err := wire.ParsePiece(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	wasPending := r.inFlight && r.target == int(pp.Index) && r.pendingBegin == int64(pp.Begin)
	r.inFlight = false
	r.mu.Unlock()
	if !wasPending {
		r.log.Warn("received unrequested block, discarding")
		return nil
	}

	result, err := r.host.WriteBlock(int(pp.Index), int64(pp.Begin), pp.Block)
	if err != nil {
		return pkgerrors.Wrap(err, "peerconn: write block")
	}
	r.host.ReportDownloaded(int64(len(pp.Block)))
	r.host.RecordDownloadRate(r.addr, r.rate.add(int64(len(pp.Block))))

	switch result {
	case PieceVerified:
		r.releaseTarget()
		r.host.BroadcastHave(pp.Index)
		r.host.TriggerRarestFirst()
		return nil
	case PieceCorrupt:
		r.log.WithField("piece", pp.Index).Warn("piece failed verification, restarting")
		r.releaseTarget()
		r.host.TriggerRarestFirst()
		return nil
	default: // BlockAccepted: more blocks remain in this same target piece.
		return r.requestCurrentTarget()
	}
}

// AssignTarget is called by the engine's rarest-first selector to hand
// this receiver the piece it should work on next. It only records the
// assignment and declares interest; the piece itself is not claimed
// until requestCurrentTarget actually issues a REQUEST, since the peer
// may still be choking us. It returns false if this receiver was no
// longer idle by the time the selector reached it.
func (r *Receiver) AssignTarget(index int) bool {
	r.mu.Lock()
	if r.target >= 0 {
		r.mu.Unlock()
		return false
	}
	r.target = index
	wasInterested := r.amInterested
	r.amInterested = true
	choking := r.peerChoking
	r.mu.Unlock()

	if !wasInterested {
		if err := wire.Write(r.conn, wire.Simple(wire.Interested)); err != nil {
			r.log.WithError(err).Debug("failed to send interested")
		}
	}
	if !choking {
		if err := r.requestCurrentTarget(); err != nil {
			r.log.WithError(err).Debug("failed to request assigned target")
		}
	}
	return true
}

// PeerHasPiece reports whether the remote peer has advertised index,
// consulted by the selector to find a qualifying receiver.
func (r *Receiver) PeerHasPiece(index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return getBit(r.peerBitfield, index)
}

// IsIdle reports whether this receiver has no piece currently assigned
// to it, consulted by the selector before offering it a new target.
func (r *Receiver) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target < 0
}

// requestCurrentTarget claims the assigned target piece and issues a
// REQUEST for its next block. Claiming happens here, not at assignment
// time, because two independent selector runs can assign the same rare
// piece to two different receivers before either has actually
// requested it; whichever reaches here first wins the claim, and the
// loser sends NOT_INTERESTED and waits for its next assignment rather
// than substituting some other piece on its own.
func (r *Receiver) requestCurrentTarget() error {
	r.mu.Lock()
	if r.target < 0 || r.inFlight || r.peerChoking {
		r.mu.Unlock()
		return nil
	}
	index := r.target
	r.mu.Unlock()

	if !r.host.ClaimPiece(index, r.addr) {
		r.mu.Lock()
		r.target = -1
		r.amInterested = false
		r.mu.Unlock()
		return wire.Write(r.conn, wire.Simple(wire.NotInterested))
	}

	begin := r.host.Progress(index)
	length := r.host.BlockLength(index, begin)
	if length <= 0 {
		r.releaseTarget()
		r.host.TriggerRarestFirst()
		return nil
	}

	r.mu.Lock()
	r.inFlight = true
	r.pendingBegin = begin
	r.mu.Unlock()

	req := wire.NewRequest(uint32(index), uint32(begin), uint32(length))
	if err := wire.Write(r.conn, req); err != nil {
		return pkgerrors.Wrap(err, "peerconn: send request")
	}
	return nil
}

// releaseTarget gives up the currently assigned piece, releasing its
// claim and, if we had declared interest for it, sending NOT_INTERESTED.
func (r *Receiver) releaseTarget() {
	r.mu.Lock()
	target := r.target
	r.target = -1
	r.inFlight = false
	wasInterested := r.amInterested
	r.amInterested = false
	r.mu.Unlock()

	if target >= 0 {
		r.host.ReleasePiece(target, r.addr)
	}
	if wasInterested {
		if err := wire.Write(r.conn, wire.Simple(wire.NotInterested)); err != nil {
			r.log.WithError(err).Debug("failed to send not-interested")
		}
	}
}

// Close tears down the connection and releases any piece claim held by
// this receiver. Safe to call more than once.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.keepalive != nil {
			r.keepalive.Stop()
		}
		r.mu.Lock()
		target := r.target
		r.state = StateClosed
		r.mu.Unlock()
		if target >= 0 {
			r.host.ReleasePiece(target, r.addr)
		}
		close(r.closed)
		err = r.conn.Close()
	})
	return err
}

func newBitfieldFor(pieceCount int) []byte {
	return make([]byte, (pieceCount+7)/8)
}

func getBit(bf []byte, i int) bool {
	if i/8 >= len(bf) {
		return false
	}
	return bf[i/8]&(1<<(7-uint(i)%8)) != 0
}

func setBit(bf []byte, i int) {
	if i/8 >= len(bf) {
		return
	}
	bf[i/8] |= 1 << (7 - uint(i)%8)
}
