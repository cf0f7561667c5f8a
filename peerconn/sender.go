package peerconn

import (
	"context"
	"net"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"urtorrent/wire"
)

// SenderState is the lifecycle of an accepted inbound connection.
type SenderState int32

const (
	StateAwaitHandshake SenderState = iota
	StateSenderActive
	StateSenderClosed
)

func (s SenderState) String() string {
	switch s {
	case StateAwaitHandshake:
		return "AWAIT_HANDSHAKE"
	case StateSenderActive:
		return "ACTIVE"
	case StateSenderClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Sender serves a single accepted inbound connection: it answers
// REQUESTs (also while choking, see onRequest) and tracks the remote's
// interest. HAVE and BITFIELD messages from the remote are not
// recorded; Sender keeps no copy of the remote's bitfield.
type Sender struct {
	addr string
	conn net.Conn
	host EngineHost
	log  *logrus.Entry

	mu             sync.Mutex
	state          SenderState
	peerInterested bool
	amChoking      bool

	rate      *rateSample
	closeOnce sync.Once
	closed    chan struct{}
}

// Accept completes the responder side of a handshake on an already
// accepted connection and returns an active Sender, or an error if the
// remote's info-hash does not match.
func Accept(conn net.Conn, host EngineHost, log *logrus.Entry) (*Sender, error) {
	addr := addrOf(conn)
	s := &Sender{
		addr:      addr,
		conn:      conn,
		host:      host,
		log:       log.WithField("peer", addr).WithField("role", "sender"),
		state:     StateAwaitHandshake,
		amChoking: true,
		rate:      newRateSample(),
		closed:    make(chan struct{}),
	}
	in, err := wire.ReadHandshake(conn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "peerconn: read handshake")
	}
	if in.InfoHash != host.InfoHash() {
		return nil, pkgerrors.New("peerconn: info-hash mismatch on handshake")
	}
	out := wire.Handshake{InfoHash: host.InfoHash(), PeerID: host.LocalPeerID()}
	if err := wire.WriteHandshake(conn, out); err != nil {
		return nil, pkgerrors.Wrap(err, "peerconn: write handshake")
	}
	s.mu.Lock()
	s.state = StateSenderActive
	s.mu.Unlock()
	return s, nil
}

// State returns the sender's current lifecycle state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsChoking reports whether this sender is currently choking its peer.
func (s *Sender) IsChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amChoking
}

// IsInterested reports whether the remote peer has told us it is
// interested in our pieces, consulted by the choke scheduler's
// regular-unchoke ranking.
func (s *Sender) IsInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInterested
}

// Rate returns the sender's most recently measured upload rate.
func (s *Sender) Rate() float64 {
	return s.rate.value()
}

// SetChoking updates the local choke state and writes the
// corresponding CHOKE/UNCHOKE message, invoked by the engine's choke
// scheduler.
func (s *Sender) SetChoking(choking bool) error {
	s.mu.Lock()
	changed := s.amChoking != choking
	s.amChoking = choking
	s.mu.Unlock()
	if !changed {
		return nil
	}
	id := wire.Unchoke
	if choking {
		id = wire.Choke
	}
	return wire.Write(s.conn, wire.Simple(id))
}

// SendHave writes a HAVE message for index to this peer.
func (s *Sender) SendHave(index uint32) error {
	return wire.Write(s.conn, wire.HaveIndex(index))
}

// Run registers the sender with the engine and services REQUEST,
// INTERESTED, and NOT_INTERESTED traffic until the connection closes
// or ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	s.host.RegisterSender(s.addr, s)
	defer s.host.UnregisterSender(s.addr)
	defer s.Close()

	bf := s.host.LocalBitfield()
	for _, b := range bf {
		if b != 0 {
			if err := wire.Write(s.conn, wire.NewBitfield(bf)); err != nil {
				return pkgerrors.Wrap(err, "peerconn: send bitfield")
			}
			break
		}
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(3 * keepAliveInterval)); err != nil {
			return pkgerrors.Wrap(err, "peerconn: set read deadline")
		}
		msg, err := wire.Read(s.conn)
		if err != nil {
			return pkgerrors.Wrap(err, "peerconn: read message")
		}
		if msg.IsKeepAlive() {
			continue
		}
		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
}

func (s *Sender) dispatch(msg wire.Message) error {
	switch msg.ID {
	case wire.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
		s.host.TryReciprocate(s.addr)
	case wire.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
		s.host.UnchokeRemove(s.addr)
		return s.SetChoking(true)
	case wire.Request:
		return s.onRequest(msg.Payload)
	case wire.Have, wire.Bitfield, wire.Piece, wire.Choke, wire.Unchoke:
		// A well-behaved remote peer speaks these on the connection we
		// dialed to it, i.e. to our receiver half, not here.
	}
	return nil
}

// onRequest always serves the requested block, even if this sender is
// currently choking its peer: a REQUEST can legitimately race a CHOKE
// that the scheduler just decided but the peer has not yet seen, and
// dropping it silently would strand a request the peer believes is
// still outstanding. If we are choking by the time the block goes out,
// a CHOKE is re-sent afterward so the peer is not left waiting on a
// connection it may think is still unchoked.
func (s *Sender) onRequest(payload []byte) error {
	req, err := wire.ParseRequest(payload)
	if err != nil {
		return err
	}
	buf := make([]byte, req.Length)
	if err := s.host.ReadBlock(int(req.Index), int64(req.Begin), buf); err != nil {
		return pkgerrors.Wrap(err, "peerconn: read block for request")
	}
	if err := wire.Write(s.conn, wire.NewPiece(req.Index, req.Begin, buf)); err != nil {
		return pkgerrors.Wrap(err, "peerconn: send piece")
	}
	s.host.ReportUploaded(int64(len(buf)))
	s.host.RecordUploadRate(s.addr, s.rate.add(int64(len(buf))))

	if s.IsChoking() {
		if err := wire.Write(s.conn, wire.Simple(wire.Choke)); err != nil {
			return pkgerrors.Wrap(err, "peerconn: resend choke after request race")
		}
	}
	return nil
}

// Close tears down the connection. Safe to call more than once.
func (s *Sender) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateSenderClosed
		s.mu.Unlock()
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
