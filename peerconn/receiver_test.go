package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"urtorrent/wire"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(new(discardWriter))
	return logrus.NewEntry(l)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func pipeHandshake(t *testing.T, remote net.Conn, infoHash [20]byte) {
	t.Helper()
	in, err := wire.ReadHandshake(remote)
	require.NoError(t, err)
	require.Equal(t, infoHash, in.InfoHash)
	require.NoError(t, wire.WriteHandshake(remote, wire.Handshake{InfoHash: infoHash, PeerID: [20]byte{9}}))
}

func newTestReceiverPair(t *testing.T, host *fakeHost) (*Receiver, net.Conn) {
	t.Helper()
	client, remote := net.Pipe()
	done := make(chan struct{})
	go func() {
		pipeHandshake(t, remote, host.infoHash)
		close(done)
	}()
	r, err := newReceiver(client, "remote:1", host, discardLog())
	require.NoError(t, err)
	<-done
	return r, remote
}

func TestReceiverHandshakeMismatchRejected(t *testing.T) {
	host := newFakeHost(1, 16)
	host.infoHash = [20]byte{1}

	client, remote := net.Pipe()
	defer client.Close()
	defer remote.Close()
	go func() {
		_, _ = wire.ReadHandshake(remote)
		_ = wire.WriteHandshake(remote, wire.Handshake{InfoHash: [20]byte{2}, PeerID: [20]byte{9}})
	}()

	_, err := newReceiver(client, "remote:1", host, discardLog())
	require.Error(t, err)
}

func TestRarestFirstAssignsInterestedThenRequestsOnUnchoke(t *testing.T) {
	host := newFakeHost(2, 16)
	host.blocks[0] = make([]byte, 16)
	r, remote := newTestReceiverPair(t, host)
	defer r.Close()
	defer remote.Close()
	host.RegisterReceiver(r.addr, r)

	// Peer advertises it has piece 0. Recording the bitfield here is
	// purely local bookkeeping (no wire traffic); the actual selection
	// and INTERESTED declaration happens when the host's rarest-first
	// pass (fakeHost.TriggerRarestFirst, mirroring engine.TriggerRarestFirst)
	// assigns this receiver the piece, same as a real OnBitfield would.
	bf := []byte{0x80} // bit 0 set, piece count 2
	require.NoError(t, r.dispatch(wire.Message{ID: wire.Bitfield, Payload: bf}))
	host.mu.Lock()
	host.rarity[0] = 1
	host.mu.Unlock()

	assigned := make(chan struct{})
	go func() { host.TriggerRarestFirst(); close(assigned) }()

	remote.SetReadDeadline(time.Now().Add(time.Second))
	msg, err := wire.Read(remote)
	require.NoError(t, err)
	require.Equal(t, wire.Interested, msg.ID)
	<-assigned

	// Still choked, so no REQUEST should follow yet.
	r.mu.Lock()
	inFlight := r.inFlight
	r.mu.Unlock()
	require.False(t, inFlight)

	dispatched := make(chan error, 1)
	go func() { dispatched <- r.dispatch(wire.Simple(wire.Unchoke)) }()
	remote.SetReadDeadline(time.Now().Add(time.Second))
	msg, err = wire.Read(remote)
	require.NoError(t, err)
	require.Equal(t, wire.Request, msg.ID)
	require.NoError(t, <-dispatched)

	req, err := wire.ParseRequest(msg.Payload)
	require.NoError(t, err)
	require.EqualValues(t, 0, req.Index)
	require.EqualValues(t, 0, req.Begin)
	require.EqualValues(t, 16, req.Length)
}

func TestDispatchPieceWritesBlockAndMarksVerified(t *testing.T) {
	host := newFakeHost(1, 16)
	r, remote := newTestReceiverPair(t, host)
	defer r.Close()
	defer remote.Close()

	r.mu.Lock()
	r.inFlight = true
	r.target = 0
	r.pendingBegin = 0
	r.amInterested = true
	r.mu.Unlock()

	block := []byte("0123456789abcdef")
	dispatched := make(chan error, 1)
	go func() { dispatched <- r.dispatch(wire.NewPiece(0, 0, block)) }()

	// Completing the only piece releases the target and, since we were
	// interested, sends NOT_INTERESTED.
	remote.SetReadDeadline(time.Now().Add(time.Second))
	msg, err := wire.Read(remote)
	require.NoError(t, err)
	require.Equal(t, wire.NotInterested, msg.ID)
	require.NoError(t, <-dispatched)

	require.Len(t, host.writes, 1)
	require.Equal(t, block, host.writes[0].data)
	require.EqualValues(t, len(block), host.downloaded)
	require.Contains(t, host.haveBroadcasts, uint32(0))

	r.mu.Lock()
	defer r.mu.Unlock()
	require.False(t, r.inFlight)
	require.Equal(t, -1, r.target)
}

func TestDispatchChokeClearsInFlightButKeepsTarget(t *testing.T) {
	host := newFakeHost(1, 16)
	r, remote := newTestReceiverPair(t, host)
	defer r.Close()
	defer remote.Close()

	r.mu.Lock()
	r.inFlight = true
	r.target = 0
	r.mu.Unlock()

	require.NoError(t, r.dispatch(wire.Simple(wire.Choke)))

	r.mu.Lock()
	defer r.mu.Unlock()
	require.True(t, r.peerChoking)
	require.False(t, r.inFlight)
	// The assigned piece is not released on a CHOKE: the claim was
	// already ours, and the in-progress piece resumes, rather than
	// being reassigned, once the peer unchokes us again.
	require.Equal(t, 0, r.target)
}

func TestDispatchDuplicateHaveIsNoOp(t *testing.T) {
	host := newFakeHost(2, 16)
	r, remote := newTestReceiverPair(t, host)
	defer r.Close()
	defer remote.Close()

	require.NoError(t, r.dispatch(wire.Message{ID: wire.Have, Payload: wire.HaveIndex(0).Payload}))
	require.Len(t, host.haveCalls, 1)

	require.NoError(t, r.dispatch(wire.Message{ID: wire.Have, Payload: wire.HaveIndex(0).Payload}))
	require.Len(t, host.haveCalls, 1)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.True(t, getBit(r.peerBitfield, 0))
}

func TestReceiverCloseReleasesPendingClaim(t *testing.T) {
	host := newFakeHost(1, 16)
	r, remote := newTestReceiverPair(t, host)
	defer remote.Close()

	require.True(t, host.ClaimPiece(0, r.addr))
	r.mu.Lock()
	r.target = 0
	r.mu.Unlock()

	require.NoError(t, r.Close())
	require.True(t, host.ClaimPiece(0, "someone-else"))
}
