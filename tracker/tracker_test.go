package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func encodeCompactPeer(ip net.IP, port uint16) string {
	buf := make([]byte, 6)
	copy(buf[0:4], ip.To4())
	binary.BigEndian.PutUint16(buf[4:6], port)
	return string(buf)
}

func TestDecodeCompactPeers(t *testing.T) {
	raw := encodeCompactPeer(net.IPv4(127, 0, 0, 1), 6881) + encodeCompactPeer(net.IPv4(10, 0, 0, 2), 51413)
	peers, err := decodeCompactPeers(raw)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, "127.0.0.1:6881", peers[0].String())
	require.Equal(t, "10.0.0.2:51413", peers[1].String())
}

func TestDecodeCompactPeersRejectsBadLength(t *testing.T) {
	_, err := decodeCompactPeers("short")
	require.Error(t, err)
}

func TestAnnounceParsesResponseAndQueryParams(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte("d8:completei3e10:incompletei1e8:intervali1800e12:min intervali900e5:peers" +
			"12:" + encodeCompactPeer(net.IPv4(1, 2, 3, 4), 9999) + encodeCompactPeer(net.IPv4(5, 6, 7, 8), 1111) + "e"))
	}))
	defer srv.Close()

	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	agent := New(srv.URL, infoHash, peerID, 6881, 1000, "/does/not/exist")
	err := agent.announceOnce(context.Background(), EventStarted)
	require.NoError(t, err)

	require.Equal(t, "started", gotQuery.Get("event"))
	require.Equal(t, "1", gotQuery.Get("compact"))
	require.Equal(t, "6881", gotQuery.Get("port"))
	require.Equal(t, "1000", gotQuery.Get("left"))

	stats := agent.Stats()
	require.Equal(t, 3, stats.Complete)
	require.Equal(t, 1, stats.Incomplete)
	require.Equal(t, 1800*time.Second, stats.Interval)
	require.Equal(t, 900*time.Second, stats.MinInterval)
	require.Len(t, stats.Peers, 2)
}

func TestCurrentIntervalClampsToFloor(t *testing.T) {
	var infoHash, peerID [20]byte
	agent := New("http://tracker.example/announce", infoHash, peerID, 6881, 0, "")
	agent.lastStats = Stats{Interval: 0, MinInterval: 0}
	require.Equal(t, minInterval, agent.currentInterval())
}

func TestTrackerIDEchoedOnSubsequentAnnounce(t *testing.T) {
	var seenIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenIDs = append(seenIDs, r.URL.Query().Get("trackerid"))
		w.Write([]byte("d10:tracker id4:abcd8:completei0e10:incompletei0e8:intervali1800e12:min intervali1800e5:peers0:e"))
	}))
	defer srv.Close()

	var infoHash, peerID [20]byte
	agent := New(srv.URL, infoHash, peerID, 6881, 0, "")

	require.NoError(t, agent.announceOnce(context.Background(), EventStarted))
	require.NoError(t, agent.announceOnce(context.Background(), EventNone))

	require.Equal(t, []string{"", "abcd"}, seenIDs)
}

func TestLeftComputedFromDownloadedWhenTargetMissing(t *testing.T) {
	var infoHash, peerID [20]byte
	agent := New("http://tracker.example/announce", infoHash, peerID, 6881, 1000, "/does/not/exist")
	agent.AddDownloaded(400)
	require.Equal(t, int64(600), agent.left())
}
