// Package tracker implements the periodic HTTP announce loop described
// in the specification: it reports upload/download/left, decodes the
// compact peer list, and wakes any goroutine waiting on a fresh peer
// list. The HTTP round trip itself is treated as a narrow external
// collaborator (net/http, a pure request/response transport); this
// package owns only the announce cadence, the URL/response codec, and
// the shared counters multiple peer workers mutate concurrently.
package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	bencode "github.com/jackpal/bencode-go"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Event is the optional lifecycle marker carried on an announce.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// minInterval is the floor applied to a tracker-supplied interval of
// zero (Open Question #2 in the specification).
const minInterval = 30 * time.Second

// Peer is one entry decoded from a compact peer list.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string { return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port))) }

// response mirrors the bencoded dictionary a tracker replies with.
type response struct {
	FailureReason string `bencode:"failure reason"`
	Warning       string `bencode:"warning message"`
	Interval      int    `bencode:"interval"`
	MinInterval   int    `bencode:"min interval"`
	TrackerID     string `bencode:"tracker id"`
	Complete      int    `bencode:"complete"`
	Incomplete    int    `bencode:"incomplete"`
	Peers         string `bencode:"peers"`
}

// Stats is the read-only snapshot returned to display commands.
type Stats struct {
	Complete, Incomplete  int
	Interval, MinInterval time.Duration
	Peers                 []Peer
}

// Agent runs the announce loop for a single torrent. All exported
// methods are safe for concurrent use.
type Agent struct {
	announceURL string
	infoHash    [20]byte
	peerID      [20]byte
	port        uint16
	fileSize    int64
	targetPath  string
	client      *http.Client
	log         *logrus.Entry

	mu          sync.Mutex
	uploaded    int64
	downloaded  int64
	trackerID   string
	lastStats   Stats
	completedAt bool
	stoppedOnce sync.Once

	peersCond *sync.Cond
	cancelC   chan struct{}
	stopped   chan struct{}
}

// New constructs an Agent. targetPath is checked for existence when
// computing "left"; it need not exist yet.
func New(announceURL string, infoHash, peerID [20]byte, port uint16, fileSize int64, targetPath string) *Agent {
	a := &Agent{
		announceURL: announceURL,
		infoHash:    infoHash,
		peerID:      peerID,
		port:        port,
		fileSize:    fileSize,
		targetPath:  targetPath,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         logrus.WithField("component", "tracker"),
		cancelC:     make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	a.peersCond = sync.NewCond(&a.mu)
	return a
}

// AddUploaded records bytes uploaded to a peer.
func (a *Agent) AddUploaded(n int64) {
	a.mu.Lock()
	a.uploaded += n
	a.mu.Unlock()
}

// AddDownloaded records bytes downloaded from a peer.
func (a *Agent) AddDownloaded(n int64) {
	a.mu.Lock()
	a.downloaded += n
	a.mu.Unlock()
}

// Uploaded returns the current cumulative upload counter.
func (a *Agent) Uploaded() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploaded
}

// Downloaded returns the current cumulative download counter.
func (a *Agent) Downloaded() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.downloaded
}

// Stats returns the most recently observed tracker response.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastStats
}

// left computes the "left" query parameter: file size minus downloaded
// if the target does not yet exist on disk, else zero.
func (a *Agent) left() int64 {
	if fileExists(a.targetPath) {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	left := a.fileSize - a.downloaded
	if left < 0 {
		return 0
	}
	return left
}

// Run performs the initial "started" announce, then loops announcing
// at the interval the tracker selects until the context is cancelled
// or Stop is called, at which point it fires the final "stopped"
// announce before returning. It blocks; call it from its own
// goroutine.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.announceWithRetry(ctx, EventStarted); err != nil {
		return pkgerrors.Wrap(err, "tracker: initial announce")
	}

	for {
		wait := a.currentInterval()
		select {
		case <-time.After(wait):
		case <-a.cancelC:
			// stop() cancels the pending sleep so the final
			// "stopped" announce proceeds immediately.
		case <-ctx.Done():
			a.announceOnce(context.Background(), EventStopped)
			return nil
		}

		select {
		case <-a.stopped:
			a.announceOnce(context.Background(), EventStopped)
			return nil
		default:
		}

		if err := a.announceOnce(ctx, EventNone); err != nil {
			a.log.WithError(err).Warn("tracker: announce failed, retrying next interval")
		}
	}
}

// Stop cancels the pending interval sleep and fires the final
// "stopped" announce exactly once.
func (a *Agent) Stop() {
	a.stoppedOnce.Do(func() {
		close(a.stopped)
		close(a.cancelC)
	})
}

// MarkCompleted fires the one-time "completed" announce immediately,
// outside the regular interval cycle; later calls do nothing.
func (a *Agent) MarkCompleted(ctx context.Context) error {
	a.mu.Lock()
	already := a.completedAt
	a.completedAt = true
	a.mu.Unlock()
	if already {
		return nil
	}
	return a.announceOnce(ctx, EventCompleted)
}

// AnnounceNow performs an immediate out-of-cycle announce with no
// lifecycle event, refreshing the peer list without disturbing the
// once-only "completed"/"stopped" bookkeeping.
func (a *Agent) AnnounceNow(ctx context.Context) error {
	return a.announceOnce(ctx, EventNone)
}

// WaitForPeers blocks until a subsequent successful announce updates
// the peer list, or the context is done.
func (a *Agent) WaitForPeers(ctx context.Context) []Peer {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		a.mu.Lock()
		a.peersCond.Broadcast()
		a.mu.Unlock()
		close(done)
	}()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peersCond.Wait()
	select {
	case <-ctx.Done():
	default:
	}
	return a.lastStats.Peers
}

func (a *Agent) currentInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	iv := a.lastStats.Interval
	miv := a.lastStats.MinInterval
	wait := iv
	if miv > 0 && miv < wait {
		wait = miv
	}
	if wait < minInterval {
		wait = minInterval
	}
	return wait
}

// announceWithRetry retries transport failures with bounded backoff;
// used only for the very first announce, since a first-announce
// failure is fatal (ERR_*) while later failures are simply retried at
// the next interval.
func (a *Agent) announceWithRetry(ctx context.Context, event Event) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	return backoff.Retry(func() error {
		return a.announceOnce(ctx, event)
	}, backoff.WithContext(b, ctx))
}

func (a *Agent) announceOnce(ctx context.Context, event Event) error {
	req, err := a.buildRequest(ctx, event)
	if err != nil {
		return err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return pkgerrors.Wrap(err, "tracker: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracker: unexpected status %s", resp.Status)
	}

	var decoded response
	if err := bencode.Unmarshal(resp.Body, &decoded); err != nil {
		return pkgerrors.Wrap(err, "tracker: malformed response")
	}

	if decoded.FailureReason != "" {
		a.log.WithField("reason", decoded.FailureReason).Warn("tracker: failure reason")
	}
	if decoded.Warning != "" {
		a.log.WithField("warning", decoded.Warning).Warn("tracker: warning message")
	}

	peers, err := decodeCompactPeers(decoded.Peers)
	if err != nil {
		return pkgerrors.Wrap(err, "tracker: malformed peer list")
	}

	a.mu.Lock()
	if decoded.TrackerID != "" {
		a.trackerID = decoded.TrackerID
	}
	a.lastStats = Stats{
		Complete:    decoded.Complete,
		Incomplete:  decoded.Incomplete,
		Interval:    time.Duration(decoded.Interval) * time.Second,
		MinInterval: time.Duration(decoded.MinInterval) * time.Second,
		Peers:       peers,
	}
	a.peersCond.Broadcast()
	a.mu.Unlock()

	return nil
}

func (a *Agent) buildRequest(ctx context.Context, event Event) (*http.Request, error) {
	q := url.Values{}
	q.Set("info_hash", string(a.infoHash[:]))
	q.Set("peer_id", string(a.peerID[:]))
	q.Set("port", strconv.Itoa(int(a.port)))
	q.Set("uploaded", strconv.FormatInt(a.Uploaded(), 10))
	q.Set("downloaded", strconv.FormatInt(a.Downloaded(), 10))
	q.Set("left", strconv.FormatInt(a.left(), 10))
	q.Set("compact", "1")
	if event != EventNone {
		q.Set("event", string(event))
	}
	a.mu.Lock()
	trackerID := a.trackerID
	a.mu.Unlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	full := a.announceURL + "?" + q.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
}

func decodeCompactPeers(raw string) ([]Peer, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("compact peer list length %d not a multiple of 6", len(raw))
	}
	peers := make([]Peer, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16([]byte(raw[i+4 : i+6]))
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}
