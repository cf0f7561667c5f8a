// Command urtorrent starts a single-torrent client: it parses the
// metainfo file, opens (or creates) the backing file, announces to the
// tracker, listens for inbound peers, and dials the peers the tracker
// returns. An interactive shell on stdin reports progress and torrent
// details while transfers run in the background.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"

	"urtorrent/engine"
	"urtorrent/metainfo"
	"urtorrent/netio"
	"urtorrent/peerconn"
	"urtorrent/store"
	"urtorrent/tracker"
)

type args struct {
	Port        uint16 `arg:"positional" help:"local TCP port to listen on for inbound peers"`
	TorrentFile string `arg:"positional" help:"path to a .torrent metainfo file"`
	Verbose     bool   `arg:"-v" help:"enable debug-level logging"`
}

func (args) Description() string {
	return "urtorrent shares or fetches the single file described by a .torrent metainfo file over the BitTorrent peer wire protocol."
}

func main() {
	var a args
	arg.MustParse(&a)

	log := logrus.New()
	if a.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	if err := run(a, entry); err != nil {
		entry.WithError(err).Error("fatal")
		os.Exit(1)
	}
}

func run(a args, log *logrus.Entry) error {
	info, err := metainfo.Parse(a.TorrentFile)
	if err != nil {
		return err
	}

	targetPath := info.FileName
	fs, seeding, err := openStore(targetPath, info)
	if err != nil {
		return err
	}
	defer fs.Close()

	tr := tracker.New(info.AnnounceURL, info.InfoHash, info.PeerID, a.Port, info.FileSize, targetPath)

	eng := engine.New(info, fs, tr, log)
	if seeding {
		if err := eng.LoadExistingBitfield(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		tr.Stop()
		cancel()
	}()

	srv, err := netio.Listen(a.Port, eng, log)
	if err != nil {
		return err
	}
	defer srv.Close()
	go func() {
		if err := srv.Serve(ctx); err != nil {
			log.WithError(err).Warn("accept loop stopped")
		}
	}()

	eng.StartChokeScheduler(ctx)

	go func() {
		if err := tr.Run(ctx); err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("fatal")
				os.Exit(1)
			}
			log.WithError(err).Warn("tracker loop stopped")
		}
	}()

	go dialKnownPeers(ctx, tr, eng, info, log)

	shell(ctx, a, info, tr, eng)
	return nil
}

func openStore(targetPath string, info *metainfo.Info) (*store.Store, bool, error) {
	if _, err := os.Stat(targetPath); err == nil {
		s, err := store.OpenSeeder(targetPath)
		return s, true, err
	}
	s, err := store.OpenLeecher(targetPath, info.FileSize)
	return s, false, err
}

// dialKnownPeers waits, at most once every 5 seconds, for the next
// peer list a tracker announce delivers and dials every address in it
// that it has not dialed before. Each address is dialed at most once
// per run, even after its receiver connection closes.
func dialKnownPeers(ctx context.Context, tr *tracker.Agent, eng *engine.Engine, info *metainfo.Info, log *logrus.Entry) {
	dialed := make(map[string]bool)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, p := range tr.WaitForPeers(ctx) {
			addr := p.String()
			if dialed[addr] {
				continue
			}
			dialed[addr] = true
			go func(addr string) {
				r, err := peerconn.Dial(ctx, addr, eng, log)
				if err != nil {
					log.WithField("peer", addr).WithError(err).Debug("dial failed")
					return
				}
				if err := r.Run(ctx); err != nil {
					log.WithField("peer", addr).WithError(err).Debug("receiver connection closed")
				}
			}(addr)
		}
	}
}

func shell(ctx context.Context, a args, info *metainfo.Info, tr *tracker.Agent, eng *engine.Engine) {
	fmt.Printf("urtorrent listening on port %d for %q\n", a.Port, info.FileName)
	fmt.Println("commands: metainfo | announce | trackerinfo | show | status | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch cmd {
		case "metainfo":
			printMetainfo(info)
		case "announce":
			if err := tr.AnnounceNow(ctx); err != nil {
				fmt.Println("announce failed:", err)
			}
		case "trackerinfo":
			printTrackerInfo(tr)
		case "show":
			printStatus(eng)
		case "status":
			printStatus(eng)
		case "quit":
			tr.Stop()
			return
		case "":
			// ignore blank lines
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
}

func printMetainfo(info *metainfo.Info) {
	fmt.Printf("name:        %s\n", info.FileName)
	fmt.Printf("announce:    %s\n", info.AnnounceURL)
	fmt.Printf("size:        %d bytes\n", info.FileSize)
	fmt.Printf("piece length %d bytes\n", info.PieceLength)
	fmt.Printf("pieces:      %d\n", info.PieceCount)
	fmt.Printf("info hash:   %x\n", info.InfoHash)
	fmt.Printf("peer id:     %s\n", info.PeerID)
}

func printTrackerInfo(tr *tracker.Agent) {
	stats := tr.Stats()
	fmt.Printf("complete:    %d\n", stats.Complete)
	fmt.Printf("incomplete:  %d\n", stats.Incomplete)
	fmt.Printf("interval:    %s\n", stats.Interval)
	fmt.Printf("peers known: %d\n", len(stats.Peers))
}

func printStatus(eng *engine.Engine) {
	receivers, senders := eng.PeerCount()
	fmt.Printf("complete:    %v\n", eng.Completed())
	fmt.Printf("receivers:   %d\n", receivers)
	fmt.Printf("senders:     %d\n", senders)
}
