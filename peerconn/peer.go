package peerconn

import (
	"net"
	"sync"
	"time"
)

// rateSample is a minimal exponential moving average over bytes
// transferred, sampled whenever the owning worker updates it.
type rateSample struct {
	mu        sync.Mutex
	lastBytes int64
	lastAt    time.Time
	rate      float64
}

func newRateSample() *rateSample {
	return &rateSample{lastAt: time.Now()}
}

// add folds n freshly transferred bytes into the running rate and
// returns the updated bytes-per-second estimate.
func (r *rateSample) add(n int64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastBytes += n
	now := time.Now()
	elapsed := now.Sub(r.lastAt).Seconds()
	if elapsed >= 1.0 {
		instant := float64(r.lastBytes) / elapsed
		if r.rate == 0 {
			r.rate = instant
		} else {
			r.rate = 0.6*r.rate + 0.4*instant
		}
		r.lastBytes = 0
		r.lastAt = now
	}
	return r.rate
}

func (r *rateSample) value() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// addrOf formats a net.Conn's remote address as the stable string key
// used throughout the engine's peer registries.
func addrOf(c net.Conn) string {
	return c.RemoteAddr().String()
}
