package engine

import (
	"fmt"
	"sort"

	pkgerrors "github.com/pkg/errors"
)

// OnBitfield validates a peer's advertised bitfield against the local
// piece count and folds its bits into the rarity vector.
func (e *Engine) OnBitfield(addr string, bf []byte) error {
	want := bitfieldBytes(e.info.PieceCount)
	if len(bf) != want {
		return pkgerrors.New(fmt.Sprintf("engine: bitfield length %d, want %d", len(bf), want))
	}
	if !spareBitsZero(bf, e.info.PieceCount) {
		return pkgerrors.New("engine: bitfield has non-zero spare bits")
	}

	e.rarityMu.Lock()
	for i := 0; i < e.info.PieceCount; i++ {
		if bitGet(bf, i) {
			e.rarity[i]++
		}
	}
	e.rarityMu.Unlock()

	e.TriggerRarestFirst()
	return nil
}

// OnHave records a single piece announcement from addr. Callers must
// only invoke this the first time addr advertises index (peerconn's
// Receiver tracks this per-peer so a repeated HAVE for a bit it
// already recorded never reaches here), since there is no per-addr
// bitfield here to de-duplicate against.
func (e *Engine) OnHave(addr string, index uint32) error {
	if int(index) >= e.info.PieceCount {
		return pkgerrors.New(fmt.Sprintf("engine: have index %d out of range", index))
	}
	e.rarityMu.Lock()
	e.rarity[index]++
	e.rarityMu.Unlock()
	e.TriggerRarestFirst()
	return nil
}

// RarityOf returns the current known-holder count for piece i.
func (e *Engine) RarityOf(i int) int {
	e.rarityMu.RLock()
	defer e.rarityMu.RUnlock()
	return e.rarity[i]
}

// TriggerRarestFirst runs one pass of the rarest-first selector: among
// pieces we lack, have a known holder for, and have not already
// claimed, it finds the globally rarest (ties broken uniformly at
// random via RandomIndex) and assigns it to the first idle receiver,
// in address order, that has advertised it. It is idempotent when no
// piece qualifies or no receiver qualifies, so every caller (post-
// BITFIELD, post-HAVE, post-piece-completion, post-receiver-teardown)
// can call it unconditionally without checking those cases itself.
func (e *Engine) TriggerRarestFirst() {
	type candidate struct {
		index  int
		rarity int
	}
	var candidates []candidate
	for i := 0; i < e.info.PieceCount; i++ {
		if e.HasPiece(i) {
			continue
		}
		rarity := e.RarityOf(i)
		if rarity <= 0 {
			continue // sentinel: no peer is known to hold this piece yet
		}
		e.requestedMu.Lock()
		_, claimed := e.claims[i]
		e.requestedMu.Unlock()
		if claimed {
			continue
		}
		candidates = append(candidates, candidate{index: i, rarity: rarity})
	}
	if len(candidates) == 0 {
		return
	}

	minRarity := candidates[0].rarity
	for _, c := range candidates[1:] {
		if c.rarity < minRarity {
			minRarity = c.rarity
		}
	}
	var ties []int
	for _, c := range candidates {
		if c.rarity == minRarity {
			ties = append(ties, c.index)
		}
	}
	index := ties[e.RandomIndex(len(ties))]

	e.receiversMu.RLock()
	defer e.receiversMu.RUnlock()
	addrs := make([]string, 0, len(e.receivers))
	for addr := range e.receivers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		r := e.receivers[addr]
		if !r.IsIdle() || !r.PeerHasPiece(index) {
			continue
		}
		if r.AssignTarget(index) {
			return
		}
	}
}

// BroadcastHave writes a HAVE message to every registered sender.
func (e *Engine) BroadcastHave(index uint32) {
	e.sendersMu.RLock()
	defer e.sendersMu.RUnlock()
	for addr, s := range e.senders {
		if err := s.SendHave(index); err != nil {
			e.log.WithField("peer", addr).WithError(err).Debug("failed to send have")
		}
	}
}
