package engine

import "sort"

// runChokeRound re-evaluates the unchoked set: the top interested
// senders ranked by their most recently recorded upload rate (how fast
// we have been serving them, see RecordUploadRate) keep their slots,
// and one additional slot is held by an optimistically-unchoked peer
// that is reshuffled every optimisticEveryN-th tick, mirroring the
// fixed-interval optimistic-unchoke cycle of the original scheduler,
// or sooner when the held peer leaves the optimistic pool. Swarms with at
// most unchokeSlots senders are left alone entirely: with so few
// connections there is nothing to contest a slot for, and recomputing
// would only add choke/unchoke churn.
func (e *Engine) runChokeRound() {
	e.chokeTimer.Start(chokeTick)

	e.sendersMu.RLock()
	totalSenders := len(e.senders)
	if totalSenders <= unchokeSlots {
		e.sendersMu.RUnlock()
		return
	}
	type candidate struct {
		addr string
		rate float64
	}
	candidates := make([]candidate, 0, totalSenders)
	for addr, s := range e.senders {
		if !s.IsInterested() {
			continue
		}
		candidates = append(candidates, candidate{addr: addr, rate: e.upRates[addr]})
	}
	e.sendersMu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].rate > candidates[j].rate })

	regularSlots := unchokeSlots - 1
	if regularSlots > len(candidates) {
		regularSlots = len(candidates)
	}
	rest := candidates[regularSlots:]

	e.unchokedMu.Lock()
	next := make(map[string]bool, unchokeSlots)
	for i := 0; i < regularSlots; i++ {
		next[candidates[i].addr] = true
	}

	e.optimisticIdx++
	reshuffle := e.optimisticIdx%optimisticEveryN == 0

	stillEligible := false
	for _, c := range rest {
		if c.addr == e.optimisticAddr {
			stillEligible = true
			break
		}
	}
	// Reshuffle on the 30s boundary, and also whenever the held peer no
	// longer belongs in the optimistic pool (disconnected, stopped
	// being interested, or itself climbed into a regular slot) so a
	// freed slot doesn't sit idle until the next boundary.
	if reshuffle || !stillEligible {
		if len(rest) > 0 {
			e.optimisticAddr = rest[e.RandomIndex(len(rest))].addr
		} else {
			e.optimisticAddr = ""
		}
	}
	if e.optimisticAddr != "" {
		next[e.optimisticAddr] = true
	}
	e.unchoked = next
	e.unchokedMu.Unlock()

	e.applyChokeState(next)
}

func (e *Engine) applyChokeState(unchoked map[string]bool) {
	e.sendersMu.RLock()
	defer e.sendersMu.RUnlock()
	for addr, s := range e.senders {
		if err := s.SetChoking(!unchoked[addr]); err != nil {
			e.log.WithField("peer", addr).WithError(err).Debug("failed to update choke state")
		}
	}
}

// IsUnchoked reports whether addr currently holds an unchoke slot.
func (e *Engine) IsUnchoked(addr string) bool {
	e.unchokedMu.Lock()
	defer e.unchokedMu.Unlock()
	return e.unchoked[addr]
}

// TryReciprocate opportunistically grants an unchoke slot to a newly
// interested peer when fewer than unchokeSlots are currently in use,
// rather than waiting out the full choke tick.
func (e *Engine) TryReciprocate(addr string) bool {
	e.unchokedMu.Lock()
	if len(e.unchoked) < unchokeSlots {
		e.unchoked[addr] = true
	}
	granted := e.unchoked[addr]
	e.unchokedMu.Unlock()

	if granted {
		e.sendersMu.RLock()
		s, ok := e.senders[addr]
		e.sendersMu.RUnlock()
		if ok {
			_ = s.SetChoking(false)
		}
	}
	return granted
}

// UnchokeRemove removes addr's unchoke slot, if held.
func (e *Engine) UnchokeRemove(addr string) {
	e.unchokedMu.Lock()
	delete(e.unchoked, addr)
	e.unchokedMu.Unlock()
}
