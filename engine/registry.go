package engine

import "urtorrent/peerconn"

// RegisterReceiver adds an active outbound connection to the receiver
// registry consulted by TriggerRarestFirst.
func (e *Engine) RegisterReceiver(addr string, r *peerconn.Receiver) {
	e.receiversMu.Lock()
	e.receivers[addr] = r
	e.receiversMu.Unlock()
}

// UnregisterReceiver removes addr from the receiver registry.
func (e *Engine) UnregisterReceiver(addr string) {
	e.receiversMu.Lock()
	delete(e.receivers, addr)
	e.receiversMu.Unlock()
}

// RegisterSender adds an active inbound connection to the sender
// registry consulted by the choke scheduler and BroadcastHave.
func (e *Engine) RegisterSender(addr string, s *peerconn.Sender) {
	e.sendersMu.Lock()
	e.senders[addr] = s
	e.sendersMu.Unlock()
}

// UnregisterSender removes addr from the sender registry and its
// choke-related bookkeeping.
func (e *Engine) UnregisterSender(addr string) {
	e.sendersMu.Lock()
	delete(e.senders, addr)
	delete(e.upRates, addr)
	e.sendersMu.Unlock()
	e.UnchokeRemove(addr)
}

// RecordDownloadRate stores addr's most recently measured download
// rate. Neither the choke scheduler nor status reporting reads it.
func (e *Engine) RecordDownloadRate(addr string, bytesPerSec float64) {
	e.sendersMu.Lock()
	e.downRates[addr] = bytesPerSec
	e.sendersMu.Unlock()
}

// RecordUploadRate stores addr's most recently measured upload rate,
// consulted by the choke scheduler's regular-unchoke ranking.
func (e *Engine) RecordUploadRate(addr string, bytesPerSec float64) {
	e.sendersMu.Lock()
	e.upRates[addr] = bytesPerSec
	e.sendersMu.Unlock()
}

// ReportUploaded adds n bytes to the tracker's cumulative upload
// counter, if a tracker is attached.
func (e *Engine) ReportUploaded(n int64) {
	if e.tracker != nil {
		e.tracker.AddUploaded(n)
	}
}

// ReportDownloaded adds n bytes to the tracker's cumulative download
// counter, if a tracker is attached.
func (e *Engine) ReportDownloaded(n int64) {
	if e.tracker != nil {
		e.tracker.AddDownloaded(n)
	}
}

// PeerCount returns the number of currently active receivers and
// senders, for status reporting.
func (e *Engine) PeerCount() (receivers, senders int) {
	e.receiversMu.RLock()
	receivers = len(e.receivers)
	e.receiversMu.RUnlock()
	e.sendersMu.RLock()
	senders = len(e.senders)
	e.sendersMu.RUnlock()
	return
}
