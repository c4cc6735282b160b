// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"

	"github.com/dscotese/eclair/blockchain"
	"github.com/dscotese/eclair/electrum"
)

// State is the wallet's connection lifecycle state.
type State int

const (
	// StateDisconnected is the initial and failure state; no server
	// traffic flows.
	StateDisconnected State = iota

	// StateWaitingForTip awaits the server's initial tip announcement.
	StateWaitingForTip

	// StateSyncing downloads header chunks until the server runs dry.
	StateSyncing

	// StateRunning is full duplex operation.
	StateRunning
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateWaitingForTip:
		return "WAITING_FOR_TIP"
	case StateSyncing:
		return "SYNCING"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// handleResponse is the single dispatch point of the state machine.
// It runs on the event goroutine; every state transition in the wallet
// happens below this function.
func (w *Wallet) handleResponse(resp electrum.Response) {
	log.Tracef("Processing %T in state %v: %v", resp, w.state,
		newLogClosure(func() string {
			return spew.Sdump(resp)
		}))

	// Disconnection is handled uniformly in every state.
	if _, ok := resp.(electrum.Disconnected); ok {
		w.handleDisconnected()
		return
	}

	switch w.state {
	case StateDisconnected:
		if _, ok := resp.(electrum.ServerReady); ok {
			w.send(electrum.HeaderSubscription{})
			w.state = StateWaitingForTip
			return
		}
		log.Debugf("Ignoring %T while disconnected", resp)

	case StateWaitingForTip:
		if tip, ok := resp.(electrum.HeaderSubscriptionResponse); ok {
			w.handleInitialTip(tip)
			return
		}
		log.Debugf("Ignoring %T while waiting for tip", resp)

	case StateSyncing:
		switch r := resp.(type) {
		case electrum.GetHeadersResponse:
			w.handleSyncHeaders(r)
		case electrum.HeaderSubscriptionResponse:
			// The tip moved while syncing; the ongoing chunk requests
			// will catch up with it.
			log.Debugf("Ignoring tip %d while syncing", r.Height)
		case electrum.ServerError:
			w.disconnect("server error while syncing: %s", r.Message)
		default:
			log.Debugf("Ignoring %T while syncing", resp)
		}

	case StateRunning:
		switch r := resp.(type) {
		case electrum.HeaderSubscriptionResponse:
			w.handleNewTip(r)
		case electrum.ScripthashSubscriptionResponse:
			w.handleScriptHashStatus(r)
		case electrum.GetScripthashHistoryResponse:
			w.handleScriptHashHistory(r)
		case electrum.GetTransactionResponse:
			w.handleTransaction(r)
		case electrum.GetMerkleResponse:
			w.handleMerkle(r)
		case electrum.GetHeadersResponse:
			w.handleHeaderBackfill(r)
		case electrum.BroadcastTransactionResponse:
			log.Infof("Server accepted broadcast of %v", r.Txid)
		case electrum.ServerError:
			w.handleServerError(r)
		default:
			log.Debugf("Ignoring %T while running", resp)
		}
	}
}

// disconnect reports a protocol violation, tears the connection down
// and applies the local disconnect transition immediately.  The
// transport's own Disconnected notification is absorbed idempotently
// later.
func (w *Wallet) disconnect(format string, args ...interface{}) {
	log.Errorf("Disconnecting: "+format, args...)
	if client := w.getClient(); client != nil {
		client.Disconnect()
	}
	w.handleDisconnected()
}

// handleDisconnected implements the uniform failure transition: forget
// the statuses of scripthashes with outstanding history requests so
// they are re-queried on reconnect, clear every pending-request set and
// the last published ready message, and fall back to DISCONNECTED.
func (w *Wallet) handleDisconnected() {
	if w.state == StateDisconnected {
		return
	}
	log.Infof("Server connection lost in state %v", w.state)

	for sh := range w.data.pendingHistoryRequests {
		delete(w.data.status, sh)
	}
	w.data.pendingHistoryRequests = make(map[chainhash.Hash]struct{})
	w.data.pendingTxRequests = make(map[chainhash.Hash]struct{})
	w.data.pendingHeadersRequests = make(map[uint32]struct{})
	w.data.deferredMerkle = nil
	w.data.lastReady = nil
	w.state = StateDisconnected
}

// handleInitialTip decides, from the server's first tip announcement,
// whether and where header syncing starts.
func (w *Wallet) handleInitialTip(tip electrum.HeaderSubscriptionResponse) {
	chain := w.data.chain
	localHeight := chain.Height()

	switch {
	case int64(tip.Height) < localHeight:
		w.disconnect("server is behind us: its tip %d, ours %d",
			tip.Height, localHeight)

	case !chain.HasChain():
		start := chain.StartHeight()
		log.Infof("Starting header sync at height %d", start)
		w.send(electrum.GetHeaders{
			StartHeight: start,
			Count:       blockchain.RetargetingPeriod,
		})
		w.state = StateSyncing

	case int64(tip.Height) == localHeight && w.tipMatches(tip):
		log.Infof("Already at tip %d", tip.Height)
		w.enterRunning()

	default:
		w.send(electrum.GetHeaders{
			StartHeight: uint32(localHeight + 1),
			Count:       blockchain.RetargetingPeriod,
		})
		w.state = StateSyncing
	}
}

// tipMatches reports whether the server's announced tip is our best
// header.
func (w *Wallet) tipMatches(tip electrum.HeaderSubscriptionResponse) bool {
	node, ok := w.data.chain.Tip()
	if !ok {
		return false
	}
	return node.Height == tip.Height && node.Header == tip.Header
}

// handleSyncHeaders ingests one sync chunk and requests the next one,
// or finishes the sync when the server runs dry.
func (w *Wallet) handleSyncHeaders(r electrum.GetHeadersResponse) {
	if len(r.Headers) == 0 {
		log.Infof("Header sync complete at height %d", w.data.chain.Height())
		w.enterRunning()
		return
	}

	if err := w.data.chain.AddHeaders(r.StartHeight, r.Headers); err != nil {
		w.disconnect("header chunk at %d rejected: %v", r.StartHeight, err)
		return
	}
	w.persistPruned(w.data.chain.Optimize())

	w.send(electrum.GetHeaders{
		StartHeight: uint32(w.data.chain.Height() + 1),
		Count:       blockchain.RetargetingPeriod,
	})
}

// enterRunning subscribes every key's scripthash and switches to full
// duplex operation.
func (w *Wallet) enterRunning() {
	w.state = StateRunning
	for _, ki := range w.data.accountKeys {
		w.send(electrum.ScripthashSubscription{Scripthash: ki.scriptHash})
	}
	for _, ki := range w.data.changeKeys {
		w.send(electrum.ScripthashSubscription{Scripthash: ki.scriptHash})
	}
}

// handleNewTip processes a tip announcement in RUNNING: verify and
// append the header, persist what falls off the in-memory window, and
// republish the depth of every confirmed transaction.
func (w *Wallet) handleNewTip(r electrum.HeaderSubscriptionResponse) {
	if w.tipMatches(r) {
		return
	}

	if err := w.data.chain.AddHeader(r.Height, r.Header); err != nil {
		w.disconnect("tip header at %d rejected: %v", r.Height, err)
		return
	}
	w.persistPruned(w.data.chain.Optimize())
	w.replayDeferredMerkle()

	for txid, height := range w.data.heights {
		if height <= 0 {
			continue
		}
		w.publish(TransactionConfidenceChanged{
			Txid:      txid,
			Depth:     w.depth(txid),
			Timestamp: w.timestampAt(height),
		})
	}
	w.advertiseAndPersist()
}

// handleScriptHashStatus processes a status notification for a
// scripthash.
func (w *Wallet) handleScriptHashStatus(r electrum.ScripthashSubscriptionResponse) {
	sh, status := r.Scripthash, r.Status

	if prev, ok := w.data.status[sh]; ok && prev == status {
		// Nothing changed, but after a restart the transaction store
		// may trail the history; re-request whatever is missing.
		for _, item := range w.data.history[sh] {
			if _, have := w.data.transactions[item.Txid]; have {
				continue
			}
			if _, pending := w.data.pendingTxRequests[item.Txid]; pending {
				continue
			}
			if w.inOrphans(item.Txid) {
				continue
			}
			w.data.pendingTxRequests[item.Txid] = struct{}{}
			w.send(electrum.GetTransaction{Txid: item.Txid})
		}
		return
	}

	ki, ours := w.data.keysByHash[sh]
	if !ours {
		log.Warnf("Status for unknown scripthash %v", sh)
		return
	}

	if status == "" {
		w.data.status[sh] = ""
		w.advertiseAndPersist()
		return
	}

	seenKey := seenStatusKey{scriptHash: sh, status: status}
	_, seen := w.data.seenStatuses[seenKey]
	prevStatus := w.data.status[sh]
	w.data.seenStatuses[seenKey] = struct{}{}
	w.data.status[sh] = status

	w.data.pendingHistoryRequests[sh] = struct{}{}
	w.send(electrum.GetScripthashHistory{Scripthash: sh})

	// Gap-limit expansion: the first activity on a previously unused
	// key grows its branch by one, keeping a full window of unused keys
	// ahead.  The seen-set keys on (scripthash, status) so replayed
	// notifications after a reconnect do not grow the branch again.
	if !seen && prevStatus == "" {
		next, err := w.extendBranch(ki.branch)
		if err != nil {
			log.Errorf("Unable to extend branch %d: %v", ki.branch, err)
			return
		}
		w.send(electrum.ScripthashSubscription{Scripthash: next.scriptHash})
	}
}

// handleScriptHashHistory ingests a history response: fetch unknown
// transactions, track height transitions and their proofs, and retain
// shadow items the server does not know about yet.
func (w *Wallet) handleScriptHashHistory(r electrum.GetScripthashHistoryResponse) {
	sh := r.Scripthash

	serverTxids := make(map[chainhash.Hash]struct{}, len(r.History))
	for _, item := range r.History {
		serverTxids[item.Txid] = struct{}{}
	}

	// Shadow items: entries we hold that the server omitted, typically
	// freshly committed spends the server has not indexed yet.
	newHistory := append([]electrum.HistoryItem(nil), r.History...)
	for _, item := range w.data.history[sh] {
		if _, ok := serverTxids[item.Txid]; !ok {
			newHistory = append(newHistory, item)
		}
	}

	for _, item := range r.History {
		txid, height := item.Txid, item.Height

		_, haveTx := w.data.transactions[txid]
		if !haveTx {
			_, pending := w.data.pendingTxRequests[txid]
			if !pending && !w.inOrphans(txid) {
				w.data.pendingTxRequests[txid] = struct{}{}
				w.send(electrum.GetTransaction{Txid: txid})
			}
		}

		prevHeight, had := w.data.heights[txid]
		switch {
		case !had || prevHeight != height:
			// New or reorged.
			w.data.heights[txid] = height
			if height > 0 {
				delete(w.data.proofs, txid)
				w.send(electrum.GetMerkle{
					Txid: txid, Height: uint32(height),
				})
				w.requestHeadersIfMissing(uint32(height))
			}
			w.publish(TransactionConfidenceChanged{
				Txid:      txid,
				Depth:     w.depth(txid),
				Timestamp: w.timestampAt(height),
			})

		case height > 0:
			if _, haveProof := w.data.proofs[txid]; !haveProof {
				w.send(electrum.GetMerkle{
					Txid: txid, Height: uint32(height),
				})
				w.requestHeadersIfMissing(uint32(height))
			}
		}
	}

	w.data.history[sh] = newHistory
	delete(w.data.pendingHistoryRequests, sh)
	w.advertiseAndPersist()
}

// requestHeadersIfMissing fetches the retargeting-period chunk
// containing a height when neither the in-memory view nor the header
// database holds it, deduplicated per chunk.
func (w *Wallet) requestHeadersIfMissing(height uint32) {
	if _, ok := w.data.chain.HeaderAt(height); ok {
		return
	}
	if int64(height) > w.data.chain.Height() {
		// The block is ahead of our tip; the header subscription will
		// deliver it.
		return
	}
	start := height / blockchain.RetargetingPeriod * blockchain.RetargetingPeriod
	if _, pending := w.data.pendingHeadersRequests[start]; pending {
		return
	}
	w.data.pendingHeadersRequests[start] = struct{}{}
	w.send(electrum.GetHeaders{
		StartHeight: start,
		Count:       blockchain.RetargetingPeriod,
	})
}

// handleTransaction ingests a downloaded transaction, queueing it as an
// orphan when it spends one of our outputs whose parent is still
// unknown, and replays the orphan queue after every successful ingest.
func (w *Wallet) handleTransaction(r electrum.GetTransactionResponse) {
	if !w.ingestTransaction(r.Tx) {
		w.enqueueOrphan(r.Tx)
		return
	}
	w.replayOrphans()
	w.advertiseAndPersist()
}

// ingestTransaction stores a transaction and publishes its receipt iff
// its wallet-relevant parents are known.
func (w *Wallet) ingestTransaction(tx *wire.MsgTx) bool {
	txid := tx.TxHash()
	if _, ok := w.data.transactions[txid]; ok {
		// Already ingested; never add a transaction twice.
		delete(w.data.pendingTxRequests, txid)
		return true
	}

	received, sent, fee, feeKnown, ok := w.transactionDelta(tx)
	if !ok {
		return false
	}

	w.data.transactions[txid] = tx
	delete(w.data.pendingTxRequests, txid)
	w.publish(TransactionReceived{
		Tx:        tx,
		Depth:     w.depth(txid),
		Received:  received,
		Sent:      sent,
		Fee:       fee,
		FeeKnown:  feeKnown,
		Timestamp: w.txTimestamp(txid),
	})
	return true
}

// replayOrphans re-attempts every queued orphan until a pass makes no
// progress.  Each pass either connects a transaction or leaves it
// queued, and connected transactions are never re-added, so this
// terminates.
func (w *Wallet) replayOrphans() {
	progress := true
	for progress {
		progress = false
		for i, orphan := range w.data.pendingTransactions {
			if !w.ingestTransaction(orphan) {
				continue
			}
			w.data.pendingTransactions = append(
				w.data.pendingTransactions[:i],
				w.data.pendingTransactions[i+1:]...)
			progress = true
			break
		}
	}
}

// enqueueOrphan queues a transaction whose parents are missing, capped
// with drop-oldest overflow; the server re-announces on reconnect.
func (w *Wallet) enqueueOrphan(tx *wire.MsgTx) {
	txid := tx.TxHash()
	if w.inOrphans(txid) {
		return
	}
	if len(w.data.pendingTransactions) >= w.cfg.OrphanLimit {
		dropped := w.data.pendingTransactions[0]
		w.data.pendingTransactions = w.data.pendingTransactions[1:]
		log.Warnf("Orphan queue full, dropping %v", dropped.TxHash())
	}
	w.data.pendingTransactions = append(w.data.pendingTransactions, tx)
	log.Debugf("Queued orphan %v", txid)
}

// handleMerkle verifies a merkle proof against the containing header.
// A proof whose header chunk is still in flight is parked and replayed
// when the chunk arrives; a proof that contradicts the header is a
// protocol violation.
func (w *Wallet) handleMerkle(r electrum.GetMerkleResponse) {
	header, ok := w.data.chain.HeaderAt(r.BlockHeight)
	if !ok {
		w.requestHeadersIfMissing(r.BlockHeight)
		w.data.deferredMerkle = append(w.data.deferredMerkle, r)
		return
	}

	root := blockchain.MerkleRootFromPath(r.Txid, r.MerklePath, r.Pos)
	if root != header.MerkleRoot {
		delete(w.data.transactions, r.Txid)
		w.disconnect("merkle proof for %v does not match header at %d",
			r.Txid, r.BlockHeight)
		return
	}

	w.data.proofs[r.Txid] = &MerkleProof{
		Txid:        r.Txid,
		MerklePath:  r.MerklePath,
		Pos:         r.Pos,
		BlockHeight: r.BlockHeight,
		Root:        root,
	}
	w.advertiseAndPersist()
}

// handleHeaderBackfill ingests a header chunk requested for an old
// confirmed transaction, persists it and replays any parked merkle
// proofs.
func (w *Wallet) handleHeaderBackfill(r electrum.GetHeadersResponse) {
	delete(w.data.pendingHeadersRequests, r.StartHeight)
	if len(r.Headers) == 0 {
		return
	}

	// Chunks below the highest checkpoint are validated against the
	// checkpoints; anything above it goes through full verification.
	var err error
	if r.StartHeight >= w.data.chain.StartHeight() {
		err = w.data.chain.AddHeaders(r.StartHeight, r.Headers)
	} else {
		err = w.data.chain.AddHeadersChunk(r.StartHeight, r.Headers)
	}
	if err != nil {
		w.disconnect("backfill chunk at %d rejected: %v", r.StartHeight, err)
		return
	}
	if err := w.cfg.DB.AddHeaders(r.StartHeight, r.Headers); err != nil {
		log.Errorf("Unable to persist backfill chunk at %d: %v",
			r.StartHeight, err)
		return
	}

	w.replayDeferredMerkle()
}

// replayDeferredMerkle re-runs parked merkle responses; any proof whose
// header is still missing parks itself again.
func (w *Wallet) replayDeferredMerkle() {
	deferred := w.data.deferredMerkle
	w.data.deferredMerkle = nil
	for _, merkle := range deferred {
		w.handleMerkle(merkle)
	}
}

// handleServerError inspects a server-side request failure.  A server
// refusing to return a transaction it previously announced in a history
// is inconsistent with itself and gets disconnected.
func (w *Wallet) handleServerError(r electrum.ServerError) {
	if get, ok := r.Request.(electrum.GetTransaction); ok {
		_, tracked := w.data.heights[get.Txid]
		_, pending := w.data.pendingTxRequests[get.Txid]
		if tracked || pending {
			w.disconnect("server cannot provide %v from our history: %s",
				get.Txid, r.Message)
			return
		}
	}
	log.Warnf("Server error for %T: %s", r.Request, r.Message)
}

// persistPruned writes headers pruned from the in-memory window to the
// header database in retargeting-period groups.  Durability before
// pruning is guaranteed by writing here, synchronously, before the
// event loop proceeds.
func (w *Wallet) persistPruned(pruned []blockchain.IndexedHeader) {
	for len(pruned) > 0 {
		group := pruned
		if len(group) > blockchain.RetargetingPeriod {
			group = group[:blockchain.RetargetingPeriod]
		}
		headers := make([]wire.BlockHeader, len(group))
		for i, ih := range group {
			headers[i] = ih.Header
		}
		if err := w.cfg.DB.AddHeaders(group[0].Height, headers); err != nil {
			log.Errorf("Unable to persist %d pruned headers at %d: %v",
				len(group), group[0].Height, err)
			return
		}
		pruned = pruned[len(group):]
	}
}

// isReady reports whether the wallet holds a full unused-key window on
// both branches with no outstanding history or transaction request.
func (w *Wallet) isReady() bool {
	unused := 0
	for _, status := range w.data.status {
		if status == "" {
			unused++
		}
	}
	return unused >= 2*w.cfg.GapLimit &&
		len(w.data.pendingHistoryRequests) == 0 &&
		len(w.data.pendingTxRequests) == 0
}

// advertiseAndPersist publishes WalletReady and the receive address and
// persists a snapshot whenever the ready message changed since it was
// last published.
func (w *Wallet) advertiseAndPersist() {
	if w.state != StateRunning || !w.isReady() {
		return
	}

	balance := w.balance()
	ready := WalletReady{
		Confirmed:   balance.Confirmed,
		Unconfirmed: balance.Unconfirmed,
		TipHeight:   w.data.chain.Height(),
	}
	if node, ok := w.data.chain.Tip(); ok {
		ready.TipTime = node.Header.Timestamp
	}
	if w.data.lastReady != nil && *w.data.lastReady == ready {
		return
	}
	w.data.lastReady = &ready

	w.publish(ready)
	w.publish(NewReceiveAddress{
		Address: w.receiveKey().address.EncodeAddress(),
	})
	w.persistSnapshot()
}
