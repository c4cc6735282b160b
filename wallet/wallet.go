// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements an SPV wallet tracking a deterministic key
// hierarchy against an Electrum-style block explorer server.  The
// wallet mirrors the on-chain history of its keys locally, verifies it
// against checkpoint-anchored block headers, and builds, signs and
// broadcasts spends.
//
// All state lives behind a single event goroutine: server responses
// and wallet commands are serialized onto one channel and processed one
// at a time, so no internal locking is needed and event publications
// happen in causal order.
package wallet

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/dscotese/eclair/addresses"
	"github.com/dscotese/eclair/blockchain"
	"github.com/dscotese/eclair/electrum"
	"github.com/dscotese/eclair/keychain"
)

const (
	// DefaultGapLimit is the number of consecutive unused keys kept
	// ahead of the highest used key on each branch.
	DefaultGapLimit = 10

	// DefaultDustLimit is the minimum economical output amount.
	DefaultDustLimit = btcutil.Amount(546)

	// DefaultMinimumFee is the fee floor applied to built transactions.
	DefaultMinimumFee = btcutil.Amount(2000)

	// DefaultOrphanLimit bounds the queue of transactions waiting for
	// their parents.
	DefaultOrphanLimit = 100

	// msgChanBufferSize bounds the event queue.  Responses arriving
	// before Start are parked here.
	msgChanBufferSize = 1024
)

// ErrNotConnected is returned when an operation needs a running server
// connection and there is none.
var ErrNotConnected = errors.New("not connected to a server")

// DB is the persistence backend the wallet consumes: an append-only
// header store keyed by height and a single atomic snapshot slot.
type DB interface {
	// AddHeaders appends a contiguous batch of headers starting at the
	// given height.
	AddHeaders(start uint32, headers []wire.BlockHeader) error

	// GetHeader reads the header at a height.
	GetHeader(height uint32) (wire.BlockHeader, bool)

	// GetHeaders reads up to limit consecutive headers starting at the
	// given height.
	GetHeaders(start uint32, limit int) []wire.BlockHeader

	// PutSnapshot atomically replaces the wallet snapshot.
	PutSnapshot(snapshot []byte) error

	// GetSnapshot reads the wallet snapshot, if any.
	GetSnapshot() ([]byte, bool, error)
}

// Config parameterizes a wallet.  Params, Scheme, Seed and DB are
// required; zero numeric fields fall back to the package defaults.
type Config struct {
	// Params selects the chain.
	Params *chaincfg.Params

	// Scheme is the address scheme, one of addresses.P2SHSegwit or
	// addresses.NativeSegwit.
	Scheme addresses.Scheme

	// Seed is the BIP32 seed the key hierarchy derives from.
	Seed []byte

	// DB is the persistence backend.
	DB DB

	// GapLimit is the unused-key window per branch.
	GapLimit int

	// DustLimit is the minimum economical output amount.
	DustLimit btcutil.Amount

	// MinimumFee is the fee floor for built transactions.
	MinimumFee btcutil.Amount

	// AllowSpendUnconfirmed admits unconfirmed outputs into coin
	// selection.
	AllowSpendUnconfirmed bool

	// OrphanLimit bounds the parent-less transaction queue.
	OrphanLimit int
}

// Wallet is the SPV wallet state machine.  All methods are safe for
// concurrent use; they funnel into the single event goroutine.
type Wallet struct {
	started  int32
	shutdown int32

	cfg  Config
	keys *keychain.KeyManager
	bus  eventBus

	clientMtx sync.Mutex
	client    electrum.Client

	state State
	data  *data

	msgChan chan interface{}
	wg      sync.WaitGroup
	quit    chan struct{}
}

// responseMsg wraps a server response for the event queue.
type responseMsg struct {
	resp electrum.Response
}

type getBalanceMsg struct {
	reply chan Balance
}

type receiveAddressMsg struct {
	reply chan string
}

type rootPubResult struct {
	xpub string
	path string
	err  error
}

type rootPubMsg struct {
	reply chan rootPubResult
}

type dataDumpMsg struct {
	reply chan *DataDump
}

type completeTxResult struct {
	tx  *wire.MsgTx
	fee btcutil.Amount
	err error
}

type completeTxMsg struct {
	tx           *wire.MsgTx
	feeRatePerKw btcutil.Amount
	reply        chan completeTxResult
}

type sendAllMsg struct {
	pkScript     []byte
	feeRatePerKw btcutil.Amount
	reply        chan completeTxResult
}

type commitTxMsg struct {
	tx    *wire.MsgTx
	reply chan struct{}
}

type cancelTxMsg struct {
	tx    *wire.MsgTx
	reply chan struct{}
}

type broadcastMsg struct {
	tx    *wire.MsgTx
	reply chan error
}

type isDoubleSpentMsg struct {
	tx    *wire.MsgTx
	reply chan bool
}

// DataDump is a point-in-time copy of the wallet state, for inspection
// and diagnostics.
type DataDump struct {
	State           State
	AccountKeyCount int
	ChangeKeyCount  int
	TipHeight       int64

	Status  map[chainhash.Hash]string
	Heights map[chainhash.Hash]int32
	History map[chainhash.Hash][]electrum.HistoryItem
	Proofs  map[chainhash.Hash]*MerkleProof
	Locks   []*wire.MsgTx
	Utxos   []Utxo
	Balance Balance
}

// New creates a wallet from a configuration, restoring durable state
// from the database's snapshot slot when one exists.  A corrupt
// snapshot is logged and discarded; the wallet starts fresh.
func New(cfg *Config) (*Wallet, error) {
	switch {
	case cfg.Params == nil:
		return nil, fmt.Errorf("missing chain params")
	case cfg.Scheme == nil:
		return nil, fmt.Errorf("missing address scheme")
	case len(cfg.Seed) == 0:
		return nil, fmt.Errorf("missing seed")
	case cfg.DB == nil:
		return nil, fmt.Errorf("missing database")
	}

	w := &Wallet{
		cfg:     *cfg,
		msgChan: make(chan interface{}, msgChanBufferSize),
		quit:    make(chan struct{}),
	}
	if w.cfg.GapLimit <= 0 {
		w.cfg.GapLimit = DefaultGapLimit
	}
	if w.cfg.DustLimit <= 0 {
		w.cfg.DustLimit = DefaultDustLimit
	}
	if w.cfg.MinimumFee <= 0 {
		w.cfg.MinimumFee = DefaultMinimumFee
	}
	if w.cfg.OrphanLimit <= 0 {
		w.cfg.OrphanLimit = DefaultOrphanLimit
	}

	keys, err := keychain.New(cfg.Seed, cfg.Scheme.Purpose(), cfg.Params)
	if err != nil {
		return nil, err
	}
	w.keys = keys

	chain, err := blockchain.NewView(cfg.Params,
		blockchain.CheckpointsForChain(cfg.Params), cfg.DB)
	if err != nil {
		return nil, err
	}
	w.data = newData(chain)

	accountCount := w.cfg.GapLimit
	changeCount := w.cfg.GapLimit
	if snap := w.loadSnapshot(); snap != nil {
		if int(snap.accountKeyCount) > accountCount {
			accountCount = int(snap.accountKeyCount)
		}
		if int(snap.changeKeyCount) > changeCount {
			changeCount = int(snap.changeKeyCount)
		}
		w.restoreSnapshot(snap)
	}

	for i := 0; i < accountCount; i++ {
		if _, err := w.extendBranch(keychain.ExternalBranch); err != nil {
			return nil, err
		}
	}
	for i := 0; i < changeCount; i++ {
		if _, err := w.extendBranch(keychain.InternalBranch); err != nil {
			return nil, err
		}
	}

	w.reloadHeaders()
	return w, nil
}

// loadSnapshot reads and decodes the persisted snapshot, tolerating
// corruption by starting fresh.
func (w *Wallet) loadSnapshot() *snapshot {
	raw, ok, err := w.cfg.DB.GetSnapshot()
	if err != nil {
		log.Errorf("Unable to read snapshot, starting fresh: %v", err)
		return nil
	}
	if !ok {
		return nil
	}
	snap, err := decodeSnapshot(raw)
	if err != nil {
		log.Errorf("Corrupt snapshot, starting fresh: %v", err)
		return nil
	}
	return snap
}

// restoreSnapshot installs a decoded snapshot into the state.  The
// seen-status set is rebuilt from the restored statuses so that
// replayed notifications do not re-trigger gap-limit expansion.
func (w *Wallet) restoreSnapshot(snap *snapshot) {
	w.data.status = snap.status
	w.data.transactions = snap.transactions
	w.data.heights = snap.heights
	w.data.history = snap.history
	w.data.proofs = snap.proofs
	w.data.pendingTransactions = snap.pendingTransactions
	for _, tx := range snap.locks {
		w.data.locks[tx.TxHash()] = tx
	}
	for sh, status := range snap.status {
		if status != "" {
			w.data.seenStatuses[seenStatusKey{
				scriptHash: sh, status: status,
			}] = struct{}{}
		}
	}
	log.Infof("Restored snapshot: %d keys, %d transactions, %d locks",
		snap.accountKeyCount+snap.changeKeyCount,
		len(snap.transactions), len(snap.locks))
}

// reloadHeaders replays persisted headers above the highest checkpoint
// into the in-memory view so a restarted wallet resumes at its old
// tip.  The view is re-pruned as it grows; the pruned output is
// discarded because these headers are already durable.
func (w *Wallet) reloadHeaders() {
	cursor := w.data.chain.StartHeight()
	for {
		headers := w.cfg.DB.GetHeaders(cursor, blockchain.RetargetingPeriod)
		if len(headers) == 0 {
			break
		}
		if err := w.data.chain.AddHeaders(cursor, headers); err != nil {
			log.Errorf("Persisted headers at %d no longer verify: %v",
				cursor, err)
			break
		}
		w.data.chain.Optimize()
		cursor += uint32(len(headers))
		if len(headers) < blockchain.RetargetingPeriod {
			break
		}
	}
	if w.data.chain.HasChain() {
		log.Infof("Resuming with header chain at height %d",
			w.data.chain.Height())
	}
}

// SetClient attaches the server transport.  Call it before the
// transport's handshake so the wallet can answer the resulting
// ServerReady; on reconnect, attach the new transport the same way.
func (w *Wallet) SetClient(client electrum.Client) {
	w.clientMtx.Lock()
	w.client = client
	w.clientMtx.Unlock()
}

// getClient reads the currently attached transport.
func (w *Wallet) getClient() electrum.Client {
	w.clientMtx.Lock()
	defer w.clientMtx.Unlock()
	return w.client
}

// Start launches the event goroutine.
func (w *Wallet) Start() {
	if atomic.AddInt32(&w.started, 1) != 1 {
		return
	}
	w.wg.Add(1)
	go w.eventHandler()
	log.Tracef("Wallet started")
}

// Stop terminates the event goroutine, dropping queued messages.
func (w *Wallet) Stop() {
	if atomic.AddInt32(&w.shutdown, 1) != 1 {
		return
	}
	close(w.quit)
	w.wg.Wait()
	log.Tracef("Wallet stopped")
}

// Subscribe registers a callback for wallet events.  Callbacks run on
// the event goroutine and must not block.
func (w *Wallet) Subscribe(cb EventCallback) {
	w.bus.subscribe(cb)
}

// HandleResponse enqueues a server response for processing.  It is the
// wallet side of electrum.ConnConfig.Handler.
func (w *Wallet) HandleResponse(resp electrum.Response) {
	w.enqueue(responseMsg{resp: resp})
}

// enqueue posts a message to the event goroutine, giving up when the
// wallet is shutting down.
func (w *Wallet) enqueue(msg interface{}) bool {
	select {
	case w.msgChan <- msg:
		return true
	case <-w.quit:
		return false
	}
}

// send forwards a request to the server transport.
func (w *Wallet) send(req electrum.Request) {
	client := w.getClient()
	if client == nil {
		log.Warnf("No transport attached, dropping %T", req)
		return
	}
	client.SendRequest(req)
}

// publish emits an event to every subscriber.
func (w *Wallet) publish(event Event) {
	log.Debugf("Publishing %T", event)
	w.bus.publish(event)
}

// eventHandler serializes every state transition.  Responses and
// commands are handled one at a time, command replies are sent before
// the next message is dequeued, and publications happen inside the
// transition that caused them.
func (w *Wallet) eventHandler() {
	defer w.wg.Done()

out:
	for {
		select {
		case m := <-w.msgChan:
			switch msg := m.(type) {
			case responseMsg:
				w.handleResponse(msg.resp)

			case getBalanceMsg:
				msg.reply <- w.balance()

			case receiveAddressMsg:
				msg.reply <- w.receiveKey().address.EncodeAddress()

			case rootPubMsg:
				pub, err := w.keys.RootPub()
				if err != nil {
					msg.reply <- rootPubResult{err: err}
					continue
				}
				msg.reply <- rootPubResult{
					xpub: pub.String(),
					path: w.keys.RootPath(),
				}

			case dataDumpMsg:
				msg.reply <- w.dumpData()

			case completeTxMsg:
				tx, fee, err := w.completeTransaction(msg.tx, msg.feeRatePerKw)
				msg.reply <- completeTxResult{tx: tx, fee: fee, err: err}

			case sendAllMsg:
				tx, fee, err := w.spendAll(msg.pkScript, msg.feeRatePerKw)
				msg.reply <- completeTxResult{tx: tx, fee: fee, err: err}

			case commitTxMsg:
				w.commitTransaction(msg.tx)
				msg.reply <- struct{}{}

			case cancelTxMsg:
				w.cancelTransaction(msg.tx)
				msg.reply <- struct{}{}

			case broadcastMsg:
				if w.state != StateRunning {
					msg.reply <- ErrNotConnected
					continue
				}
				w.send(electrum.BroadcastTransaction{Tx: msg.tx})
				msg.reply <- nil

			case isDoubleSpentMsg:
				msg.reply <- w.isDoubleSpent(msg.tx)

			default:
				log.Warnf("Unknown message type %T", msg)
			}

		case <-w.quit:
			break out
		}
	}
}

// dumpData copies the current state for external inspection.
func (w *Wallet) dumpData() *DataDump {
	dump := &DataDump{
		State:           w.state,
		AccountKeyCount: len(w.data.accountKeys),
		ChangeKeyCount:  len(w.data.changeKeys),
		TipHeight:       w.data.chain.Height(),
		Status:          make(map[chainhash.Hash]string, len(w.data.status)),
		Heights:         make(map[chainhash.Hash]int32, len(w.data.heights)),
		History: make(map[chainhash.Hash][]electrum.HistoryItem,
			len(w.data.history)),
		Proofs:  make(map[chainhash.Hash]*MerkleProof, len(w.data.proofs)),
		Utxos:   w.utxos(),
		Balance: w.balance(),
	}
	for sh, status := range w.data.status {
		dump.Status[sh] = status
	}
	for txid, height := range w.data.heights {
		dump.Heights[txid] = height
	}
	for sh, items := range w.data.history {
		dump.History[sh] = append([]electrum.HistoryItem(nil), items...)
	}
	for txid, proof := range w.data.proofs {
		dump.Proofs[txid] = proof
	}
	for _, tx := range w.data.locks {
		dump.Locks = append(dump.Locks, tx)
	}
	return dump
}

// GetBalance returns the wallet balance partitioned by confirmation.
func (w *Wallet) GetBalance() Balance {
	reply := make(chan Balance, 1)
	if !w.enqueue(getBalanceMsg{reply: reply}) {
		return Balance{}
	}
	return <-reply
}

// CurrentReceiveAddress returns the first unused receive address.
func (w *Wallet) CurrentReceiveAddress() string {
	reply := make(chan string, 1)
	if !w.enqueue(receiveAddressMsg{reply: reply}) {
		return ""
	}
	return <-reply
}

// RootPub returns the neutered account root key and its derivation
// path.
func (w *Wallet) RootPub() (string, string, error) {
	reply := make(chan rootPubResult, 1)
	if !w.enqueue(rootPubMsg{reply: reply}) {
		return "", "", ErrNotConnected
	}
	result := <-reply
	return result.xpub, result.path, result.err
}

// GetData returns a point-in-time copy of the wallet state.
func (w *Wallet) GetData() *DataDump {
	reply := make(chan *DataDump, 1)
	if !w.enqueue(dataDumpMsg{reply: reply}) {
		return nil
	}
	return <-reply
}

// CompleteTransaction funds, signs and locks a transaction that has
// outputs but no inputs.  The returned fee is the exact difference
// between selected inputs and outputs.
func (w *Wallet) CompleteTransaction(tx *wire.MsgTx,
	feeRatePerKw btcutil.Amount) (*wire.MsgTx, btcutil.Amount, error) {

	reply := make(chan completeTxResult, 1)
	if !w.enqueue(completeTxMsg{tx: tx, feeRatePerKw: feeRatePerKw, reply: reply}) {
		return nil, 0, ErrNotConnected
	}
	result := <-reply
	return result.tx, result.fee, result.err
}

// SendAll drains every wallet output into a single payment to the
// given script.
func (w *Wallet) SendAll(pkScript []byte,
	feeRatePerKw btcutil.Amount) (*wire.MsgTx, btcutil.Amount, error) {

	reply := make(chan completeTxResult, 1)
	if !w.enqueue(sendAllMsg{pkScript: pkScript, feeRatePerKw: feeRatePerKw, reply: reply}) {
		return nil, 0, ErrNotConnected
	}
	result := <-reply
	return result.tx, result.fee, result.err
}

// CommitTransaction promotes a built transaction into the wallet,
// releasing its lock and optimistically extending the history so
// chained builds see it immediately.
func (w *Wallet) CommitTransaction(tx *wire.MsgTx) {
	reply := make(chan struct{}, 1)
	if w.enqueue(commitTxMsg{tx: tx, reply: reply}) {
		<-reply
	}
}

// CancelTransaction releases a built transaction's inputs back into
// the spendable set.
func (w *Wallet) CancelTransaction(tx *wire.MsgTx) {
	reply := make(chan struct{}, 1)
	if w.enqueue(cancelTxMsg{tx: tx, reply: reply}) {
		<-reply
	}
}

// BroadcastTransaction forwards a signed transaction to the server.
// It fails with ErrNotConnected outside the RUNNING state.
func (w *Wallet) BroadcastTransaction(tx *wire.MsgTx) error {
	reply := make(chan error, 1)
	if !w.enqueue(broadcastMsg{tx: tx, reply: reply}) {
		return ErrNotConnected
	}
	return <-reply
}

// IsDoubleSpent reports whether a transaction conflicts with a tracked
// transaction buried at least two blocks deep.
func (w *Wallet) IsDoubleSpent(tx *wire.MsgTx) bool {
	reply := make(chan bool, 1)
	if !w.enqueue(isDoubleSpentMsg{tx: tx, reply: reply}) {
		return false
	}
	return <-reply
}
