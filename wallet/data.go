// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/dscotese/eclair/addresses"
	"github.com/dscotese/eclair/blockchain"
	"github.com/dscotese/eclair/electrum"
	"github.com/dscotese/eclair/keychain"
)

// keyInfo caches everything the wallet needs about one derived key.
// Keys are immutable once derived.
type keyInfo struct {
	key      *hdkeychain.ExtendedKey
	pubKey   *btcec.PublicKey
	branch   uint32
	index    uint32
	pkScript []byte
	address  btcutil.Address

	// scriptHash is the server subscription key of pkScript.
	scriptHash chainhash.Hash
}

// MerkleProof is a verified inclusion proof for a confirmed
// transaction.
type MerkleProof struct {
	Txid        chainhash.Hash
	MerklePath  []chainhash.Hash
	Pos         uint32
	BlockHeight uint32

	// Root is the merkle root the path folds to; it matched the header
	// at BlockHeight when the proof was stored.
	Root chainhash.Hash
}

// Balance partitions the wallet's funds by confirmation.  Unconfirmed
// may be negative when unconfirmed transactions spend confirmed
// outputs.
type Balance struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
}

// Utxo is one spendable output, derived on demand from the history and
// transaction stores.
type Utxo struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount

	// Height is the height of the funding transaction: positive when
	// confirmed, 0 or -1 when unconfirmed.
	Height int32

	key *keyInfo
}

// seenStatusKey identifies one observation of a status string on a
// scripthash.  First-use detection is keyed on the pair so that equal
// status strings on different scripthashes are not conflated.
type seenStatusKey struct {
	scriptHash chainhash.Hash
	status     string
}

// data is the wallet's complete state.  It is only ever touched from
// the wallet's event goroutine.
type data struct {
	chain *blockchain.View

	accountKeys []*keyInfo
	changeKeys  []*keyInfo
	keysByHash  map[chainhash.Hash]*keyInfo

	status       map[chainhash.Hash]string
	history      map[chainhash.Hash][]electrum.HistoryItem
	transactions map[chainhash.Hash]*wire.MsgTx
	heights      map[chainhash.Hash]int32
	proofs       map[chainhash.Hash]*MerkleProof
	locks        map[chainhash.Hash]*wire.MsgTx

	pendingHistoryRequests map[chainhash.Hash]struct{}
	pendingTxRequests      map[chainhash.Hash]struct{}
	pendingHeadersRequests map[uint32]struct{}

	// pendingTransactions holds orphans: transactions received before
	// the parents they spend from us.  Bounded by the orphan limit,
	// oldest dropped first.
	pendingTransactions []*wire.MsgTx

	// deferredMerkle holds merkle responses whose containing header is
	// still being fetched; they are replayed when the chunk arrives.
	deferredMerkle []electrum.GetMerkleResponse

	seenStatuses map[seenStatusKey]struct{}
	lastReady    *WalletReady
}

func newData(chain *blockchain.View) *data {
	return &data{
		chain:                  chain,
		keysByHash:             make(map[chainhash.Hash]*keyInfo),
		status:                 make(map[chainhash.Hash]string),
		history:                make(map[chainhash.Hash][]electrum.HistoryItem),
		transactions:           make(map[chainhash.Hash]*wire.MsgTx),
		heights:                make(map[chainhash.Hash]int32),
		proofs:                 make(map[chainhash.Hash]*MerkleProof),
		locks:                  make(map[chainhash.Hash]*wire.MsgTx),
		pendingHistoryRequests: make(map[chainhash.Hash]struct{}),
		pendingTxRequests:      make(map[chainhash.Hash]struct{}),
		pendingHeadersRequests: make(map[uint32]struct{}),
		seenStatuses:           make(map[seenStatusKey]struct{}),
	}
}

// deriveKey derives and caches key index of the given branch.
func (w *Wallet) deriveKey(branch, index uint32) (*keyInfo, error) {
	var (
		ext *hdkeychain.ExtendedKey
		err error
	)
	switch branch {
	case keychain.ExternalBranch:
		ext, err = w.keys.AccountKey(index)
	case keychain.InternalBranch:
		ext, err = w.keys.ChangeKey(index)
	default:
		return nil, fmt.Errorf("unknown branch %d", branch)
	}
	if err != nil {
		return nil, err
	}
	pub, err := ext.ECPubKey()
	if err != nil {
		return nil, err
	}
	pkScript, err := w.cfg.Scheme.PkScript(pub, w.cfg.Params)
	if err != nil {
		return nil, err
	}
	address, err := w.cfg.Scheme.Address(pub, w.cfg.Params)
	if err != nil {
		return nil, err
	}
	return &keyInfo{
		key:        ext,
		pubKey:     pub,
		branch:     branch,
		index:      index,
		pkScript:   pkScript,
		address:    address,
		scriptHash: addresses.ScriptHash(pkScript),
	}, nil
}

// extendBranch appends the next key to a branch, maintaining the
// no-gaps invariant, and returns it.
func (w *Wallet) extendBranch(branch uint32) (*keyInfo, error) {
	keys := &w.data.accountKeys
	if branch == keychain.InternalBranch {
		keys = &w.data.changeKeys
	}
	ki, err := w.deriveKey(branch, uint32(len(*keys)))
	if err != nil {
		return nil, err
	}
	*keys = append(*keys, ki)
	w.data.keysByHash[ki.scriptHash] = ki
	return ki, nil
}

// firstUnused returns the first key of a branch slice whose status is
// the empty string, falling back to the first key.
func (w *Wallet) firstUnused(keys []*keyInfo) *keyInfo {
	for _, ki := range keys {
		if status, ok := w.data.status[ki.scriptHash]; ok && status == "" {
			return ki
		}
	}
	return keys[0]
}

// receiveKey returns the key backing the current receive address.
func (w *Wallet) receiveKey() *keyInfo {
	return w.firstUnused(w.data.accountKeys)
}

// changeKey returns the key the next change output pays to.
func (w *Wallet) changeKey() *keyInfo {
	return w.firstUnused(w.data.changeKeys)
}

// depth returns the confirmation depth of a tracked transaction: 0 for
// unconfirmed or unknown, tip-height+1 otherwise.
func (w *Wallet) depth(txid chainhash.Hash) int64 {
	height, ok := w.data.heights[txid]
	if !ok || height <= 0 {
		return 0
	}
	tip := w.data.chain.Height()
	if tip < int64(height) {
		return 0
	}
	return tip - int64(height) + 1
}

// timestampAt returns the timestamp of the block at a height, or the
// zero time when the header is unavailable.
func (w *Wallet) timestampAt(height int32) time.Time {
	if height <= 0 {
		return time.Time{}
	}
	header, ok := w.data.chain.HeaderAt(uint32(height))
	if !ok {
		return time.Time{}
	}
	return header.Timestamp
}

// txTimestamp returns the block timestamp of a tracked transaction, or
// zero when unconfirmed.
func (w *Wallet) txTimestamp(txid chainhash.Hash) time.Time {
	height, ok := w.data.heights[txid]
	if !ok {
		return time.Time{}
	}
	return w.timestampAt(height)
}

// scripthashUtxos derives the spendable outputs of one scripthash from
// its history and the transaction store: every output of a history
// transaction paying to the scripthash, minus those consumed by inputs
// of any history transaction.
func (w *Wallet) scripthashUtxos(sh chainhash.Hash) []Utxo {
	ki, ok := w.data.keysByHash[sh]
	if !ok {
		return nil
	}

	items := w.data.history[sh]
	txs := make([]*wire.MsgTx, 0, len(items))
	for _, item := range items {
		if tx, ok := w.data.transactions[item.Txid]; ok {
			txs = append(txs, tx)
		}
	}

	spent := make(map[wire.OutPoint]struct{})
	for _, tx := range txs {
		for _, in := range tx.TxIn {
			spent[in.PreviousOutPoint] = struct{}{}
		}
	}

	var utxos []Utxo
	for _, tx := range txs {
		txid := tx.TxHash()
		for vout, out := range tx.TxOut {
			if addresses.ScriptHash(out.PkScript) != sh {
				continue
			}
			op := wire.OutPoint{Hash: txid, Index: uint32(vout)}
			if _, ok := spent[op]; ok {
				continue
			}
			utxos = append(utxos, Utxo{
				OutPoint: op,
				Value:    btcutil.Amount(out.Value),
				Height:   w.data.heights[txid],
				key:      ki,
			})
		}
	}
	return utxos
}

// utxos derives the wallet's full UTXO set, enumerated over the ordered
// key list so the result is deterministic.
func (w *Wallet) utxos() []Utxo {
	var all []Utxo
	for _, ki := range w.data.accountKeys {
		all = append(all, w.scripthashUtxos(ki.scriptHash)...)
	}
	for _, ki := range w.data.changeKeys {
		all = append(all, w.scripthashUtxos(ki.scriptHash)...)
	}
	return all
}

// scripthashBalance computes one scripthash's balance, partitioned by
// the confirmation tier of the transaction holding (for funds) or
// spending (for debits) each output.
func (w *Wallet) scripthashBalance(sh chainhash.Hash) Balance {
	var balance Balance
	for _, item := range w.data.history[sh] {
		tx, ok := w.data.transactions[item.Txid]
		if !ok {
			continue
		}
		confirmed := item.Height > 0

		var received, spent btcutil.Amount
		for _, out := range tx.TxOut {
			if addresses.ScriptHash(out.PkScript) == sh {
				received += btcutil.Amount(out.Value)
			}
		}
		for _, in := range tx.TxIn {
			parent, ok := w.data.transactions[in.PreviousOutPoint.Hash]
			if !ok || int(in.PreviousOutPoint.Index) >= len(parent.TxOut) {
				continue
			}
			prevOut := parent.TxOut[in.PreviousOutPoint.Index]
			if addresses.ScriptHash(prevOut.PkScript) == sh {
				spent += btcutil.Amount(prevOut.Value)
			}
		}

		if confirmed {
			balance.Confirmed += received - spent
		} else {
			balance.Unconfirmed += received - spent
		}
	}
	return balance
}

// balance computes the wallet balance as the ordered sum over every
// key's scripthash.  The enumeration is a list, not a set: distinct
// keys always have distinct scripthashes, but equal partial balances
// must each count.
func (w *Wallet) balance() Balance {
	var total Balance
	for _, ki := range w.data.accountKeys {
		b := w.scripthashBalance(ki.scriptHash)
		total.Confirmed += b.Confirmed
		total.Unconfirmed += b.Unconfirmed
	}
	for _, ki := range w.data.changeKeys {
		b := w.scripthashBalance(ki.scriptHash)
		total.Confirmed += b.Confirmed
		total.Unconfirmed += b.Unconfirmed
	}
	return total
}

// transactionDelta computes what a transaction does to the wallet:
// total received by our keys, total spent from our keys, and the fee
// when every input's parent is known.  ok is false when the
// transaction spends one of our outputs whose parent transaction has
// not been ingested yet, i.e. the transaction is an orphan.
func (w *Wallet) transactionDelta(tx *wire.MsgTx) (received, sent btcutil.Amount,
	fee btcutil.Amount, feeKnown, ok bool) {

	allParentsKnown := true
	var inputSum btcutil.Amount
	for _, in := range tx.TxIn {
		parent, have := w.data.transactions[in.PreviousOutPoint.Hash]
		if have && int(in.PreviousOutPoint.Index) < len(parent.TxOut) {
			prevOut := parent.TxOut[in.PreviousOutPoint.Index]
			inputSum += btcutil.Amount(prevOut.Value)
		} else {
			allParentsKnown = false
		}

		pub, extracted := w.cfg.Scheme.ExtractPubKey(in)
		if !extracted {
			continue
		}
		pkScript, err := w.cfg.Scheme.PkScript(pub, w.cfg.Params)
		if err != nil {
			continue
		}
		if _, ours := w.data.keysByHash[addresses.ScriptHash(pkScript)]; !ours {
			continue
		}
		// The input spends one of our outputs; its parent must be known
		// to account for the debit.
		if !have || int(in.PreviousOutPoint.Index) >= len(parent.TxOut) {
			return 0, 0, 0, false, false
		}
		sent += btcutil.Amount(parent.TxOut[in.PreviousOutPoint.Index].Value)
	}

	var outputSum btcutil.Amount
	for _, out := range tx.TxOut {
		outputSum += btcutil.Amount(out.Value)
		if _, ours := w.data.keysByHash[addresses.ScriptHash(out.PkScript)]; ours {
			received += btcutil.Amount(out.Value)
		}
	}

	if allParentsKnown {
		return received, sent, inputSum - outputSum, true, true
	}
	return received, sent, 0, false, true
}

// inOrphans reports whether a txid is queued as an orphan.
func (w *Wallet) inOrphans(txid chainhash.Hash) bool {
	for _, tx := range w.data.pendingTransactions {
		if tx.TxHash() == txid {
			return true
		}
	}
	return false
}
