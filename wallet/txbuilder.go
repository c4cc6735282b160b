// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/dscotese/eclair/addresses"
	"github.com/dscotese/eclair/electrum"
)

const (
	// witnessScaleFactor relates base transaction size to weight.
	witnessScaleFactor = 4

	// feePerKwDivisor converts a per-kiloweight rate into a per-unit
	// rate.
	feePerKwDivisor = 1000
)

var (
	// ErrInsufficientFunds is returned when the spendable outputs
	// cannot cover a payment plus its fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAmountBelowDustLimit is returned when a requested output is
	// uneconomically small.
	ErrAmountBelowDustLimit = errors.New("amount below dust limit")

	// ErrTxAlreadyHasInputs is returned when a transaction handed to
	// the coin selector already carries inputs.
	ErrTxAlreadyHasInputs = errors.New("transaction already has inputs")

	// ErrInvalidFeeRate is returned for negative fee rates.
	ErrInvalidFeeRate = errors.New("fee rate must not be negative")
)

// txWeight measures a transaction in weight units: three times the
// stripped size plus the total serialized size.
func txWeight(tx *wire.MsgTx) int64 {
	baseSize := int64(tx.SerializeSizeStripped())
	totalSize := int64(tx.SerializeSize())
	return baseSize*(witnessScaleFactor-1) + totalSize
}

// feeForWeight converts a weight into a fee at the given per-kiloweight
// rate, rounding up, and applies the configured fee floor.
func (w *Wallet) feeForWeight(feeRatePerKw btcutil.Amount, weight int64) btcutil.Amount {
	fee := (feeRatePerKw*btcutil.Amount(weight) + feePerKwDivisor - 1) /
		feePerKwDivisor
	if fee < w.cfg.MinimumFee {
		fee = w.cfg.MinimumFee
	}
	return fee
}

// estimateFee assembles an unsigned copy of tx spending the selected
// outputs, with placeholder signature data sized for the worst case and
// an optional change output, and returns its fee at the given rate.
func (w *Wallet) estimateFee(tx *wire.MsgTx, selected []Utxo,
	changePkScript []byte, feeRatePerKw btcutil.Amount) btcutil.Amount {

	probe := tx.Copy()
	for _, utxo := range selected {
		probe.AddTxIn(wire.NewTxIn(&utxo.OutPoint, nil, nil))
	}
	for i := range probe.TxIn {
		w.cfg.Scheme.DummySignInput(probe, i)
	}
	if changePkScript != nil {
		probe.AddTxOut(wire.NewTxOut(0, changePkScript))
	}
	return w.feeForWeight(feeRatePerKw, txWeight(probe))
}

// lockedOutpoints collects the inputs of every locked transaction.
func (w *Wallet) lockedOutpoints() map[wire.OutPoint]struct{} {
	locked := make(map[wire.OutPoint]struct{})
	for _, tx := range w.data.locks {
		for _, in := range tx.TxIn {
			locked[in.PreviousOutPoint] = struct{}{}
		}
	}
	return locked
}

// spendableUtxos returns the candidate set for coin selection: the
// wallet UTXOs not reserved by a locked transaction, sorted smallest
// first so the UTXO count shrinks over time.
func (w *Wallet) spendableUtxos() []Utxo {
	locked := w.lockedOutpoints()
	var candidates []Utxo
	for _, utxo := range w.utxos() {
		if _, ok := locked[utxo.OutPoint]; ok {
			continue
		}
		if !w.cfg.AllowSpendUnconfirmed && utxo.Height <= 0 {
			continue
		}
		candidates = append(candidates, utxo)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Value != candidates[j].Value {
			return candidates[i].Value < candidates[j].Value
		}
		// Deterministic tie break.
		oi, oj := candidates[i].OutPoint, candidates[j].OutPoint
		if oi.Hash != oj.Hash {
			return oi.Hash.String() < oj.Hash.String()
		}
		return oi.Index < oj.Index
	})
	return candidates
}

// checkOutputs validates the outputs of a payment request.
func (w *Wallet) checkOutputs(tx *wire.MsgTx) (btcutil.Amount, error) {
	var amount btcutil.Amount
	for _, out := range tx.TxOut {
		if btcutil.Amount(out.Value) < w.cfg.DustLimit {
			return 0, fmt.Errorf("%w: output of %d sat",
				ErrAmountBelowDustLimit, out.Value)
		}
		amount += btcutil.Amount(out.Value)
	}
	if amount <= w.cfg.DustLimit {
		return 0, fmt.Errorf("%w: total output of %d sat",
			ErrAmountBelowDustLimit, amount)
	}
	return amount, nil
}

// signSelected attaches the selected outputs as inputs of tx and signs
// every input with SIGHASH_ALL committing to the BIP143 digest.
func (w *Wallet) signSelected(tx *wire.MsgTx, selected []Utxo) error {
	for _, utxo := range selected {
		outpoint := utxo.OutPoint
		tx.AddTxIn(wire.NewTxIn(&outpoint, nil, nil))
	}

	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for _, utxo := range selected {
		prevOuts.AddPrevOut(utxo.OutPoint, &wire.TxOut{
			Value:    int64(utxo.Value),
			PkScript: utxo.key.pkScript,
		})
	}
	hashCache := txscript.NewTxSigHashes(tx, prevOuts)

	for i, utxo := range selected {
		priv, err := utxo.key.key.ECPrivKey()
		if err != nil {
			return err
		}
		err = w.cfg.Scheme.SignInput(tx, i, int64(utxo.Value),
			utxo.key.pubKey, priv, w.cfg.Params, hashCache)
		if err != nil {
			return fmt.Errorf("unable to sign input %d: %v", i, err)
		}
	}
	return nil
}

// completeTransaction fills a transaction that has outputs but no
// inputs: it selects unlocked UTXOs smallest-first until they cover the
// payment and fee, decides whether a change output is economical, signs
// everything and locks the result against reuse of its inputs.
func (w *Wallet) completeTransaction(tx *wire.MsgTx,
	feeRatePerKw btcutil.Amount) (*wire.MsgTx, btcutil.Amount, error) {

	if len(tx.TxIn) != 0 {
		return nil, 0, ErrTxAlreadyHasInputs
	}
	if feeRatePerKw < 0 {
		return nil, 0, ErrInvalidFeeRate
	}
	amount, err := w.checkOutputs(tx)
	if err != nil {
		return nil, 0, err
	}

	changeScript := w.changeKey().pkScript
	candidates := w.spendableUtxos()

	var (
		selected   []Utxo
		total      btcutil.Amount
		withChange bool
		changeAmt  btcutil.Amount
		found      bool
	)
	for _, candidate := range candidates {
		selected = append(selected, candidate)
		total += candidate.Value

		feeNoChange := w.estimateFee(tx, selected, nil, feeRatePerKw)
		feeChange := w.estimateFee(tx, selected, changeScript, feeRatePerKw)
		changeAmt = total - amount - feeChange

		switch {
		case total >= amount+feeNoChange && changeAmt < w.cfg.DustLimit:
			// Covered; a change output would be uneconomical, the
			// surplus goes to the miner.
			withChange, found = false, true
		case changeAmt >= w.cfg.DustLimit:
			withChange, found = true, true
		}
		if found {
			break
		}
	}
	if !found {
		return nil, 0, ErrInsufficientFunds
	}

	final := tx.Copy()
	if withChange {
		final.AddTxOut(wire.NewTxOut(int64(changeAmt), changeScript))
	}
	if err := w.signSelected(final, selected); err != nil {
		return nil, 0, err
	}

	var outputSum btcutil.Amount
	for _, out := range final.TxOut {
		outputSum += btcutil.Amount(out.Value)
	}
	actualFee := total - outputSum

	w.data.locks[final.TxHash()] = final
	return final, actualFee, nil
}

// spendAll drains the wallet: every UTXO, locked and unconfirmed ones
// included, into a single output paying the given script, minus the
// fee.
func (w *Wallet) spendAll(pkScript []byte,
	feeRatePerKw btcutil.Amount) (*wire.MsgTx, btcutil.Amount, error) {

	if feeRatePerKw < 0 {
		return nil, 0, ErrInvalidFeeRate
	}
	selected := w.utxos()
	if len(selected) == 0 {
		return nil, 0, ErrInsufficientFunds
	}
	var total btcutil.Amount
	for _, utxo := range selected {
		total += utxo.Value
	}

	skeleton := wire.NewMsgTx(wire.TxVersion)
	skeleton.AddTxOut(wire.NewTxOut(0, pkScript))
	fee := w.estimateFee(skeleton, selected, nil, feeRatePerKw)
	if total < fee || total-fee <= w.cfg.DustLimit {
		return nil, 0, fmt.Errorf("%w: %d sat at fee %d",
			ErrInsufficientFunds, total, fee)
	}

	final := wire.NewMsgTx(wire.TxVersion)
	final.AddTxOut(wire.NewTxOut(int64(total-fee), pkScript))
	if err := w.signSelected(final, selected); err != nil {
		return nil, 0, err
	}
	return final, fee, nil
}

// affectedScriptHashes lists the scripthashes of our keys a committed
// transaction touches, both spent-from and paid-to.
func (w *Wallet) affectedScriptHashes(tx *wire.MsgTx) []chainhash.Hash {
	var hashes []chainhash.Hash
	seen := make(map[chainhash.Hash]struct{})
	add := func(sh chainhash.Hash) {
		if _, ok := seen[sh]; ok {
			return
		}
		if _, ours := w.data.keysByHash[sh]; !ours {
			return
		}
		seen[sh] = struct{}{}
		hashes = append(hashes, sh)
	}

	for _, in := range tx.TxIn {
		pub, ok := w.cfg.Scheme.ExtractPubKey(in)
		if !ok {
			continue
		}
		pkScript, err := w.cfg.Scheme.PkScript(pub, w.cfg.Params)
		if err != nil {
			continue
		}
		add(addresses.ScriptHash(pkScript))
	}
	for _, out := range tx.TxOut {
		add(addresses.ScriptHash(out.PkScript))
	}
	return hashes
}

// commitTransaction moves a built transaction from the lock set into
// the wallet proper and optimistically extends the history of every
// touched scripthash, so chained builds see the spend before the server
// announces it.  The server's next history response overwrites the
// optimistic entries.
func (w *Wallet) commitTransaction(tx *wire.MsgTx) {
	txid := tx.TxHash()
	delete(w.data.locks, txid)
	w.data.transactions[txid] = tx
	w.data.heights[txid] = 0

	for _, sh := range w.affectedScriptHashes(tx) {
		items := w.data.history[sh]
		duplicate := false
		for _, item := range items {
			if item.Txid == txid {
				duplicate = true
				break
			}
		}
		if !duplicate {
			w.data.history[sh] = append([]electrum.HistoryItem{
				{Txid: txid, Height: 0},
			}, items...)
		}
	}
}

// cancelTransaction releases a built transaction's inputs back into
// the spendable set.
func (w *Wallet) cancelTransaction(tx *wire.MsgTx) {
	delete(w.data.locks, tx.TxHash())
}

// isDoubleSpent reports whether a tracked transaction with at least two
// confirmations spends any outpoint tx also spends, under a different
// txid.
func (w *Wallet) isDoubleSpent(tx *wire.MsgTx) bool {
	txid := tx.TxHash()
	outpoints := make(map[wire.OutPoint]struct{}, len(tx.TxIn))
	for _, in := range tx.TxIn {
		outpoints[in.PreviousOutPoint] = struct{}{}
	}

	for otherID, other := range w.data.transactions {
		if otherID == txid || w.depth(otherID) < 2 {
			continue
		}
		for _, in := range other.TxIn {
			if _, ok := outpoints[in.PreviousOutPoint]; ok {
				return true
			}
		}
	}
	return false
}
