// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/dscotese/eclair/electrum"
)

// snapshotVersion identifies the snapshot encoding.  A snapshot with an
// unknown version is treated as corrupt.
const snapshotVersion = 1

// snapshot is the durable subset of the wallet state: everything that
// is expensive to re-derive or that must survive a restart.  Keys
// themselves are not stored; the key counts are, and derivation is
// deterministic.
type snapshot struct {
	accountKeyCount uint32
	changeKeyCount  uint32

	status       map[chainhash.Hash]string
	transactions map[chainhash.Hash]*wire.MsgTx
	heights      map[chainhash.Hash]int32
	history      map[chainhash.Hash][]electrum.HistoryItem
	proofs       map[chainhash.Hash]*MerkleProof

	pendingTransactions []*wire.MsgTx
	locks               []*wire.MsgTx
}

// takeSnapshot captures the durable subset of the current state.
func (w *Wallet) takeSnapshot() *snapshot {
	snap := &snapshot{
		accountKeyCount: uint32(len(w.data.accountKeys)),
		changeKeyCount:  uint32(len(w.data.changeKeys)),
		status:          w.data.status,
		transactions:    w.data.transactions,
		heights:         w.data.heights,
		history:         w.data.history,
		proofs:          w.data.proofs,
	}
	snap.pendingTransactions = append(snap.pendingTransactions,
		w.data.pendingTransactions...)
	for _, tx := range w.data.locks {
		snap.locks = append(snap.locks, tx)
	}
	return snap
}

// putHash writes a raw 32-byte hash.
func putHash(buf io.Writer, hash *chainhash.Hash) error {
	_, err := buf.Write(hash[:])
	return err
}

// readHash reads a raw 32-byte hash.
func readHash(r io.Reader) (chainhash.Hash, error) {
	var hash chainhash.Hash
	_, err := io.ReadFull(r, hash[:])
	return hash, err
}

// putInt32 writes a height, which may be negative for
// unconfirmed-with-unconfirmed-inputs entries.
func putInt32(buf io.Writer, v int32) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

func readInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

// encode serializes a snapshot.  Transactions use consensus encoding,
// counts and strings use wire varints, hashes are raw bytes.
func (s *snapshot) encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(snapshotVersion)

	err := wire.WriteVarInt(buf, 0, uint64(s.accountKeyCount))
	if err == nil {
		err = wire.WriteVarInt(buf, 0, uint64(s.changeKeyCount))
	}
	if err != nil {
		return nil, err
	}

	if err := wire.WriteVarInt(buf, 0, uint64(len(s.status))); err != nil {
		return nil, err
	}
	for sh, status := range s.status {
		sh := sh
		if err := putHash(buf, &sh); err != nil {
			return nil, err
		}
		if err := wire.WriteVarString(buf, 0, status); err != nil {
			return nil, err
		}
	}

	if err := wire.WriteVarInt(buf, 0, uint64(len(s.transactions))); err != nil {
		return nil, err
	}
	for _, tx := range s.transactions {
		if err := tx.Serialize(buf); err != nil {
			return nil, err
		}
	}

	if err := wire.WriteVarInt(buf, 0, uint64(len(s.heights))); err != nil {
		return nil, err
	}
	for txid, height := range s.heights {
		txid := txid
		if err := putHash(buf, &txid); err != nil {
			return nil, err
		}
		if err := putInt32(buf, height); err != nil {
			return nil, err
		}
	}

	if err := wire.WriteVarInt(buf, 0, uint64(len(s.history))); err != nil {
		return nil, err
	}
	for sh, items := range s.history {
		sh := sh
		if err := putHash(buf, &sh); err != nil {
			return nil, err
		}
		if err := wire.WriteVarInt(buf, 0, uint64(len(items))); err != nil {
			return nil, err
		}
		for _, item := range items {
			item := item
			if err := putHash(buf, &item.Txid); err != nil {
				return nil, err
			}
			if err := putInt32(buf, item.Height); err != nil {
				return nil, err
			}
		}
	}

	if err := wire.WriteVarInt(buf, 0, uint64(len(s.proofs))); err != nil {
		return nil, err
	}
	for _, proof := range s.proofs {
		if err := putHash(buf, &proof.Txid); err != nil {
			return nil, err
		}
		if err := wire.WriteVarInt(buf, 0, uint64(len(proof.MerklePath))); err != nil {
			return nil, err
		}
		for i := range proof.MerklePath {
			if err := putHash(buf, &proof.MerklePath[i]); err != nil {
				return nil, err
			}
		}
		if err := wire.WriteVarInt(buf, 0, uint64(proof.Pos)); err != nil {
			return nil, err
		}
		if err := wire.WriteVarInt(buf, 0, uint64(proof.BlockHeight)); err != nil {
			return nil, err
		}
		if err := putHash(buf, &proof.Root); err != nil {
			return nil, err
		}
	}

	for _, txs := range [][]*wire.MsgTx{s.pendingTransactions, s.locks} {
		if err := wire.WriteVarInt(buf, 0, uint64(len(txs))); err != nil {
			return nil, err
		}
		for _, tx := range txs {
			if err := tx.Serialize(buf); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

// decodeSnapshot parses a serialized snapshot.
func decodeSnapshot(raw []byte) (*snapshot, error) {
	r := bytes.NewReader(raw)

	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("unknown snapshot version %d", version)
	}

	s := &snapshot{
		status:       make(map[chainhash.Hash]string),
		transactions: make(map[chainhash.Hash]*wire.MsgTx),
		heights:      make(map[chainhash.Hash]int32),
		history:      make(map[chainhash.Hash][]electrum.HistoryItem),
		proofs:       make(map[chainhash.Hash]*MerkleProof),
	}

	accountCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	changeCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	s.accountKeyCount = uint32(accountCount)
	s.changeKeyCount = uint32(changeCount)

	statusCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < statusCount; i++ {
		sh, err := readHash(r)
		if err != nil {
			return nil, err
		}
		status, err := wire.ReadVarString(r, 0)
		if err != nil {
			return nil, err
		}
		s.status[sh] = status
	}

	txCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < txCount; i++ {
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(r); err != nil {
			return nil, err
		}
		s.transactions[tx.TxHash()] = tx
	}

	heightCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < heightCount; i++ {
		txid, err := readHash(r)
		if err != nil {
			return nil, err
		}
		height, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		s.heights[txid] = height
	}

	historyCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < historyCount; i++ {
		sh, err := readHash(r)
		if err != nil {
			return nil, err
		}
		itemCount, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, err
		}
		items := make([]electrum.HistoryItem, 0, itemCount)
		for j := uint64(0); j < itemCount; j++ {
			txid, err := readHash(r)
			if err != nil {
				return nil, err
			}
			height, err := readInt32(r)
			if err != nil {
				return nil, err
			}
			items = append(items, electrum.HistoryItem{
				Txid: txid, Height: height,
			})
		}
		s.history[sh] = items
	}

	proofCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < proofCount; i++ {
		proof := &MerkleProof{}
		if proof.Txid, err = readHash(r); err != nil {
			return nil, err
		}
		pathLen, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, err
		}
		proof.MerklePath = make([]chainhash.Hash, pathLen)
		for j := uint64(0); j < pathLen; j++ {
			if proof.MerklePath[j], err = readHash(r); err != nil {
				return nil, err
			}
		}
		pos, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, err
		}
		height, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, err
		}
		proof.Pos = uint32(pos)
		proof.BlockHeight = uint32(height)
		if proof.Root, err = readHash(r); err != nil {
			return nil, err
		}
		s.proofs[proof.Txid] = proof
	}

	for _, dst := range []*[]*wire.MsgTx{&s.pendingTransactions, &s.locks} {
		count, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < count; i++ {
			tx := &wire.MsgTx{}
			if err := tx.Deserialize(r); err != nil {
				return nil, err
			}
			*dst = append(*dst, tx)
		}
	}

	return s, nil
}

// persistSnapshot writes the current durable state into the single
// snapshot slot.  Write failures are logged and swallowed: the wallet
// keeps running, and the next write happens the next time
// advertiseAndPersist publishes a changed WalletReady.
func (w *Wallet) persistSnapshot() {
	snap := w.takeSnapshot()
	raw, err := snap.encode()
	if err != nil {
		log.Errorf("Unable to encode snapshot: %v", err)
		return
	}
	if err := w.cfg.DB.PutSnapshot(raw); err != nil {
		log.Errorf("Unable to persist snapshot: %v", err)
	}
}
