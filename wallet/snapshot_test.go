// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dscotese/eclair/addresses"
	"github.com/dscotese/eclair/electrum"
)

// TestSnapshotRoundTrip verifies that every persistent field survives
// encode/decode unchanged.
func TestSnapshotRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	key0 := h.w.data.accountKeys[0]
	key1 := h.w.data.accountKeys[1]

	funding := injectFunding(h, key0, 50000, 3, 1)
	orphan := fundingTx(key1, 10000, 2)
	h.w.data.pendingTransactions = append(h.w.data.pendingTransactions, orphan)
	h.w.data.status[key0.scriptHash] = "some-status"
	h.w.data.status[key1.scriptHash] = ""
	h.w.data.proofs[funding.TxHash()] = &MerkleProof{
		Txid:        funding.TxHash(),
		MerklePath:  []chainhash.Hash{{0x01}, {0x02}},
		Pos:         3,
		BlockHeight: 3,
		Root:        chainhash.Hash{0x03},
	}

	locked := fundingTx(key1, 20000, 9)
	h.w.data.locks[locked.TxHash()] = locked

	raw, err := h.w.takeSnapshot().encode()
	require.NoError(t, err)

	decoded, err := decodeSnapshot(raw)
	require.NoError(t, err)

	require.Equal(t, uint32(h.w.cfg.GapLimit), decoded.accountKeyCount)
	require.Equal(t, uint32(h.w.cfg.GapLimit), decoded.changeKeyCount)
	require.Equal(t, h.w.data.status, decoded.status)
	require.Equal(t, h.w.data.heights, decoded.heights)
	require.Equal(t, h.w.data.history, decoded.history)
	require.Equal(t, h.w.data.proofs, decoded.proofs)
	require.Len(t, decoded.transactions, len(h.w.data.transactions))
	require.Contains(t, decoded.transactions, funding.TxHash())
	require.Len(t, decoded.pendingTransactions, 1)
	require.Equal(t, orphan.TxHash(), decoded.pendingTransactions[0].TxHash())
	require.Len(t, decoded.locks, 1)
	require.Equal(t, locked.TxHash(), decoded.locks[0].TxHash())
}

// TestSnapshotRestoresWallet verifies that a new wallet over the same
// database resumes with the persisted key counts, statuses and locks.
func TestSnapshotRestoresWallet(t *testing.T) {
	h := newTestHarness(t)
	h.syncToRunning()
	h.answerEmptyStatuses()

	// Activate the last account key so the branch grows past the gap
	// limit, then force a snapshot.
	last := h.w.data.accountKeys[h.w.cfg.GapLimit-1]
	h.deliver(electrum.ScripthashSubscriptionResponse{
		Scripthash: last.scriptHash, Status: "used",
	})
	h.deliver(electrum.GetScripthashHistoryResponse{Scripthash: last.scriptHash})
	h.w.persistSnapshot()
	require.True(t, h.db.hasSnap)

	restored, err := New(&Config{
		Params:                &chaincfg.RegressionNetParams,
		Scheme:                addresses.NativeSegwit,
		Seed:                  testSeed,
		DB:                    h.db,
		AllowSpendUnconfirmed: true,
	})
	require.NoError(t, err)

	require.Len(t, restored.data.accountKeys, h.w.cfg.GapLimit+1)
	require.Len(t, restored.data.changeKeys, h.w.cfg.GapLimit)
	require.Equal(t, "used", restored.data.status[last.scriptHash])

	// The status is restored, so the replayed notification is a
	// repeated status and does not grow the branch again.
	restored.state = StateRunning
	restored.SetClient(&recordingClient{})
	restored.handleResponse(electrum.ScripthashSubscriptionResponse{
		Scripthash: last.scriptHash, Status: "used",
	})
	require.Len(t, restored.data.accountKeys, h.w.cfg.GapLimit+1)
}

// TestCorruptSnapshotFallsBack verifies that an undecodable snapshot
// yields a fresh wallet instead of an error.
func TestCorruptSnapshotFallsBack(t *testing.T) {
	db := newMemDB()
	require.NoError(t, db.PutSnapshot([]byte{0xff, 0x00, 0xbe, 0xef}))

	w, err := New(&Config{
		Params:                &chaincfg.RegressionNetParams,
		Scheme:                addresses.NativeSegwit,
		Seed:                  testSeed,
		DB:                    db,
		AllowSpendUnconfirmed: true,
	})
	require.NoError(t, err)
	require.Len(t, w.data.accountKeys, DefaultGapLimit)
	require.Empty(t, w.data.transactions)
}

// TestSnapshotRandomMaps round-trips randomly generated status and
// height maps through the codec.
func TestSnapshotRandomMaps(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		snap := &snapshot{
			accountKeyCount: rapid.Uint32().Draw(rt, "account"),
			changeKeyCount:  rapid.Uint32().Draw(rt, "change"),
			status:          make(map[chainhash.Hash]string),
			transactions:    make(map[chainhash.Hash]*wire.MsgTx),
			heights:         make(map[chainhash.Hash]int32),
			history:         make(map[chainhash.Hash][]electrum.HistoryItem),
			proofs:          make(map[chainhash.Hash]*MerkleProof),
		}

		entries := rapid.IntRange(0, 20).Draw(rt, "entries")
		for i := 0; i < entries; i++ {
			var sh chainhash.Hash
			sh[0] = byte(i)
			sh[1] = byte(i >> 8)
			snap.status[sh] = rapid.StringMatching(`[0-9a-f]{0,64}`).Draw(rt,
				fmt.Sprintf("status%d", i))
			snap.heights[sh] = rapid.Int32Range(-1, 1<<20).Draw(rt,
				fmt.Sprintf("height%d", i))
		}

		raw, err := snap.encode()
		if err != nil {
			rt.Fatalf("encode: %v", err)
		}
		decoded, err := decodeSnapshot(raw)
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if decoded.accountKeyCount != snap.accountKeyCount ||
			decoded.changeKeyCount != snap.changeKeyCount {
			rt.Fatalf("key counts do not round trip")
		}
		if len(decoded.status) != len(snap.status) {
			rt.Fatalf("status size mismatch")
		}
		for sh, status := range snap.status {
			if decoded.status[sh] != status {
				rt.Fatalf("status mismatch for %v", sh)
			}
		}
		for sh, height := range snap.heights {
			if decoded.heights[sh] != height {
				rt.Fatalf("height mismatch for %v", sh)
			}
		}
	})
}
