// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HashMerkleBranches takes two hashes, treated as the left and right
// tree nodes, and returns the hash of their concatenation.  This is a
// helper function used to aid in the folding of merkle inclusion paths.
func HashMerkleBranches(left, right *chainhash.Hash) chainhash.Hash {
	// Concatenate the left and right nodes.
	var hash [chainhash.HashSize * 2]byte
	copy(hash[:chainhash.HashSize], left[:])
	copy(hash[chainhash.HashSize:], right[:])

	return chainhash.DoubleHashRaw(func(w io.Writer) error {
		_, err := w.Write(hash[:])
		return err
	})
}

// MerkleRootFromPath folds a merkle inclusion path for the transaction
// at index pos of a block up to the root it commits to.  The proof is
// valid iff the result equals the merkle root of the block's header.
func MerkleRootFromPath(txid chainhash.Hash, path []chainhash.Hash, pos uint32) chainhash.Hash {
	current := txid
	for _, sibling := range path {
		if pos&1 == 1 {
			current = HashMerkleBranches(&sibling, &current)
		} else {
			current = HashMerkleBranches(&current, &sibling)
		}
		pos >>= 1
	}
	return current
}
