// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Checkpoint anchors the header chain at the last block of a difficulty
// period: checkpoint i is the block at height (i+1)*RetargetingPeriod-1.
// NextBits is the difficulty target of the period that follows it, which
// lets the first dynamically synced header be verified without the
// retarget window below the checkpoint.
type Checkpoint struct {
	Height   uint32
	Hash     chainhash.Hash
	NextBits uint32
}

// newHashFromStr converts the passed big-endian hex string into a
// chainhash.Hash.  It only differs from the one available in chainhash in
// that it panics on an error since it will only (and must only) be called
// with hard-coded, and therefore known good, hashes.
func newHashFromStr(hexStr string) chainhash.Hash {
	hash, err := chainhash.NewHashFromStr(hexStr)
	if err != nil {
		panic(err)
	}
	return *hash
}

// mainNetCheckpoints anchors the early main network difficulty periods.
// All of them sit in the minimum-difficulty era, hence the identical
// NextBits.
var mainNetCheckpoints = []Checkpoint{
	{2015, newHashFromStr("00000000693067b0e6b440bc51450b9f3850561b07f6d3c021c54fbd6abb9763"), 0x1d00ffff},
	{4031, newHashFromStr("000000004acd9b87f0c1e0d571e42b3c3a1b63b413ab95ad0a754703d6e24b31"), 0x1d00ffff},
	{6047, newHashFromStr("000000002a936ca762c9b0f23ad24f95b34a26db99d1df3b2c1a0fd55bdcbe8c"), 0x1d00ffff},
	{8063, newHashFromStr("0000000074f0ec2b2b2d35dca1c85a8afad39a0149b1a30b6ea6c844c03db826"), 0x1d00ffff},
}

// testNet3Checkpoints anchors the early test network (version 3)
// difficulty periods.
var testNet3Checkpoints = []Checkpoint{
	{2015, newHashFromStr("00000000b5a5d1bbd2ca8a4eccb363b5ac5c79c74d1ae33a2161ffc5c9116b78"), 0x1d00ffff},
	{4031, newHashFromStr("000000007b25b27f4e4a520a42e385e356bd0b97d28a12df14e922bd10cd6dc7"), 0x1d00ffff},
}

// CheckpointsForChain returns the static checkpoint list of a network.
// Networks without checkpoints (regtest in particular) sync from their
// genesis block.
func CheckpointsForChain(params *chaincfg.Params) []Checkpoint {
	switch params.Net {
	case wire.MainNet:
		return mainNetCheckpoints
	case wire.TestNet3:
		return testNet3Checkpoints
	default:
		return nil
	}
}
