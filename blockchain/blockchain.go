// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package blockchain maintains a checkpoint-anchored view of the block
// header chain: a dynamic tree of verified headers above the highest
// checkpoint with fork tracking and cumulative-work best-chain
// selection, plus validation of bulk header chunks below the
// checkpoints.
package blockchain

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// RetargetingPeriod is the number of blocks between difficulty
// adjustments.  Checkpoints, header chunks and pruning all operate on
// this granularity.
const RetargetingPeriod = 2016

var (
	// ErrOrphanHeader is returned when a header's parent is not part of
	// the view.
	ErrOrphanHeader = errors.New("header links to an unknown parent")

	// ErrBadDifficulty is returned when a header's bits disagree with
	// the expected difficulty target.
	ErrBadDifficulty = errors.New("header difficulty does not match the expected target")

	// ErrHighHash is returned when a header's hash does not meet its own
	// claimed target.
	ErrHighHash = errors.New("header hash is higher than its target")

	// ErrCheckpointMismatch is returned when a bulk chunk disagrees with
	// a stored checkpoint.
	ErrCheckpointMismatch = errors.New("header chunk does not match checkpoint")

	// ErrBadChunk is returned when a bulk chunk is internally
	// inconsistent or misplaced.
	ErrBadChunk = errors.New("malformed header chunk")
)

// HeaderReader reads persisted headers below the in-memory window.  It
// is consulted for retarget calculations whose window has been pruned.
type HeaderReader interface {
	GetHeader(height uint32) (wire.BlockHeader, bool)
}

// Node is one verified header in the view.
type Node struct {
	Header wire.BlockHeader
	Height uint32

	hash   chainhash.Hash
	parent *Node
	work   *big.Int // cumulative
}

// Hash returns the block hash of the node's header.
func (n *Node) Hash() chainhash.Hash {
	return n.hash
}

// IndexedHeader pairs a header with its height, the unit handed to the
// header database.
type IndexedHeader struct {
	Height uint32
	Header wire.BlockHeader
}

// View is the in-memory header chain above the highest checkpoint.  It
// is not safe for concurrent use; the wallet confines it to its event
// goroutine.
type View struct {
	params      *chaincfg.Params
	checkpoints []Checkpoint
	db          HeaderReader

	index map[chainhash.Hash]*Node
	best  *Node
}

// NewView creates an empty view anchored at the given checkpoints.  db
// may be nil when no persisted headers exist yet.
func NewView(params *chaincfg.Params, checkpoints []Checkpoint, db HeaderReader) (*View, error) {
	for i, cp := range checkpoints {
		if want := uint32((i+1)*RetargetingPeriod - 1); cp.Height != want {
			return nil, fmt.Errorf("checkpoint %d at height %d, want %d",
				i, cp.Height, want)
		}
	}
	return &View{
		params:      params,
		checkpoints: checkpoints,
		db:          db,
		index:       make(map[chainhash.Hash]*Node),
	}, nil
}

// StartHeight returns the height of the first header above the
// checkpoints, which is where dynamic syncing begins.
func (v *View) StartHeight() uint32 {
	return uint32(len(v.checkpoints) * RetargetingPeriod)
}

// HasChain reports whether any dynamic header has been accepted yet.
func (v *View) HasChain() bool {
	return v.best != nil
}

// Tip returns the best chain's tip node.
func (v *View) Tip() (*Node, bool) {
	if v.best == nil {
		return nil, false
	}
	return v.best, true
}

// Height returns the best chain height, the highest checkpoint height
// when no dynamic header exists yet, or -1 for a completely empty view.
func (v *View) Height() int64 {
	if v.best != nil {
		return int64(v.best.Height)
	}
	return int64(v.StartHeight()) - 1
}

// AddHeader appends a header at the given height, either extending a
// known node or creating a fork.  Adding a header that is already
// present is a no-op.
func (v *View) AddHeader(height uint32, header wire.BlockHeader) error {
	hash := header.BlockHash()
	if _, ok := v.index[hash]; ok {
		return nil
	}

	parent, err := v.findParent(height, header)
	if err != nil {
		return err
	}
	if err := v.checkHeader(height, header, hash, parent); err != nil {
		return err
	}

	work := CalcWork(header.Bits)
	if parent != nil {
		work.Add(work, parent.work)
	}
	node := &Node{
		Header: header,
		Height: height,
		hash:   hash,
		parent: parent,
		work:   work,
	}
	v.index[hash] = node

	if v.best == nil || node.work.Cmp(v.best.work) > 0 {
		v.best = node
	}
	return nil
}

// AddHeaders appends a contiguous batch starting at the given height,
// verifying incrementally.
func (v *View) AddHeaders(start uint32, headers []wire.BlockHeader) error {
	for i, header := range headers {
		if err := v.AddHeader(start+uint32(i), header); err != nil {
			return fmt.Errorf("header at height %d: %w",
				start+uint32(i), err)
		}
	}
	return nil
}

// findParent locates the parent node of a header, treating the block
// directly above the highest checkpoint (or the genesis block on
// checkpoint-less chains) as a root.
func (v *View) findParent(height uint32, header wire.BlockHeader) (*Node, error) {
	if parent, ok := v.index[header.PrevBlock]; ok {
		if height != parent.Height+1 {
			return nil, fmt.Errorf("%w: height %d above parent at %d",
				ErrOrphanHeader, height, parent.Height)
		}
		return parent, nil
	}

	if height != v.StartHeight() {
		return nil, ErrOrphanHeader
	}
	if len(v.checkpoints) > 0 {
		if header.PrevBlock != v.checkpoints[len(v.checkpoints)-1].Hash {
			return nil, fmt.Errorf("%w: root does not extend the last "+
				"checkpoint", ErrOrphanHeader)
		}
	} else if header.PrevBlock != (chainhash.Hash{}) {
		return nil, fmt.Errorf("%w: genesis header has a non-zero parent",
			ErrOrphanHeader)
	}
	return nil, nil
}

// checkHeader verifies a header's difficulty bits and proof of work.
// Difficulty bits are only enforced on mainnet: testnet3's 20-minute
// minimum-difficulty rule makes the inter-block check unsound there, and
// regtest has no meaningful difficulty at all.
func (v *View) checkHeader(height uint32, header wire.BlockHeader,
	hash chainhash.Hash, parent *Node) error {

	if v.params.Net == wire.MainNet {
		if expected, ok := v.NextWorkRequired(height, parent); ok &&
			header.Bits != expected {
			return fmt.Errorf("%w: got %08x, want %08x at height %d",
				ErrBadDifficulty, header.Bits, expected, height)
		}
	}

	if v.params.Net != wire.TestNet { // regtest
		target := CompactToBig(header.Bits)
		if target.Sign() <= 0 || target.Cmp(v.params.PowLimit) > 0 {
			return fmt.Errorf("%w: unrepresentable target %08x",
				ErrHighHash, header.Bits)
		}
		if HashToBig(&hash).Cmp(target) > 0 {
			return ErrHighHash
		}
	}
	return nil
}

// NextWorkRequired returns the difficulty target expected of the header
// at the given height whose parent is the given node.  The second
// return is false when the view lacks the data to decide, in which case
// the caller accepts the header's own claim.
func (v *View) NextWorkRequired(height uint32, parent *Node) (uint32, bool) {
	if height%RetargetingPeriod != 0 {
		if parent == nil {
			return 0, false
		}
		return parent.Header.Bits, true
	}

	// Retarget boundary.  The first dynamic header is anchored by the
	// checkpoint; later boundaries recompute from the closing window.
	if height == v.StartHeight() && len(v.checkpoints) > 0 {
		return v.checkpoints[len(v.checkpoints)-1].NextBits, true
	}
	if parent == nil {
		return 0, false
	}
	first, ok := v.ancestorHeader(parent, height-RetargetingPeriod)
	if !ok {
		return 0, false
	}
	bits := calcNextRequiredDifficulty(first.Timestamp,
		parent.Header.Timestamp, parent.Header.Bits, v.params)
	return bits, true
}

// ancestorHeader walks up from a node to the given height, falling back
// to the persisted header database below the pruning horizon.
func (v *View) ancestorHeader(node *Node, height uint32) (wire.BlockHeader, bool) {
	for node != nil {
		if node.Height == height {
			return node.Header, true
		}
		if node.Height < height {
			return wire.BlockHeader{}, false
		}
		node = node.parent
	}
	if v.db != nil {
		return v.db.GetHeader(height)
	}
	return wire.BlockHeader{}, false
}

// HeaderAt returns the best-chain header at a height, consulting the
// persisted database below the in-memory window.
func (v *View) HeaderAt(height uint32) (wire.BlockHeader, bool) {
	if v.best != nil && height <= v.best.Height {
		if header, ok := v.ancestorHeader(v.best, height); ok {
			return header, true
		}
	}
	if v.db != nil {
		return v.db.GetHeader(height)
	}
	return wire.BlockHeader{}, false
}

// AddHeadersChunk validates an unverified bulk chunk that sits entirely
// below the highest checkpoint.  The chunk is accepted iff it is
// aligned, internally linked, linked to the preceding checkpoint and
// matches every checkpoint it covers.  Accepted chunks are not added to
// the dynamic view; the caller persists them.
func (v *View) AddHeadersChunk(start uint32, headers []wire.BlockHeader) error {
	if len(headers) == 0 {
		return fmt.Errorf("%w: empty chunk", ErrBadChunk)
	}
	if start%RetargetingPeriod != 0 {
		return fmt.Errorf("%w: start height %d not aligned", ErrBadChunk, start)
	}
	end := start + uint32(len(headers))
	if end > v.StartHeight() {
		return fmt.Errorf("%w: chunk [%d, %d) reaches above the highest "+
			"checkpoint", ErrBadChunk, start, end)
	}

	for i := 1; i < len(headers); i++ {
		if headers[i].PrevBlock != headers[i-1].BlockHash() {
			return fmt.Errorf("%w: broken link at offset %d", ErrBadChunk, i)
		}
	}
	if start > 0 {
		prev := v.checkpoints[start/RetargetingPeriod-1]
		if headers[0].PrevBlock != prev.Hash {
			return fmt.Errorf("%w: chunk does not extend checkpoint at "+
				"height %d", ErrCheckpointMismatch, prev.Height)
		}
	}
	for _, cp := range v.checkpoints {
		if cp.Height < start || cp.Height >= end {
			continue
		}
		if headers[cp.Height-start].BlockHash() != cp.Hash {
			return fmt.Errorf("%w: at height %d", ErrCheckpointMismatch,
				cp.Height)
		}
	}
	return nil
}

// Optimize prunes every branch more than RetargetingPeriod
// confirmations behind the best tip and returns the pruned best-chain
// headers, lowest first, for persistence.  Pruned fork headers are
// discarded.
func (v *View) Optimize() []IndexedHeader {
	if v.best == nil || v.best.Height < v.StartHeight()+RetargetingPeriod {
		return nil
	}
	cutoff := v.best.Height - RetargetingPeriod

	var pruned []IndexedHeader
	var detached []*Node
	for hash, node := range v.index {
		if node.Height > cutoff {
			if node.parent != nil && node.parent.Height <= cutoff {
				detached = append(detached, node)
			}
			continue
		}
		if v.onBestChain(node) {
			pruned = append(pruned, IndexedHeader{
				Height: node.Height,
				Header: node.Header,
			})
		}
		delete(v.index, hash)
	}
	// Detach from the pruned region only after the walk, so onBestChain
	// still reaches the pruned ancestors of the tip.
	for _, node := range detached {
		node.parent = nil
	}
	sort.Slice(pruned, func(i, j int) bool {
		return pruned[i].Height < pruned[j].Height
	})
	if len(pruned) > 0 {
		log.Debugf("Pruned %d headers below height %d", len(pruned),
			cutoff+1)
	}
	return pruned
}

// onBestChain reports whether a node is an ancestor of (or is) the best
// tip.
func (v *View) onBestChain(node *Node) bool {
	cursor := v.best
	for cursor != nil && cursor.Height > node.Height {
		cursor = cursor.parent
	}
	return cursor == node
}
