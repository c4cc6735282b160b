// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package walletdb persists the wallet's durable state in a leveldb
// database: an append-only header store keyed by height and a single
// snapshot slot holding the serialized wallet state.
package walletdb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const (
	// blockCacheSize is the leveldb block cache in front of the header
	// store.  Merkle-proof verification tends to hit the same retarget
	// window repeatedly, and header records are small, so a few
	// megabytes keep the hot window in memory.
	blockCacheSize = 4 * opt.MiB
)

var (
	// headerKeyPrefix namespaces header records.  The remainder of the
	// key is the big-endian height, so iteration order is chain order.
	headerKeyPrefix = []byte("h")

	// snapshotKey is the single wallet snapshot slot.
	snapshotKey = []byte("snapshot")
)

// LevelDB stores headers and wallet snapshots in a leveldb database.
// It is safe for concurrent use.
type LevelDB struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) a wallet database at the given
// path.
func Open(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		BlockCacheCapacity: blockCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open wallet db: %v", err)
	}
	return &LevelDB{db: db}, nil
}

// Close releases the underlying database.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

// headerKey renders the record key of the header at a height.
func headerKey(height uint32) []byte {
	key := make([]byte, 1+4)
	copy(key, headerKeyPrefix)
	binary.BigEndian.PutUint32(key[1:], height)
	return key
}

// AddHeaders atomically appends a contiguous batch of headers starting
// at the given height.  Existing records are overwritten with identical
// content; the store is append-only per chunk.
func (l *LevelDB) AddHeaders(start uint32, headers []wire.BlockHeader) error {
	batch := new(leveldb.Batch)
	for i, header := range headers {
		var buf bytes.Buffer
		if err := header.Serialize(&buf); err != nil {
			return err
		}
		batch.Put(headerKey(start+uint32(i)), buf.Bytes())
	}
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("unable to write %d headers at height %d: %v",
			len(headers), start, err)
	}
	return nil
}

// GetHeader reads the header at a height.  The second return is false
// when the height has never been persisted.
func (l *LevelDB) GetHeader(height uint32) (wire.BlockHeader, bool) {
	raw, err := l.db.Get(headerKey(height), nil)
	if err == leveldb.ErrNotFound {
		return wire.BlockHeader{}, false
	}
	if err != nil {
		log.Errorf("Header read at height %d failed: %v", height, err)
		return wire.BlockHeader{}, false
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		log.Errorf("Corrupt header record at height %d: %v", height, err)
		return wire.BlockHeader{}, false
	}
	return header, true
}

// GetHeaders reads up to limit consecutive headers starting at the
// given height, stopping early at the first gap.
func (l *LevelDB) GetHeaders(start uint32, limit int) []wire.BlockHeader {
	headers := make([]wire.BlockHeader, 0, limit)
	for i := 0; i < limit; i++ {
		header, ok := l.GetHeader(start + uint32(i))
		if !ok {
			break
		}
		headers = append(headers, header)
	}
	return headers
}

// PutSnapshot atomically replaces the wallet snapshot slot.
func (l *LevelDB) PutSnapshot(snapshot []byte) error {
	// A single Put is atomic in leveldb; last writer wins.
	if err := l.db.Put(snapshotKey, snapshot, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("unable to persist snapshot: %v", err)
	}
	return nil
}

// GetSnapshot reads the wallet snapshot slot.  The second return is
// false when no snapshot has ever been written.
func (l *LevelDB) GetSnapshot() ([]byte, bool, error) {
	raw, err := l.db.Get(snapshotKey, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}
