// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Event is a notification published by the wallet.  Events are
// published synchronously during the state transition that caused them,
// so subscribers observe them in causal order.
type Event interface {
	walletEvent()
}

// WalletReady is published when the wallet holds a full gap-limit
// window of unused keys on both branches and no server request is
// outstanding.  It carries the balance and chain tip at that instant
// and is republished whenever those change.
type WalletReady struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
	TipHeight   int64
	TipTime     time.Time
}

// TransactionReceived is published when a transaction paying to or
// spending from the wallet is ingested with all of its spent parents
// known.
type TransactionReceived struct {
	Tx       *wire.MsgTx
	Depth    int64
	Received btcutil.Amount
	Sent     btcutil.Amount

	// Fee is only meaningful when FeeKnown is set, which requires every
	// input's parent transaction to be known.
	Fee      btcutil.Amount
	FeeKnown bool

	// Timestamp is the containing block's timestamp, zero for
	// unconfirmed transactions.
	Timestamp time.Time
}

// TransactionConfidenceChanged is published when a tracked
// transaction's confirmation depth changes, either through a new block
// or a reorg.
type TransactionConfidenceChanged struct {
	Txid      chainhash.Hash
	Depth     int64
	Timestamp time.Time
}

// NewReceiveAddress is published alongside WalletReady with the current
// receive address.
type NewReceiveAddress struct {
	Address string
}

func (WalletReady) walletEvent()                  {}
func (TransactionReceived) walletEvent()          {}
func (TransactionConfidenceChanged) walletEvent() {}
func (NewReceiveAddress) walletEvent()            {}

// EventCallback receives published events.  Callbacks run on the
// wallet's event goroutine and must not block.
type EventCallback func(Event)

// eventBus fans published events out to registered callbacks.
type eventBus struct {
	mtx       sync.Mutex
	callbacks []EventCallback
}

// subscribe registers a callback for all future events.
func (b *eventBus) subscribe(cb EventCallback) {
	b.mtx.Lock()
	b.callbacks = append(b.callbacks, cb)
	b.mtx.Unlock()
}

// publish invokes every registered callback in registration order.
func (b *eventBus) publish(event Event) {
	b.mtx.Lock()
	callbacks := b.callbacks
	b.mtx.Unlock()

	for _, cb := range callbacks {
		cb(event)
	}
}
