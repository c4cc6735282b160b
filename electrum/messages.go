// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package electrum defines the typed request/response surface of an
// Electrum-style block explorer server and a line-delimited JSON-RPC
// client implementation of it.
//
// The wallet core only ever sees the typed messages in this file; the
// on-the-wire JSON encoding is confined to the client.
package electrum

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Request is a message sent to the server.  Payloads use Bitcoin
// consensus encoding for transactions and headers, hex for txids and
// opaque strings for statuses.
type Request interface {
	electrumRequest()
}

// HeaderSubscription subscribes to the stream of best-chain tips.  The
// server answers with an initial HeaderSubscriptionResponse carrying its
// current tip and pushes another one whenever the tip changes.
type HeaderSubscription struct{}

// ScripthashSubscription subscribes to status changes of a single
// scripthash.  The server answers with the current status and pushes a
// new ScripthashSubscriptionResponse whenever the scripthash's history
// changes.
type ScripthashSubscription struct {
	Scripthash chainhash.Hash
}

// GetHeaders requests Count consecutive block headers starting at
// StartHeight.  The server may return fewer than Count headers; an empty
// response means it has nothing at or above StartHeight.
type GetHeaders struct {
	StartHeight uint32
	Count       uint32
}

// GetScripthashHistory requests the confirmed and unconfirmed history of
// a scripthash.
type GetScripthashHistory struct {
	Scripthash chainhash.Hash
}

// GetTransaction requests the full serialized transaction for a txid.
type GetTransaction struct {
	Txid chainhash.Hash
}

// GetMerkle requests a merkle inclusion proof for a transaction
// confirmed at the given height.
type GetMerkle struct {
	Txid   chainhash.Hash
	Height uint32
}

// BroadcastTransaction submits a signed transaction to the network.
type BroadcastTransaction struct {
	Tx *wire.MsgTx
}

func (HeaderSubscription) electrumRequest()     {}
func (ScripthashSubscription) electrumRequest() {}
func (GetHeaders) electrumRequest()             {}
func (GetScripthashHistory) electrumRequest()   {}
func (GetTransaction) electrumRequest()         {}
func (GetMerkle) electrumRequest()              {}
func (BroadcastTransaction) electrumRequest()   {}

// Response is a message received from the server, either as a direct
// answer to a Request or as an asynchronous notification.
type Response interface {
	electrumResponse()
}

// ServerReady signals that the connection is established and the version
// handshake completed.  ServerVersion is informational.
type ServerReady struct {
	ServerVersion string
}

// Disconnected signals that the connection died.  It is delivered exactly
// once per connection.
type Disconnected struct{}

// HeaderSubscriptionResponse carries the server's current best tip.  It
// is sent once in response to HeaderSubscription and then on every tip
// change.
type HeaderSubscriptionResponse struct {
	Height uint32
	Header wire.BlockHeader
}

// ScripthashSubscriptionResponse carries the server's status summary for
// a scripthash.  An empty status means the scripthash has never been
// used.
type ScripthashSubscriptionResponse struct {
	Scripthash chainhash.Hash
	Status     string
}

// HistoryItem is one entry of a scripthash's history.  Height > 0 means
// confirmed at that block height, 0 unconfirmed, and -1 unconfirmed with
// at least one unconfirmed input.
type HistoryItem struct {
	Txid   chainhash.Hash
	Height int32
}

// GetHeadersResponse carries a batch of consecutive headers starting at
// StartHeight.  An empty Headers slice means the server is out of
// headers at or above StartHeight.
type GetHeadersResponse struct {
	StartHeight uint32
	Headers     []wire.BlockHeader
}

// GetScripthashHistoryResponse carries the full history of a scripthash.
type GetScripthashHistoryResponse struct {
	Scripthash chainhash.Hash
	History    []HistoryItem
}

// GetTransactionResponse carries a full transaction.
type GetTransactionResponse struct {
	Tx *wire.MsgTx
}

// GetMerkleResponse carries a merkle inclusion proof.  MerklePath is the
// list of sibling hashes from the leaf to the root and Pos the
// transaction's index within the block.
type GetMerkleResponse struct {
	Txid        chainhash.Hash
	MerklePath  []chainhash.Hash
	Pos         uint32
	BlockHeight uint32
}

// BroadcastTransactionResponse carries the txid the server assigned to a
// broadcast transaction.
type BroadcastTransactionResponse struct {
	Txid chainhash.Hash
}

// ServerError reports that the server answered a request with an error
// instead of a result.
type ServerError struct {
	Request Request
	Message string
}

func (ServerReady) electrumResponse()                    {}
func (Disconnected) electrumResponse()                   {}
func (HeaderSubscriptionResponse) electrumResponse()     {}
func (ScripthashSubscriptionResponse) electrumResponse() {}
func (GetHeadersResponse) electrumResponse()             {}
func (GetScripthashHistoryResponse) electrumResponse()   {}
func (GetTransactionResponse) electrumResponse()         {}
func (GetMerkleResponse) electrumResponse()              {}
func (BroadcastTransactionResponse) electrumResponse()   {}
func (ServerError) electrumResponse()                    {}

// Client is the transport the wallet drives.  Implementations must
// deliver responses to the handler passed at construction in arrival
// order and must deliver Disconnected exactly once when the transport
// dies.
type Client interface {
	// SendRequest sends a request to the server.  It returns no error;
	// transport failures surface as Disconnected.
	SendRequest(req Request)

	// Disconnect tears the connection down.  The handler receives a
	// Disconnected response.
	Disconnect()
}
