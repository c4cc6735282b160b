// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testConn builds a connectionless Conn whose handler appends to a
// slice.
func testConn(out *[]Response) *Conn {
	return &Conn{
		cfg: ConnConfig{Handler: func(r Response) {
			*out = append(*out, r)
		}},
		pending: make(map[uint64]Request),
	}
}

func headerHex(h wire.BlockHeader) string {
	var buf bytes.Buffer
	h.Serialize(&buf)
	return hex.EncodeToString(buf.Bytes())
}

func TestMarshalRequest(t *testing.T) {
	var sh chainhash.Hash
	sh[0] = 0x01

	tests := []struct {
		req    Request
		method string
	}{
		{HeaderSubscription{}, "blockchain.headers.subscribe"},
		{ScripthashSubscription{Scripthash: sh}, "blockchain.scripthash.subscribe"},
		{GetHeaders{StartHeight: 0, Count: 2016}, "blockchain.block.headers"},
		{GetScripthashHistory{Scripthash: sh}, "blockchain.scripthash.get_history"},
		{GetTransaction{Txid: sh}, "blockchain.transaction.get"},
		{GetMerkle{Txid: sh, Height: 5}, "blockchain.transaction.get_merkle"},
		{BroadcastTransaction{Tx: wire.NewMsgTx(wire.TxVersion)}, "blockchain.transaction.broadcast"},
	}
	for _, test := range tests {
		method, params := marshalRequest(test.req)
		require.Equal(t, test.method, method)
		_, err := json.Marshal(params)
		require.NoError(t, err)
	}
}

func TestParseHeaders(t *testing.T) {
	genesis := chaincfg.MainNetParams.GenesisBlock.Header

	headers, err := parseHeaders(headerHex(genesis) + headerHex(genesis))
	require.NoError(t, err)
	require.Len(t, headers, 2)
	require.Equal(t, genesis.BlockHash(), headers[0].BlockHash())

	_, err = parseHeaders("abcdef")
	require.Error(t, err)
}

func TestHandleReplyGetHeaders(t *testing.T) {
	var out []Response
	c := testConn(&out)
	genesis := chaincfg.MainNetParams.GenesisBlock.Header

	result, _ := json.Marshal(map[string]interface{}{
		"count": 1,
		"hex":   headerHex(genesis),
		"max":   2016,
	})
	c.handleReply(GetHeaders{StartHeight: 0, Count: 2016}, jsonResponse{
		Result: result,
	})

	require.Len(t, out, 1)
	resp := out[0].(GetHeadersResponse)
	require.Equal(t, uint32(0), resp.StartHeight)
	require.Len(t, resp.Headers, 1)
	require.Equal(t, genesis.BlockHash(), resp.Headers[0].BlockHash())
}

func TestHandleReplyHistory(t *testing.T) {
	var out []Response
	c := testConn(&out)

	var sh, txid chainhash.Hash
	sh[0], txid[0] = 0x01, 0x02

	result, _ := json.Marshal([]map[string]interface{}{
		{"tx_hash": txid.String(), "height": 120},
		{"tx_hash": txid.String(), "height": -1},
	})
	c.handleReply(GetScripthashHistory{Scripthash: sh}, jsonResponse{
		Result: result,
	})

	require.Len(t, out, 1)
	resp := out[0].(GetScripthashHistoryResponse)
	require.Equal(t, sh, resp.Scripthash)
	require.Equal(t, []HistoryItem{
		{Txid: txid, Height: 120},
		{Txid: txid, Height: -1},
	}, resp.History)
}

func TestHandleReplyTransaction(t *testing.T) {
	var out []Response
	c := testConn(&out)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1234, []byte{0x51}))
	var buf bytes.Buffer
	tx.Serialize(&buf)

	result, _ := json.Marshal(hex.EncodeToString(buf.Bytes()))
	c.handleReply(GetTransaction{Txid: tx.TxHash()}, jsonResponse{
		Result: result,
	})

	require.Len(t, out, 1)
	resp := out[0].(GetTransactionResponse)
	require.Equal(t, tx.TxHash(), resp.Tx.TxHash())
}

func TestHandleReplyMerkle(t *testing.T) {
	var out []Response
	c := testConn(&out)

	var txid, sibling chainhash.Hash
	txid[0], sibling[0] = 0x02, 0x03

	result, _ := json.Marshal(map[string]interface{}{
		"merkle":       []string{sibling.String()},
		"block_height": 7,
		"pos":          1,
	})
	c.handleReply(GetMerkle{Txid: txid, Height: 7}, jsonResponse{
		Result: result,
	})

	require.Len(t, out, 1)
	resp := out[0].(GetMerkleResponse)
	require.Equal(t, txid, resp.Txid)
	require.Equal(t, []chainhash.Hash{sibling}, resp.MerklePath)
	require.Equal(t, uint32(1), resp.Pos)
	require.Equal(t, uint32(7), resp.BlockHeight)
}

func TestHandleReplyError(t *testing.T) {
	var out []Response
	c := testConn(&out)

	var txid chainhash.Hash
	txid[0] = 0x09
	c.handleReply(GetTransaction{Txid: txid}, jsonResponse{
		Error: json.RawMessage(`{"code": -32600, "message": "missing"}`),
	})

	require.Len(t, out, 1)
	serr := out[0].(ServerError)
	require.IsType(t, GetTransaction{}, serr.Request)
	require.Contains(t, serr.Message, "missing")
}

func TestHandleNotificationScripthash(t *testing.T) {
	var out []Response
	c := testConn(&out)

	var sh chainhash.Hash
	sh[0] = 0x01
	params, _ := json.Marshal([]interface{}{sh.String(), "somestatus"})
	c.handleNotification(jsonResponse{
		Method: "blockchain.scripthash.subscribe",
		Params: params,
	})

	require.Len(t, out, 1)
	resp := out[0].(ScripthashSubscriptionResponse)
	require.Equal(t, sh, resp.Scripthash)
	require.Equal(t, "somestatus", resp.Status)

	// A null status means never used.
	params, _ = json.Marshal([]interface{}{sh.String(), nil})
	c.handleNotification(jsonResponse{
		Method: "blockchain.scripthash.subscribe",
		Params: params,
	})
	require.Len(t, out, 2)
	require.Equal(t, "",
		out[1].(ScripthashSubscriptionResponse).Status)
}

func TestHandleNotificationHeaders(t *testing.T) {
	var out []Response
	c := testConn(&out)
	genesis := chaincfg.MainNetParams.GenesisBlock.Header

	tip, _ := json.Marshal(map[string]interface{}{
		"height": 0,
		"hex":    headerHex(genesis),
	})
	params, _ := json.Marshal([]json.RawMessage{tip})
	c.handleNotification(jsonResponse{
		Method: "blockchain.headers.subscribe",
		Params: params,
	})

	require.Len(t, out, 1)
	resp := out[0].(HeaderSubscriptionResponse)
	require.Equal(t, uint32(0), resp.Height)
	require.Equal(t, genesis.BlockHash(), resp.Header.BlockHash())
}

func TestScripthashRendering(t *testing.T) {
	// The scripthash wire format is the byte-reversed hex of the
	// stored hash, which chainhash produces natively.
	var sh chainhash.Hash
	sh[31] = 0xab
	require.Equal(t, fmt.Sprintf("ab%s", bytes.Repeat([]byte("00"), 31)),
		sh.String())
}
