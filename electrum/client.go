// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/go-socks/socks"
)

const (
	// clientVersion is reported to the server during the version
	// handshake.
	clientVersion = "eclair-wallet 0.1"

	// protocolVersion is the Electrum protocol version negotiated with
	// the server.
	protocolVersion = "1.4"

	// maxLineSize bounds a single JSON-RPC line.  Large enough for a
	// 2016-header chunk plus JSON overhead.
	maxLineSize = 1 << 22
)

// ConnConfig describes how to reach a server.
type ConnConfig struct {
	// Addr is the host:port of the server.
	Addr string

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config

	// Proxy optionally routes the connection through a SOCKS5 proxy
	// given as host:port.
	Proxy string

	// ProxyUser and ProxyPass are optional proxy credentials.
	ProxyUser string
	ProxyPass string

	// Handler receives every response in arrival order.  It must not be
	// nil.  Handler is called from a single goroutine.
	Handler func(Response)
}

// Conn is a line-delimited JSON-RPC 2.0 connection to an Electrum-style
// server implementing the Client interface.
type Conn struct {
	cfg  ConnConfig
	conn net.Conn

	sendMtx sync.Mutex // guards writes to conn

	pendingMtx sync.Mutex
	pending    map[uint64]Request
	nextID     uint64

	closeOnce sync.Once
	quit      chan struct{}
}

// jsonRequest is the wire form of an outgoing call.
type jsonRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// jsonResponse is the wire form of an incoming line, which is either a
// reply (ID set) or a subscription notification (Method set).
type jsonResponse struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Dial connects to the configured server and starts the read loop.  No
// request is sent until Handshake is called, so the caller can finish
// wiring the connection before the first ServerReady is delivered.
func Dial(cfg ConnConfig) (*Conn, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("electrum: nil response handler")
	}

	var (
		conn net.Conn
		err  error
	)
	if cfg.Proxy != "" {
		proxy := &socks.Proxy{
			Addr:     cfg.Proxy,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		}
		conn, err = proxy.Dial("tcp", cfg.Addr)
	} else {
		conn, err = net.Dial("tcp", cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	if cfg.TLSConfig != nil {
		conn = tls.Client(conn, cfg.TLSConfig)
	}

	c := &Conn{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[uint64]Request),
		quit:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Handshake performs the version exchange.  The server's reply is
// delivered to the handler as ServerReady.
func (c *Conn) Handshake() error {
	err := c.call("server.version", []interface{}{
		clientVersion, protocolVersion,
	}, nil)
	if err != nil {
		c.Disconnect()
	}
	return err
}

// SendRequest writes a request to the connection, returning once the
// write completes.  Transport errors are not returned; they surface as a
// Disconnected response.
func (c *Conn) SendRequest(req Request) {
	method, params := marshalRequest(req)
	if err := c.call(method, params, req); err != nil {
		log.Debugf("Send of %T failed: %v", req, err)
		c.Disconnect()
	}
}

// Disconnect tears the connection down.  The handler receives a single
// Disconnected response.
func (c *Conn) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
}

// call assigns an id, registers the originating request for response
// correlation and writes one JSON line.
func (c *Conn) call(method string, params []interface{}, origin Request) error {
	c.pendingMtx.Lock()
	c.nextID++
	id := c.nextID
	if origin != nil {
		c.pending[id] = origin
	}
	c.pendingMtx.Unlock()

	payload, err := json.Marshal(jsonRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()
	_, err = c.conn.Write(payload)
	return err
}

// marshalRequest maps a typed request onto its protocol method and
// positional parameters.
func marshalRequest(req Request) (string, []interface{}) {
	switch r := req.(type) {
	case HeaderSubscription:
		return "blockchain.headers.subscribe", []interface{}{}

	case ScripthashSubscription:
		return "blockchain.scripthash.subscribe",
			[]interface{}{r.Scripthash.String()}

	case GetHeaders:
		return "blockchain.block.headers",
			[]interface{}{r.StartHeight, r.Count}

	case GetScripthashHistory:
		return "blockchain.scripthash.get_history",
			[]interface{}{r.Scripthash.String()}

	case GetTransaction:
		return "blockchain.transaction.get",
			[]interface{}{r.Txid.String()}

	case GetMerkle:
		return "blockchain.transaction.get_merkle",
			[]interface{}{r.Txid.String(), r.Height}

	case BroadcastTransaction:
		var buf bytes.Buffer
		r.Tx.Serialize(&buf)
		return "blockchain.transaction.broadcast",
			[]interface{}{hex.EncodeToString(buf.Bytes())}

	default:
		// Unreachable for requests defined in this package.
		panic(fmt.Sprintf("electrum: unknown request type %T", req))
	}
}

// readLoop reads JSON lines until the connection dies, dispatching each
// one to the handler, then delivers Disconnected.
func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	// The version reply arrives before any wallet-visible traffic;
	// translate it into ServerReady.
	ready := false

	for scanner.Scan() {
		var resp jsonResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			log.Warnf("Dropping undecodable server line: %v", err)
			break
		}

		switch {
		case resp.Method != "":
			c.handleNotification(resp)

		case resp.ID != nil:
			c.pendingMtx.Lock()
			origin, ok := c.pending[*resp.ID]
			delete(c.pending, *resp.ID)
			c.pendingMtx.Unlock()

			if !ok {
				// The version call is not registered as a pending
				// wallet request; its reply marks readiness.
				if !ready {
					ready = true
					var version []string
					json.Unmarshal(resp.Result, &version)
					sv := ""
					if len(version) > 0 {
						sv = version[0]
					}
					c.cfg.Handler(ServerReady{ServerVersion: sv})
				}
				continue
			}
			c.handleReply(origin, resp)

		default:
			log.Warnf("Dropping server line with neither id nor method")
		}
	}

	c.Disconnect()
	c.cfg.Handler(Disconnected{})
}

// handleNotification dispatches an asynchronous subscription push.
func (c *Conn) handleNotification(resp jsonResponse) {
	switch resp.Method {
	case "blockchain.headers.subscribe":
		var params []json.RawMessage
		if err := json.Unmarshal(resp.Params, &params); err != nil || len(params) < 1 {
			log.Warnf("Malformed headers notification: %v", err)
			return
		}
		tip, err := parseTip(params[0])
		if err != nil {
			log.Warnf("Malformed headers notification: %v", err)
			return
		}
		c.cfg.Handler(tip)

	case "blockchain.scripthash.subscribe":
		var params []*string
		if err := json.Unmarshal(resp.Params, &params); err != nil || len(params) < 2 {
			log.Warnf("Malformed scripthash notification: %v", err)
			return
		}
		if params[0] == nil {
			return
		}
		sh, err := chainhash.NewHashFromStr(*params[0])
		if err != nil {
			log.Warnf("Malformed scripthash notification: %v", err)
			return
		}
		status := ""
		if params[1] != nil {
			status = *params[1]
		}
		c.cfg.Handler(ScripthashSubscriptionResponse{
			Scripthash: *sh, Status: status,
		})

	default:
		log.Debugf("Ignoring notification %q", resp.Method)
	}
}

// handleReply decodes a direct reply in terms of the request that caused
// it.
func (c *Conn) handleReply(origin Request, resp jsonResponse) {
	if len(resp.Error) != 0 && !bytes.Equal(resp.Error, []byte("null")) {
		c.cfg.Handler(ServerError{
			Request: origin,
			Message: string(resp.Error),
		})
		return
	}

	fail := func(err error) {
		c.cfg.Handler(ServerError{
			Request: origin,
			Message: fmt.Sprintf("undecodable result: %v", err),
		})
	}

	switch r := origin.(type) {
	case HeaderSubscription:
		tip, err := parseTip(resp.Result)
		if err != nil {
			fail(err)
			return
		}
		c.cfg.Handler(tip)

	case ScripthashSubscription:
		var status *string
		if err := json.Unmarshal(resp.Result, &status); err != nil {
			fail(err)
			return
		}
		s := ""
		if status != nil {
			s = *status
		}
		c.cfg.Handler(ScripthashSubscriptionResponse{
			Scripthash: r.Scripthash, Status: s,
		})

	case GetHeaders:
		var result struct {
			Count uint32 `json:"count"`
			Hex   string `json:"hex"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			fail(err)
			return
		}
		headers, err := parseHeaders(result.Hex)
		if err != nil {
			fail(err)
			return
		}
		c.cfg.Handler(GetHeadersResponse{
			StartHeight: r.StartHeight,
			Headers:     headers,
		})

	case GetScripthashHistory:
		var result []struct {
			TxHash string `json:"tx_hash"`
			Height int32  `json:"height"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			fail(err)
			return
		}
		history := make([]HistoryItem, 0, len(result))
		for _, item := range result {
			txid, err := chainhash.NewHashFromStr(item.TxHash)
			if err != nil {
				fail(err)
				return
			}
			history = append(history, HistoryItem{
				Txid: *txid, Height: item.Height,
			})
		}
		c.cfg.Handler(GetScripthashHistoryResponse{
			Scripthash: r.Scripthash, History: history,
		})

	case GetTransaction:
		var txHex string
		if err := json.Unmarshal(resp.Result, &txHex); err != nil {
			fail(err)
			return
		}
		raw, err := hex.DecodeString(txHex)
		if err != nil {
			fail(err)
			return
		}
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			fail(err)
			return
		}
		c.cfg.Handler(GetTransactionResponse{Tx: tx})

	case GetMerkle:
		var result struct {
			Merkle      []string `json:"merkle"`
			BlockHeight uint32   `json:"block_height"`
			Pos         uint32   `json:"pos"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			fail(err)
			return
		}
		path := make([]chainhash.Hash, 0, len(result.Merkle))
		for _, s := range result.Merkle {
			h, err := chainhash.NewHashFromStr(s)
			if err != nil {
				fail(err)
				return
			}
			path = append(path, *h)
		}
		c.cfg.Handler(GetMerkleResponse{
			Txid:        r.Txid,
			MerklePath:  path,
			Pos:         result.Pos,
			BlockHeight: result.BlockHeight,
		})

	case BroadcastTransaction:
		var txidHex string
		if err := json.Unmarshal(resp.Result, &txidHex); err != nil {
			fail(err)
			return
		}
		txid, err := chainhash.NewHashFromStr(txidHex)
		if err != nil {
			// Servers report broadcast rejections as a string result
			// rather than a JSON-RPC error.
			c.cfg.Handler(ServerError{Request: origin, Message: txidHex})
			return
		}
		c.cfg.Handler(BroadcastTransactionResponse{Txid: *txid})

	default:
		log.Warnf("Reply for unknown request type %T", origin)
	}
}

// parseTip decodes a {height, hex} tip object from either a subscription
// reply or a notification.
func parseTip(raw json.RawMessage) (HeaderSubscriptionResponse, error) {
	var tip struct {
		Height uint32 `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := json.Unmarshal(raw, &tip); err != nil {
		return HeaderSubscriptionResponse{}, err
	}
	headers, err := parseHeaders(tip.Hex)
	if err != nil {
		return HeaderSubscriptionResponse{}, err
	}
	if len(headers) != 1 {
		return HeaderSubscriptionResponse{}, fmt.Errorf("expected a "+
			"single header, got %d", len(headers))
	}
	return HeaderSubscriptionResponse{
		Height: tip.Height,
		Header: headers[0],
	}, nil
}

// parseHeaders decodes a concatenation of 80-byte serialized headers.
func parseHeaders(headersHex string) ([]wire.BlockHeader, error) {
	raw, err := hex.DecodeString(headersHex)
	if err != nil {
		return nil, err
	}
	if len(raw)%wire.MaxBlockHeaderPayload != 0 {
		return nil, fmt.Errorf("header payload of %d bytes is not a "+
			"multiple of %d", len(raw), wire.MaxBlockHeaderPayload)
	}
	headers := make([]wire.BlockHeader, len(raw)/wire.MaxBlockHeaderPayload)
	r := bytes.NewReader(raw)
	for i := range headers {
		if err := headers[i].Deserialize(r); err != nil {
			return nil, err
		}
	}
	return headers, nil
}

// Compile-time interface check.
var _ Client = (*Conn)(nil)
