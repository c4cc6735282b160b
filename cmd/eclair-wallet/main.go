// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// eclair-wallet is an SPV wallet daemon: it tracks a BIP49/BIP84 key
// hierarchy against an Electrum-style server, keeps a verified header
// chain on disk and logs wallet events as they happen.
package main

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/dscotese/eclair/addresses"
	"github.com/dscotese/eclair/electrum"
	"github.com/dscotese/eclair/wallet"
	"github.com/dscotese/eclair/walletdb"
)

// reconnectDelay is the pause between connection attempts.
const reconnectDelay = 5 * time.Second

func main() {
	if err := walletMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func walletMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogRotator(cfg.logPath()); err != nil {
		return err
	}
	defer logRotator.Close()
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	params, err := cfg.chainParams()
	if err != nil {
		return err
	}
	scheme, err := addresses.ForName(cfg.AddrType)
	if err != nil {
		return err
	}
	seed, err := readSeed(cfg.SeedFile)
	if err != nil {
		return err
	}

	db, err := walletdb.Open(cfg.dbPath())
	if err != nil {
		return err
	}
	defer db.Close()

	w, err := wallet.New(&wallet.Config{
		Params:                params,
		Scheme:                scheme,
		Seed:                  seed,
		DB:                    db,
		GapLimit:              cfg.GapLimit,
		DustLimit:             btcutil.Amount(cfg.DustLimit),
		MinimumFee:            btcutil.Amount(cfg.MinimumFee),
		AllowSpendUnconfirmed: !cfg.ConfirmedOnly,
	})
	if err != nil {
		return err
	}
	w.Subscribe(logEvent)
	w.Start()
	defer w.Stop()

	// Keep one connection alive until shutdown.  The wallet resets its
	// per-connection state on Disconnected and resumes where the
	// snapshot left off.
	quit := make(chan struct{})
	disconnected := make(chan struct{}, 1)
	go connectLoop(cfg, w, quit, disconnected)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	mainLog.Infof("Shutting down")
	close(quit)
	return nil
}

// connectLoop dials the configured server and redials with a fixed
// backoff whenever the connection dies.
func connectLoop(cfg *config, w *wallet.Wallet, quit chan struct{},
	disconnected chan struct{}) {

	handler := func(resp electrum.Response) {
		if _, ok := resp.(electrum.Disconnected); ok {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		}
		w.HandleResponse(resp)
	}

	connCfg := electrum.ConnConfig{
		Addr:      cfg.Server,
		Proxy:     cfg.Proxy,
		ProxyUser: cfg.ProxyUser,
		ProxyPass: cfg.ProxyPass,
		Handler:   handler,
	}
	if !cfg.NoTLS {
		host := cfg.Server
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		connCfg.TLSConfig = &tls.Config{ServerName: host}
	}

	for {
		select {
		case <-quit:
			return
		default:
		}

		conn, err := electrum.Dial(connCfg)
		if err != nil {
			mainLog.Warnf("Connection to %s failed: %v", cfg.Server, err)
			select {
			case <-time.After(reconnectDelay):
				continue
			case <-quit:
				return
			}
		}

		w.SetClient(conn)
		if err := conn.Handshake(); err != nil {
			mainLog.Warnf("Handshake with %s failed: %v", cfg.Server, err)
		}

		select {
		case <-disconnected:
			mainLog.Infof("Connection to %s lost, reconnecting in %v",
				cfg.Server, reconnectDelay)
			select {
			case <-time.After(reconnectDelay):
			case <-quit:
				return
			}
		case <-quit:
			conn.Disconnect()
			return
		}
	}
}

// readSeed loads the hex encoded BIP32 seed from a file.
func readSeed(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read seed file: %v", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("seed file is not valid hex: %v", err)
	}
	return seed, nil
}

// logEvent renders wallet events into the main log.
func logEvent(event wallet.Event) {
	switch e := event.(type) {
	case wallet.WalletReady:
		mainLog.Infof("Wallet ready: confirmed %v, unconfirmed %v, tip %d",
			e.Confirmed, e.Unconfirmed, e.TipHeight)
	case wallet.NewReceiveAddress:
		mainLog.Infof("Receive address: %s", e.Address)
	case wallet.TransactionReceived:
		mainLog.Infof("Transaction %v: received %v, sent %v, depth %d",
			e.Tx.TxHash(), e.Received, e.Sent, e.Depth)
	case wallet.TransactionConfidenceChanged:
		mainLog.Debugf("Transaction %v now at depth %d", e.Txid, e.Depth)
	}
}
