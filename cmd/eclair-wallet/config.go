// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogFilename = "eclair-wallet.log"
	defaultDbDirname   = "walletdb"
	defaultDebugLevel  = "info"
)

var defaultDataDir = btcutil.AppDataDir("eclair-wallet", false)

// config defines the configuration options for the wallet daemon.
//
// See loadConfig for details on the configuration load process.
type config struct {
	DataDir        string `short:"b" long:"datadir" description:"Directory to store wallet data"`
	TestNet3       bool   `long:"testnet" description:"Use the test network"`
	RegressionTest bool   `long:"regtest" description:"Use the regression test network"`

	Server    string `short:"s" long:"server" description:"Electrum server to connect to (host:port)"`
	NoTLS     bool   `long:"notls" description:"Disable TLS on the server connection"`
	Proxy     string `long:"proxy" description:"Connect via SOCKS5 proxy (host:port)"`
	ProxyUser string `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass string `long:"proxypass" default-mask:"-" description:"Password for proxy server"`

	SeedFile      string `long:"seedfile" description:"File containing the hex encoded BIP32 seed"`
	AddrType      string `long:"addrtype" description:"Address scheme: p2sh-segwit or native-segwit" default:"native-segwit"`
	GapLimit      int    `long:"gaplimit" description:"Unused keys kept ahead of the highest used key per branch" default:"10"`
	DustLimit     int64  `long:"dustlimit" description:"Minimum economical output amount in satoshi" default:"546"`
	MinimumFee    int64  `long:"minfee" description:"Fee floor for built transactions in satoshi" default:"2000"`
	ConfirmedOnly bool   `long:"confirmedonly" description:"Never spend unconfirmed outputs"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
}

// chainParams maps the network flags onto chain parameters.
func (c *config) chainParams() (*chaincfg.Params, error) {
	switch {
	case c.TestNet3 && c.RegressionTest:
		return nil, fmt.Errorf("testnet and regtest are mutually exclusive")
	case c.TestNet3:
		return &chaincfg.TestNet3Params, nil
	case c.RegressionTest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return &chaincfg.MainNetParams, nil
	}
}

// loadConfig initializes and parses the config using command line
// options.
func loadConfig() (*config, error) {
	cfg := config{
		DataDir:    defaultDataDir,
		DebugLevel: defaultDebugLevel,
	}
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	if cfg.Server == "" {
		return nil, fmt.Errorf("no electrum server configured, use --server")
	}
	if cfg.SeedFile == "" {
		return nil, fmt.Errorf("no seed configured, use --seedfile")
	}

	// Network-specific subdirectory, so switching networks never mixes
	// databases.
	params, err := cfg.chainParams()
	if err != nil {
		return nil, err
	}
	cfg.DataDir = filepath.Join(cfg.DataDir, params.Name)
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create data dir: %v", err)
	}

	return &cfg, nil
}

// dbPath returns the location of the wallet database.
func (c *config) dbPath() string {
	return filepath.Join(c.DataDir, defaultDbDirname)
}

// logPath returns the location of the log file.
func (c *config) logPath() string {
	return filepath.Join(c.DataDir, defaultLogFilename)
}
