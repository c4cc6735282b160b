// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/dscotese/eclair/blockchain"
	"github.com/dscotese/eclair/electrum"
	"github.com/dscotese/eclair/wallet"
	"github.com/dscotese/eclair/walletdb"
)

// logWriter implements an io.Writer that outputs to both standard
// output and the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences
	// will occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	mainLog = backendLog.Logger("MAIN")
	chanLog = backendLog.Logger("CHAN")
	elecLog = backendLog.Logger("ELEC")
	wlltLog = backendLog.Logger("WLLT")
	wdbsLog = backendLog.Logger("WDBS")
)

// subsystemLoggers maps each subsystem identifier to its associated
// logger.
var subsystemLoggers = map[string]btclog.Logger{
	"MAIN": mainLog,
	"CHAN": chanLog,
	"ELEC": elecLog,
	"WLLT": wlltLog,
	"WDBS": wdbsLog,
}

func init() {
	blockchain.UseLogger(chanLog)
	electrum.UseLogger(elecLog)
	wallet.UseLogger(wlltLog)
	walletdb.UseLogger(wdbsLog)
}

// initLogRotator initializes the logging rotator to write logs to
// logFile and create roll files in the same directory.  It must be
// called before the package-global log rotator variables are used.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %v", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %v", err)
	}
	logRotator = r
	return nil
}

// setLogLevels sets the log level for all subsystem loggers to the
// passed level.  It also validates the level string.
func setLogLevels(levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return fmt.Errorf("invalid debug level %q", levelStr)
	}
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
	return nil
}
