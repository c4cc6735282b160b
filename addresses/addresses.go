// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package addresses maps wallet keys onto addresses, output scripts and
// server subscription scripthashes under a chosen address scheme, and
// signs inputs spending such outputs.
//
// Two schemes exist: P2SH-wrapped segwit (BIP49) and native segwit
// (BIP84).  The rest of the wallet is parametric over the Scheme
// interface and never inspects scripts itself.
package addresses

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// SchemeNameP2SHSegwit selects BIP49 P2SH-wrapped segwit.
	SchemeNameP2SHSegwit = "p2sh-segwit"

	// SchemeNameNativeSegwit selects BIP84 native segwit.
	SchemeNameNativeSegwit = "native-segwit"

	// dummySigLen is the size of a worst-case DER encoded ECDSA
	// signature plus the sighash byte, used for fee estimation.
	dummySigLen = 72

	// compressedPubKeyLen is the size of a compressed secp256k1 public
	// key.
	compressedPubKeyLen = 33
)

// ErrUnknownScheme is returned when an address scheme name is not
// recognized.
var ErrUnknownScheme = errors.New("unknown address scheme")

// Scheme is the capability set distinguishing the two wallet types.
// Implementations are stateless and safe for concurrent use.
type Scheme interface {
	// Name returns the scheme's configuration name.
	Name() string

	// Purpose returns the BIP43 purpose of the scheme's derivation
	// root.
	Purpose() uint32

	// Address returns the receive address for a public key.
	Address(pub *btcec.PublicKey, params *chaincfg.Params) (btcutil.Address, error)

	// PkScript returns the output script paying to a public key.
	PkScript(pub *btcec.PublicKey, params *chaincfg.Params) ([]byte, error)

	// SignInput signs input idx of tx, spending an output of value
	// amount paying to pub, and installs the witness (and, for wrapped
	// segwit, the redeem script push) on the input.
	SignInput(tx *wire.MsgTx, idx int, amount int64, pub *btcec.PublicKey,
		priv *btcec.PrivateKey, params *chaincfg.Params,
		hashCache *txscript.TxSigHashes) error

	// DummySignInput installs worst-case placeholder signature data on
	// input idx so that the transaction weight can be measured before
	// the real signatures exist.
	DummySignInput(tx *wire.MsgTx, idx int)

	// ExtractPubKey recovers the public key a finalized input spends
	// from, or false when the input does not match the scheme's spend
	// shape.
	ExtractPubKey(in *wire.TxIn) (*btcec.PublicKey, bool)
}

// ForName returns the scheme registered under the given name.
func ForName(name string) (Scheme, error) {
	switch name {
	case SchemeNameP2SHSegwit:
		return P2SHSegwit, nil
	case SchemeNameNativeSegwit:
		return NativeSegwit, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
}

// ScriptHash returns the server subscription key of an output script:
// its single SHA256, rendered byte-reversed by chainhash.Hash.String
// exactly as the protocol expects.
func ScriptHash(pkScript []byte) chainhash.Hash {
	return chainhash.HashH(pkScript)
}

var (
	// P2SHSegwit is the BIP49 scheme: the P2WPKH witness program is
	// wrapped in a P2SH output, spends carry the program as the redeem
	// script.
	P2SHSegwit Scheme = p2shSegwit{}

	// NativeSegwit is the BIP84 scheme: bare P2WPKH outputs.
	NativeSegwit Scheme = nativeSegwit{}
)

// witnessProgram returns the 22-byte version-0 P2WPKH script for a
// public key.
func witnessProgram(pub *btcec.PublicKey, params *chaincfg.Params) ([]byte, error) {
	keyHash := btcutil.Hash160(pub.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(keyHash, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// witnessForKey signs the BIP143 digest of input idx and assembles the
// two-element P2WPKH witness stack.
func witnessForKey(tx *wire.MsgTx, idx int, amount int64, program []byte,
	priv *btcec.PrivateKey, hashCache *txscript.TxSigHashes) (wire.TxWitness, error) {

	return txscript.WitnessSignature(tx, hashCache, idx, amount, program,
		txscript.SigHashAll, priv, true)
}

// extractWitnessPubKey reads the public key from a P2WPKH-shaped
// witness stack.
func extractWitnessPubKey(witness wire.TxWitness) (*btcec.PublicKey, bool) {
	if len(witness) != 2 || len(witness[1]) != compressedPubKeyLen {
		return nil, false
	}
	pub, err := btcec.ParsePubKey(witness[1])
	if err != nil {
		return nil, false
	}
	return pub, true
}

type nativeSegwit struct{}

func (nativeSegwit) Name() string    { return SchemeNameNativeSegwit }
func (nativeSegwit) Purpose() uint32 { return 84 }

func (nativeSegwit) Address(pub *btcec.PublicKey, params *chaincfg.Params) (btcutil.Address, error) {
	keyHash := btcutil.Hash160(pub.SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(keyHash, params)
}

func (nativeSegwit) PkScript(pub *btcec.PublicKey, params *chaincfg.Params) ([]byte, error) {
	return witnessProgram(pub, params)
}

func (s nativeSegwit) SignInput(tx *wire.MsgTx, idx int, amount int64,
	pub *btcec.PublicKey, priv *btcec.PrivateKey, params *chaincfg.Params,
	hashCache *txscript.TxSigHashes) error {

	program, err := witnessProgram(pub, params)
	if err != nil {
		return err
	}
	witness, err := witnessForKey(tx, idx, amount, program, priv, hashCache)
	if err != nil {
		return err
	}
	tx.TxIn[idx].Witness = witness
	tx.TxIn[idx].SignatureScript = nil
	return nil
}

func (nativeSegwit) DummySignInput(tx *wire.MsgTx, idx int) {
	tx.TxIn[idx].Witness = wire.TxWitness{
		make([]byte, dummySigLen),
		make([]byte, compressedPubKeyLen),
	}
	tx.TxIn[idx].SignatureScript = nil
}

func (nativeSegwit) ExtractPubKey(in *wire.TxIn) (*btcec.PublicKey, bool) {
	if len(in.SignatureScript) != 0 {
		return nil, false
	}
	return extractWitnessPubKey(in.Witness)
}

type p2shSegwit struct{}

func (p2shSegwit) Name() string    { return SchemeNameP2SHSegwit }
func (p2shSegwit) Purpose() uint32 { return 49 }

func (p2shSegwit) Address(pub *btcec.PublicKey, params *chaincfg.Params) (btcutil.Address, error) {
	program, err := witnessProgram(pub, params)
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressScriptHash(program, params)
}

func (s p2shSegwit) PkScript(pub *btcec.PublicKey, params *chaincfg.Params) ([]byte, error) {
	addr, err := s.Address(pub, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func (s p2shSegwit) SignInput(tx *wire.MsgTx, idx int, amount int64,
	pub *btcec.PublicKey, priv *btcec.PrivateKey, params *chaincfg.Params,
	hashCache *txscript.TxSigHashes) error {

	program, err := witnessProgram(pub, params)
	if err != nil {
		return err
	}
	witness, err := witnessForKey(tx, idx, amount, program, priv, hashCache)
	if err != nil {
		return err
	}
	sigScript, err := txscript.NewScriptBuilder().AddData(program).Script()
	if err != nil {
		return err
	}
	tx.TxIn[idx].Witness = witness
	tx.TxIn[idx].SignatureScript = sigScript
	return nil
}

func (p2shSegwit) DummySignInput(tx *wire.MsgTx, idx int) {
	// 1-byte push opcode plus the 22-byte redeem script.
	tx.TxIn[idx].Witness = wire.TxWitness{
		make([]byte, dummySigLen),
		make([]byte, compressedPubKeyLen),
	}
	tx.TxIn[idx].SignatureScript = make([]byte, 23)
}

func (p2shSegwit) ExtractPubKey(in *wire.TxIn) (*btcec.PublicKey, bool) {
	if len(in.SignatureScript) == 0 {
		return nil, false
	}
	return extractWitnessPubKey(in.Witness)
}
