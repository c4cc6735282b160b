// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addresses

import (
	"bytes"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func testKey(t *testing.T) (*btcec.PrivateKey, *btcec.PublicKey) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("Failed to create private key: %v", err)
	}
	return priv, priv.PubKey()
}

func TestForName(t *testing.T) {
	for _, name := range []string{SchemeNameP2SHSegwit, SchemeNameNativeSegwit} {
		scheme, err := ForName(name)
		if err != nil {
			t.Fatalf("ForName(%q): %v", name, err)
		}
		if scheme.Name() != name {
			t.Errorf("scheme registered under %q reports %q", name,
				scheme.Name())
		}
	}
	if _, err := ForName("p2pkh"); err == nil {
		t.Error("expected an error for an unknown scheme")
	}
}

func TestNativeSegwitScripts(t *testing.T) {
	_, pub := testKey(t)
	params := &chaincfg.MainNetParams

	script, err := NativeSegwit.PkScript(pub, params)
	if err != nil {
		t.Fatalf("PkScript: %v", err)
	}
	if len(script) != 22 || script[0] != txscript.OP_0 || script[1] != 0x14 {
		t.Errorf("unexpected witness program shape: %x", script)
	}

	addr, err := NativeSegwit.Address(pub, params)
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	if !strings.HasPrefix(addr.EncodeAddress(), "bc1") {
		t.Errorf("native segwit address should be bech32, got %s",
			addr.EncodeAddress())
	}

	derived, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}
	if !bytes.Equal(derived, script) {
		t.Errorf("address script %x does not match PkScript %x", derived,
			script)
	}
}

func TestP2SHSegwitScripts(t *testing.T) {
	_, pub := testKey(t)
	params := &chaincfg.MainNetParams

	script, err := P2SHSegwit.PkScript(pub, params)
	if err != nil {
		t.Fatalf("PkScript: %v", err)
	}
	if len(script) != 23 || script[0] != txscript.OP_HASH160 ||
		script[22] != txscript.OP_EQUAL {
		t.Errorf("unexpected P2SH shape: %x", script)
	}

	addr, err := P2SHSegwit.Address(pub, params)
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	if !strings.HasPrefix(addr.EncodeAddress(), "3") {
		t.Errorf("mainnet P2SH address should start with 3, got %s",
			addr.EncodeAddress())
	}
}

func TestScriptHashIsSingleSHA256(t *testing.T) {
	script := []byte{txscript.OP_0, 0x14}
	script = append(script, bytes.Repeat([]byte{0xab}, 20)...)

	want := chainhash.HashH(script)
	if got := ScriptHash(script); got != want {
		t.Errorf("ScriptHash mismatch: got %v want %v", got, want)
	}
}

// signedSpend builds and signs a one-input transaction spending a
// scheme output of the given value.
func signedSpend(t *testing.T, scheme Scheme, priv *btcec.PrivateKey,
	value int64) *wire.MsgTx {

	t.Helper()
	params := &chaincfg.MainNetParams
	pub := priv.PubKey()

	pkScript, err := scheme.PkScript(pub, params)
	if err != nil {
		t.Fatalf("PkScript: %v", err)
	}

	prev := wire.OutPoint{Index: 0}
	prev.Hash[0] = 0x01
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value-1000, pkScript))

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, value)
	hashCache := txscript.NewTxSigHashes(tx, fetcher)
	err = scheme.SignInput(tx, 0, value, pub, priv, params, hashCache)
	if err != nil {
		t.Fatalf("SignInput: %v", err)
	}
	return tx
}

func TestSignAndExtractRoundTrip(t *testing.T) {
	for _, scheme := range []Scheme{NativeSegwit, P2SHSegwit} {
		t.Run(scheme.Name(), func(t *testing.T) {
			priv, pub := testKey(t)
			tx := signedSpend(t, scheme, priv, 50000)

			if len(tx.TxIn[0].Witness) != 2 {
				t.Fatalf("expected a two element witness, got %d",
					len(tx.TxIn[0].Witness))
			}
			wrapped := scheme == P2SHSegwit
			if wrapped == (len(tx.TxIn[0].SignatureScript) == 0) {
				t.Errorf("signature script presence does not match scheme")
			}

			got, ok := scheme.ExtractPubKey(tx.TxIn[0])
			if !ok {
				t.Fatal("ExtractPubKey failed on our own spend")
			}
			if !got.IsEqual(pub) {
				t.Error("extracted key differs from the signing key")
			}
		})
	}
}

func TestDummySignMatchesRealSize(t *testing.T) {
	for _, scheme := range []Scheme{NativeSegwit, P2SHSegwit} {
		t.Run(scheme.Name(), func(t *testing.T) {
			priv, _ := testKey(t)
			real := signedSpend(t, scheme, priv, 50000)

			dummy := real.Copy()
			scheme.DummySignInput(dummy, 0)

			// Worst-case placeholders never undershoot the real spend.
			if dummy.SerializeSize() < real.SerializeSize() {
				t.Errorf("dummy spend (%d bytes) smaller than real spend "+
					"(%d bytes)", dummy.SerializeSize(), real.SerializeSize())
			}
		})
	}
}

func TestExtractPubKeyRejectsForeignShapes(t *testing.T) {
	in := wire.NewTxIn(&wire.OutPoint{}, nil, nil)
	if _, ok := NativeSegwit.ExtractPubKey(in); ok {
		t.Error("extracted a key from an empty witness")
	}

	in.Witness = wire.TxWitness{[]byte{0x01}, make([]byte, 20)}
	if _, ok := NativeSegwit.ExtractPubKey(in); ok {
		t.Error("extracted a key from a 20 byte witness item")
	}

	// A wrapped spend is not a native spend and vice versa.
	_, pub := testKey(t)
	in.Witness = wire.TxWitness{make([]byte, 72), pub.SerializeCompressed()}
	in.SignatureScript = []byte{0x16}
	if _, ok := NativeSegwit.ExtractPubKey(in); ok {
		t.Error("native scheme accepted a wrapped spend")
	}
	if _, ok := P2SHSegwit.ExtractPubKey(in); !ok {
		t.Error("wrapped scheme rejected a wrapped spend")
	}
}
