// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keychain

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
)

var testSeed = bytes.Repeat([]byte{0x42}, 32)

func TestCoinType(t *testing.T) {
	if CoinType(&chaincfg.MainNetParams) != 0 {
		t.Error("mainnet coin type should be 0")
	}
	if CoinType(&chaincfg.TestNet3Params) != 1 {
		t.Error("testnet coin type should be 1")
	}
	if CoinType(&chaincfg.RegressionNetParams) != 1 {
		t.Error("regtest coin type should be 1")
	}
}

func TestDerivationIsDeterministic(t *testing.T) {
	a, err := New(testSeed, Purpose84, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(testSeed, Purpose84, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := uint32(0); i < 5; i++ {
		ka, err := a.AccountKey(i)
		if err != nil {
			t.Fatalf("AccountKey(%d): %v", i, err)
		}
		kb, err := b.AccountKey(i)
		if err != nil {
			t.Fatalf("AccountKey(%d): %v", i, err)
		}
		if ka.String() != kb.String() {
			t.Errorf("account key %d differs between derivations", i)
		}
	}
}

func TestBranchesAndIndicesAreDistinct(t *testing.T) {
	km, err := New(testSeed, Purpose84, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seen := make(map[string]string)
	record := func(name string, keyStr string) {
		if prev, ok := seen[keyStr]; ok {
			t.Fatalf("%s collides with %s", name, prev)
		}
		seen[keyStr] = name
	}

	for i := uint32(0); i < 10; i++ {
		account, err := km.AccountKey(i)
		if err != nil {
			t.Fatalf("AccountKey(%d): %v", i, err)
		}
		change, err := km.ChangeKey(i)
		if err != nil {
			t.Fatalf("ChangeKey(%d): %v", i, err)
		}
		record("account", account.String())
		record("change", change.String())
	}
}

func TestPurposeChangesRoot(t *testing.T) {
	bip49, err := New(testSeed, Purpose49, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bip84, err := New(testSeed, Purpose84, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	k49, _ := bip49.AccountKey(0)
	k84, _ := bip84.AccountKey(0)
	if k49.String() == k84.String() {
		t.Error("different purposes must derive different keys")
	}

	if got := bip49.RootPath(); got != "m/49'/0'/0'" {
		t.Errorf("unexpected root path %q", got)
	}
	if got := bip84.RootPath(); got != "m/84'/0'/0'" {
		t.Errorf("unexpected root path %q", got)
	}
}

func TestRootPubIsNeutered(t *testing.T) {
	km, err := New(testSeed, Purpose84, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pub, err := km.RootPub()
	if err != nil {
		t.Fatalf("RootPub: %v", err)
	}
	if pub.IsPrivate() {
		t.Error("RootPub returned a private key")
	}
}
