// Copyright (c) 2025 The eclair developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keychain implements the BIP32 key hierarchy backing the
// wallet: a per-scheme hardened root, an external (account) branch and
// an internal (change) branch of sequentially derived keys.
package keychain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// Purpose49 is the BIP43 purpose of P2SH-wrapped segwit wallets.
	Purpose49 = 49

	// Purpose84 is the BIP43 purpose of native segwit wallets.
	Purpose84 = 84

	// ExternalBranch is the branch index of receive keys.
	ExternalBranch = 0

	// InternalBranch is the branch index of change keys.
	InternalBranch = 1
)

// CoinType returns the BIP44 coin type for a network: 0 on mainnet and
// 1 everywhere else.
func CoinType(params *chaincfg.Params) uint32 {
	if params.Net == chaincfg.MainNetParams.Net {
		return 0
	}
	return 1
}

// KeyManager derives the wallet's keys.  The root is
// m/purpose'/coin'/0' and the two branches hang directly below it, so
// an account key has path m/purpose'/coin'/0'/0/i and a change key
// m/purpose'/coin'/0'/1/i.
type KeyManager struct {
	params  *chaincfg.Params
	purpose uint32

	root     *hdkeychain.ExtendedKey
	external *hdkeychain.ExtendedKey
	internal *hdkeychain.ExtendedKey
}

// New derives a key manager from a BIP32 seed for the given purpose and
// network.
func New(seed []byte, purpose uint32, params *chaincfg.Params) (*KeyManager, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("invalid seed: %v", err)
	}
	root := master
	for _, child := range []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + CoinType(params),
		hdkeychain.HardenedKeyStart + 0,
	} {
		root, err = root.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("root derivation failed: %v", err)
		}
	}

	external, err := root.Derive(ExternalBranch)
	if err != nil {
		return nil, fmt.Errorf("external branch derivation failed: %v", err)
	}
	internal, err := root.Derive(InternalBranch)
	if err != nil {
		return nil, fmt.Errorf("internal branch derivation failed: %v", err)
	}

	return &KeyManager{
		params:   params,
		purpose:  purpose,
		root:     root,
		external: external,
		internal: internal,
	}, nil
}

// AccountKey derives the i'th key of the external branch.
func (k *KeyManager) AccountKey(index uint32) (*hdkeychain.ExtendedKey, error) {
	return k.external.Derive(index)
}

// ChangeKey derives the i'th key of the internal branch.
func (k *KeyManager) ChangeKey(index uint32) (*hdkeychain.ExtendedKey, error) {
	return k.internal.Derive(index)
}

// RootPub returns the neutered account root, suitable for watch-only
// tracking of the whole wallet.
func (k *KeyManager) RootPub() (*hdkeychain.ExtendedKey, error) {
	return k.root.Neuter()
}

// RootPath renders the derivation path of the account root, e.g.
// m/84'/0'/0'.
func (k *KeyManager) RootPath() string {
	return fmt.Sprintf("m/%d'/%d'/0'", k.purpose, CoinType(k.params))
}
