// Copyright 2025 R5 Labs
// This file is part of the R5 Proxy library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

package eth

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// Wallet derives per-user deposit keys from a BIP-39 mnemonic along the
// conventional account path m/44'/60'/0'/0. Index 0 is the root account
// funds are swept to and payouts are sent from; user handles start at 1.
type Wallet struct {
	branch *hdkeychain.ExtendedKey // external branch, children are leaves
}

// NewWallet validates the mnemonic and derives the external branch key.
func NewWallet(mnemonic string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	for _, step := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart,
		0,
	} {
		if key, err = key.Derive(step); err != nil {
			return nil, err
		}
	}
	return &Wallet{branch: key}, nil
}

// Key returns the private key and address at the given leaf index.
func (w *Wallet) Key(index uint32) (*ecdsa.PrivateKey, common.Address, error) {
	child, err := w.branch.Derive(index)
	if err != nil {
		return nil, common.Address{}, err
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, common.Address{}, err
	}
	key := priv.ToECDSA()
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

// Address returns only the address at the given leaf index.
func (w *Wallet) Address(index uint32) (common.Address, error) {
	_, addr, err := w.Key(index)
	return addr, err
}
