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

package btc

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
)

// Backend is the slice of the wallet daemon RPC surface the engine
// needs. *rpcclient.Client satisfies it; tests plug in a fake.
type Backend interface {
	GetNewAddress(account string) (btcutil.Address, error)
	ListTransactionsCountFrom(account string, count, from int) ([]btcjson.ListTransactionsResult, error)
	GetBlockHeaderVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
	GetBalance(account string) (btcutil.Amount, error)
	ValidateAddress(address btcutil.Address) (*btcjson.ValidateAddressWalletResult, error)
	SendToAddress(address btcutil.Address, amount btcutil.Amount) (*chainhash.Hash, error)
	WalletPassphrase(passphrase string, timeoutSecs int64) error
	Shutdown()
}

// Dial connects to a wallet daemon over HTTP POST.
func Dial(host, user, pass string) (Backend, error) {
	return rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
}
