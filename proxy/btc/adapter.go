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

// Package btc implements the UTXO engine: the wallet daemon issues a
// per-user deposit address, deposits are discovered by walking the
// wallet's transaction list newest first, and payouts are daemon-side
// sends. The daemon owns all keys; the engine never signs.
package btc

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/r5-labs/r5-proxy/proxy"
	"github.com/r5-labs/r5-proxy/store"
)

// listPageSize is the listtransactions window walked per step.
const listPageSize = 10

// unlockSeconds is how long the wallet stays unlocked for one payout
// pass.
const unlockSeconds = 60

// Config carries the engine options on top of the shared core set.
type Config struct {
	proxy.CoreConfig
	Host    string
	RPCUser string
	RPCPass string
	// Account is the wallet label deposits are filed under.
	Account string
	// Unlock is the wallet passphrase, empty for unencrypted wallets.
	Unlock string
	// Params selects the address encoding, mainnet when nil.
	Params *chaincfg.Params
}

// Engine is the UTXO-address adapter.
type Engine struct {
	*proxy.Core

	client  Backend
	account string
	unlock  string
	params  *chaincfg.Params
}

// New builds the engine over an existing daemon connection. The ledger
// runs in satoshi, so the coin must be configured with 8 decimals.
func New(db *store.DB, cfg Config, client Backend) (*Engine, error) {
	if cfg.Decimals != 8 {
		return nil, errors.New("utxo engine requires 8 decimals")
	}
	params := cfg.Params
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	e := &Engine{
		Core:    proxy.NewCore(db, cfg.CoreConfig),
		client:  client,
		account: cfg.Account,
		unlock:  cfg.Unlock,
		params:  params,
	}
	e.Log.Info("Wallet engine ready", "host", cfg.Host, "account", cfg.Account, "net", params.Name)
	return e, nil
}

// DialEngine builds the engine over a fresh daemon connection.
func DialEngine(db *store.DB, cfg Config) (*Engine, error) {
	client, err := Dial(cfg.Host, cfg.RPCUser, cfg.RPCPass)
	if err != nil {
		return nil, err
	}
	return New(db, cfg, client)
}

func (e *Engine) Distinction() proxy.Distinction { return proxy.ByUTXOAddress }

func (e *Engine) Info() (*proxy.Info, error) {
	return e.BuildInfo(proxy.ByUTXOAddress)
}

// Close shuts the daemon connection down.
func (e *Engine) Close() { e.client.Shutdown() }

//
// Deposit handles
//

// CreateDepositHandle asks the daemon for a fresh deposit address on
// first use and binds it to the user.
func (e *Engine) CreateDepositHandle(ctx context.Context, user store.UserID, _ string) (*proxy.DepositHandle, error) {
	if err := e.Guard(); err != nil {
		return nil, err
	}
	if h, err := e.Ledger().DepositHandle(user); err != nil {
		return nil, proxy.StorageError(err)
	} else if h != nil {
		return &proxy.DepositHandle{Address: h.Address}, nil
	}
	addr, err := e.client.GetNewAddress(e.account)
	if err != nil {
		te := proxy.TransientError(err, "getnewaddress")
		e.Latch(te)
		return nil, te
	}
	h := &store.Handle{User: user, Address: addr.EncodeAddress()}
	err = e.Atomic(func(l *store.Ledger) error {
		return l.PutDepositHandle(h)
	})
	if err != nil {
		return nil, err
	}
	e.Log.Info("Deposit address issued", "user", user, "address", h.Address)
	return &proxy.DepositHandle{Address: h.Address}, nil
}

// AwaitingDeposits lists the user's deposit address, if issued.
func (e *Engine) AwaitingDeposits(user store.UserID) ([]*proxy.DepositHandle, error) {
	h, err := e.Ledger().DepositHandle(user)
	if err != nil {
		return nil, proxy.StorageError(err)
	}
	if h == nil {
		return []*proxy.DepositHandle{}, nil
	}
	return []*proxy.DepositHandle{{Address: h.Address}}, nil
}

// CancelDeposits is a no-op: wallet addresses stay bound forever.
func (e *Engine) CancelDeposits(store.UserID) (bool, error) {
	return false, nil
}

//
// Withdrawals
//

// ScheduleWithdrawal admits a payout. Only the address encoding is
// checked here; the daemon revalidates before the send.
func (e *Engine) ScheduleWithdrawal(ctx context.Context, user store.UserID, address, amount string, tag *uint32) (*proxy.PendingInfo, error) {
	if tag != nil {
		return nil, proxy.InputErrorf("destination tags are not supported")
	}
	addr, err := btcutil.DecodeAddress(address, e.params)
	if err != nil {
		return nil, proxy.InputErrorf("malformed address %q: %v", address, err)
	}
	if !addr.IsForNet(e.params) {
		return nil, proxy.InputErrorf("address %q is for the wrong network", address)
	}
	v, err := e.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	return e.SchedulePayout(user, addr.EncodeAddress(), v, nil)
}

//
// Reconciliation passes
//

// PollDeposits walks the wallet transaction list newest first, credits
// settled receives to managed addresses and stops at the first block
// already marked processed.
func (e *Engine) PollDeposits(ctx context.Context, sink *proxy.EventSink) error {
	if e.Latched() != nil {
		return nil
	}
	if err := e.pollDeposits(ctx, sink); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if proxy.Fatal(err) {
			e.Latch(err)
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) pollDeposits(ctx context.Context, sink *proxy.EventSink) error {
	credits, err := e.collectCredits(ctx)
	if err != nil {
		return err
	}
	// Oldest first keeps the log and watermark in chain order.
	for i := len(credits) - 1; i >= 0; i-- {
		rec := credits[i]
		err := e.CreditDeposit(rec, sink, &proxy.DepositEvent{
			TxHash:      rec.TxHash,
			Amount:      e.Codec.Format(rec.AmountInt()),
			Address:     rec.Address,
			BlockHeight: rec.BlockHeight,
			BlockHash:   rec.BlockHash,
		}, func(l *store.Ledger) error {
			return l.MarkBlockProcessed(rec.BlockHeight, rec.BlockHash)
		})
		if err != nil {
			return err
		}
	}
	bal, err := e.client.GetBalance(e.account)
	if err != nil {
		return proxy.TransientError(err, "getbalance")
	}
	return e.Atomic(func(l *store.Ledger) error {
		return l.SetBackendBalance(big.NewInt(int64(bal)))
	})
}

func (e *Engine) collectCredits(ctx context.Context) ([]*store.TxRecord, error) {
	led := e.Ledger()
	heights := make(map[string]*btcjson.GetBlockHeaderVerboseResult)
	var credits []*store.TxRecord
	for skip := 0; ; skip += listPageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := e.client.ListTransactionsCountFrom(e.account, listPageSize, skip)
		if err != nil {
			return nil, proxy.TransientError(err, "listtransactions")
		}
		if len(page) == 0 {
			return credits, nil
		}
		// Entries come oldest first; walk each page newest first.
		for i := len(page) - 1; i >= 0; i-- {
			r := &page[i]
			if r.BlockHash == "" {
				continue // unconfirmed
			}
			seen, err := led.BlockProcessedHash(r.BlockHash)
			if err != nil {
				return nil, proxy.StorageError(err)
			}
			if seen {
				return credits, nil
			}
			if r.Category != "receive" || r.Confirmations < int64(e.Cfg.Confirmations) {
				continue
			}
			uid, err := led.UserByAddress(r.Address)
			if err != nil {
				return nil, proxy.StorageError(err)
			}
			if uid == nil {
				continue
			}
			if dup, err := led.HasTransaction(r.TxID); err != nil {
				return nil, proxy.StorageError(err)
			} else if dup {
				continue
			}
			amount, err := btcutil.NewAmount(r.Amount)
			if err != nil || amount <= 0 {
				e.Log.Warn("Unusable wallet entry amount", "tx", r.TxID, "amount", r.Amount)
				continue
			}
			if big.NewInt(int64(amount)).Cmp(e.Cfg.Minimum) < 0 {
				continue
			}
			header, err := e.blockHeader(r.BlockHash, heights)
			if err != nil {
				return nil, err
			}
			credits = append(credits, &store.TxRecord{
				User:        uid,
				Amount:      big.NewInt(int64(amount)).String(),
				TxHash:      r.TxID,
				Vout:        r.Vout,
				BlockHash:   r.BlockHash,
				BlockHeight: uint64(header.Height),
				BlockTime:   r.BlockTime,
				Address:     r.Address,
				Timestamp:   time.Now().Unix(),
			})
		}
	}
}

func (e *Engine) blockHeader(hash string, cache map[string]*btcjson.GetBlockHeaderVerboseResult) (*btcjson.GetBlockHeaderVerboseResult, error) {
	if h, ok := cache[hash]; ok {
		return h, nil
	}
	ch, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, proxy.InternalErrorf("malformed block hash %q: %v", hash, err)
	}
	header, err := e.client.GetBlockHeaderVerbose(ch)
	if err != nil {
		return nil, proxy.TransientError(err, "getblockheader %s", hash)
	}
	cache[hash] = header
	return header, nil
}

// ProcessPending pays out the queue through the daemon. An address the
// daemon rejects as invalid rejects the one payout; an RPC failure on
// the send itself latches, since the daemon state is then unknown.
func (e *Engine) ProcessPending(ctx context.Context, processed, rejected *proxy.EventSink) error {
	if e.Latched() != nil {
		return nil
	}
	if err := e.processPending(ctx, processed, rejected); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if proxy.Fatal(err) {
			e.Latch(err)
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) processPending(ctx context.Context, processed, rejected *proxy.EventSink) error {
	pendings, err := e.Ledger().PendingAll()
	if err != nil {
		return proxy.StorageError(err)
	}
	if len(pendings) == 0 {
		return nil
	}
	if e.unlock != "" {
		if err := e.client.WalletPassphrase(e.unlock, unlockSeconds); err != nil {
			return proxy.TransientError(err, "walletpassphrase")
		}
	}
	for _, p := range pendings {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr, err := btcutil.DecodeAddress(p.Address, e.params)
		if err != nil {
			if err := e.RejectPayout(p, rejected, "undecodable address"); err != nil {
				return err
			}
			continue
		}
		valid, err := e.client.ValidateAddress(addr)
		if err != nil {
			return proxy.TransientError(err, "validateaddress")
		}
		if !valid.IsValid {
			if err := e.RejectPayout(p, rejected, "daemon rejected address"); err != nil {
				return err
			}
			continue
		}
		amount := p.AmountInt()
		transfer := new(big.Int).Sub(amount, e.Cfg.StaticFee)
		if transfer.Sign() <= 0 {
			if err := e.RejectPayout(p, rejected, "amount does not cover the service fee"); err != nil {
				return err
			}
			continue
		}
		hash, err := e.client.SendToAddress(addr, btcutil.Amount(transfer.Int64()))
		if err != nil {
			return proxy.TransientError(err, "sendtoaddress %s", p.Address)
		}
		rec := &store.TxRecord{
			User:      p.User,
			Amount:    p.Amount,
			TxHash:    hash.String(),
			Address:   p.Address,
			Timestamp: time.Now().Unix(),
		}
		err = e.CommitPayout(rec, processed, &proxy.WithdrawalEvent{
			TxHash:  rec.TxHash,
			Amount:  e.Codec.Format(amount),
			Address: rec.Address,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
