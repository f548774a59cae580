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

// Package eth implements the address-distinguished account engine:
// every user gets an HD-derived deposit address, confirmed balances are
// swept to the root account, and payouts are signed transfers from the
// root key.
package eth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/r5-labs/r5-proxy/proxy"
	"github.com/r5-labs/r5-proxy/store"
)

// TransferGas is the intrinsic gas of a plain value transfer.
const TransferGas = 21000

// receiptInterval and receiptAttempts bound the wait for a sweep to be
// mined before the pass gives up with a transient fault.
const (
	receiptInterval = time.Second
	receiptAttempts = 90
)

// Config carries the engine options on top of the shared core set.
type Config struct {
	proxy.CoreConfig
	URL      string
	Mnemonic string
	GasLimit uint64 // payout gas limit, TransferGas when zero
}

// Engine is the address-based adapter.
type Engine struct {
	*proxy.Core

	client   Backend
	wallet   *Wallet
	chainID  *big.Int
	signer   types.Signer
	gasLimit uint64

	root    common.Address
	rootKey *ecdsa.PrivateKey
}

// New builds the engine over an existing backend connection. The
// backend's chain ID is fetched once, up front.
func New(db *store.DB, cfg Config, client Backend) (*Engine, error) {
	wallet, err := NewWallet(cfg.Mnemonic)
	if err != nil {
		return nil, err
	}
	rootKey, root, err := wallet.Key(0)
	if err != nil {
		return nil, err
	}
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, err
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = TransferGas
	}
	e := &Engine{
		Core:     proxy.NewCore(db, cfg.CoreConfig),
		client:   client,
		wallet:   wallet,
		chainID:  chainID,
		signer:   types.LatestSignerForChainID(chainID),
		gasLimit: gasLimit,
		root:     root,
		rootKey:  rootKey,
	}
	e.Log.Info("Account engine ready", "chainid", chainID, "root", root)
	return e, nil
}

// DialEngine builds the engine over a fresh connection to cfg.URL.
func DialEngine(db *store.DB, cfg Config) (*Engine, error) {
	client, err := Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	return New(db, cfg, client)
}

func (e *Engine) Distinction() proxy.Distinction { return proxy.ByAddress }

func (e *Engine) Info() (*proxy.Info, error) {
	return e.BuildInfo(proxy.ByAddress)
}

// Close releases the node connection.
func (e *Engine) Close() { e.client.Close() }

//
// Deposit handles
//

// CreateDepositHandle returns the user's deposit address, deriving and
// binding a fresh leaf on first use. The amount argument is ignored.
func (e *Engine) CreateDepositHandle(ctx context.Context, user store.UserID, _ string) (*proxy.DepositHandle, error) {
	if err := e.Guard(); err != nil {
		return nil, err
	}
	var out *proxy.DepositHandle
	err := e.Atomic(func(l *store.Ledger) error {
		if h, err := l.DepositHandle(user); err != nil {
			return err
		} else if h != nil {
			out = &proxy.DepositHandle{Address: h.Address}
			return nil
		}
		index, err := l.NextIndex()
		if err != nil {
			return err
		}
		addr, err := e.wallet.Address(index)
		if err != nil {
			return proxy.InternalErrorf("key derivation at %d: %v", index, err)
		}
		h := &store.Handle{User: user, Index: index, Address: addr.Hex()}
		if err := l.PutDepositHandle(h); err != nil {
			return err
		}
		e.Log.Info("Deposit address issued", "user", user, "index", index, "address", h.Address)
		out = &proxy.DepositHandle{Address: h.Address}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
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

// CancelDeposits is a no-op: derived addresses stay bound forever.
func (e *Engine) CancelDeposits(store.UserID) (bool, error) {
	return false, nil
}

//
// Withdrawals
//

// ScheduleWithdrawal admits a payout to an external address.
func (e *Engine) ScheduleWithdrawal(ctx context.Context, user store.UserID, address, amount string, tag *uint32) (*proxy.PendingInfo, error) {
	if tag != nil {
		return nil, proxy.InputErrorf("destination tags are not supported")
	}
	if !common.IsHexAddress(address) {
		return nil, proxy.InputErrorf("malformed address %q", address)
	}
	v, err := e.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	return e.SchedulePayout(user, common.HexToAddress(address).Hex(), v, nil)
}

//
// Reconciliation passes
//

// PollDeposits sweeps every settled deposit address into the root
// account and credits the swept value. Fatal faults latch the engine.
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
	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return proxy.TransientError(err, "block number")
	}
	handles, err := e.Ledger().Handles()
	if err != nil {
		return proxy.StorageError(err)
	}
	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr, err := e.wallet.Address(h.Index)
		if err != nil {
			return proxy.InternalErrorf("key derivation at %d: %v", h.Index, err)
		}
		if addr.Hex() != h.Address {
			return proxy.InternalErrorf("derived address %s does not match bound %s at index %d", addr.Hex(), h.Address, h.Index)
		}
		settled, balance, err := e.settledBalance(ctx, addr, head)
		if err != nil {
			return err
		}
		if !settled || balance.Cmp(e.Cfg.Minimum) < 0 {
			continue
		}
		if err := e.sweep(ctx, h, addr, balance, sink); err != nil {
			return err
		}
	}
	// Snapshot for withdrawal admission.
	bal, err := e.client.BalanceAt(ctx, e.root, nil)
	if err != nil {
		return proxy.TransientError(err, "root balance")
	}
	return e.Atomic(func(l *store.Ledger) error {
		return l.SetBackendBalance(bal)
	})
}

// settledBalance reports whether the address's pending, latest and
// confirmed balances agree, meaning no transfer is still in flight.
func (e *Engine) settledBalance(ctx context.Context, addr common.Address, head uint64) (bool, *big.Int, error) {
	if head < e.Cfg.Confirmations {
		return false, nil, nil
	}
	pending, err := e.client.PendingBalanceAt(ctx, addr)
	if err != nil {
		return false, nil, proxy.TransientError(err, "pending balance")
	}
	if pending.Sign() == 0 {
		return false, nil, nil
	}
	latest, err := e.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return false, nil, proxy.TransientError(err, "latest balance")
	}
	confirmedAt := new(big.Int).SetUint64(head - e.Cfg.Confirmations)
	confirmed, err := e.client.BalanceAt(ctx, addr, confirmedAt)
	if err != nil {
		return false, nil, proxy.TransientError(err, "confirmed balance")
	}
	if pending.Cmp(latest) != 0 || latest.Cmp(confirmed) != 0 {
		return false, nil, nil
	}
	return true, latest, nil
}

// sweep empties one deposit address into the root account and credits
// the user with the swept value, net of gas.
func (e *Engine) sweep(ctx context.Context, h *store.Handle, addr common.Address, balance *big.Int, sink *proxy.EventSink) error {
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return proxy.TransientError(err, "gas price")
	}
	gasCost := new(big.Int).Mul(gasPrice, big.NewInt(TransferGas))
	value := new(big.Int).Sub(balance, gasCost)
	if value.Sign() <= 0 {
		e.Log.Debug("Deposit below sweep cost", "address", h.Address, "balance", balance, "gas", gasCost)
		return nil
	}
	nonce, err := e.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return proxy.TransientError(err, "deposit nonce")
	}
	key, _, err := e.wallet.Key(h.Index)
	if err != nil {
		return proxy.InternalErrorf("key derivation at %d: %v", h.Index, err)
	}
	tx := types.NewTransaction(nonce, e.root, value, TransferGas, gasPrice, nil)
	signed, err := types.SignTx(tx, e.signer, key)
	if err != nil {
		return proxy.InternalErrorf("sign sweep: %v", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return proxy.TransientError(err, "broadcast sweep")
	}
	e.Log.Info("Sweeping deposit", "user", h.User, "address", h.Address, "value", value, "tx", signed.Hash())
	receipt, err := e.waitMined(ctx, signed.Hash())
	if err != nil {
		return err
	}
	header, err := e.client.HeaderByHash(ctx, receipt.BlockHash)
	if err != nil {
		return proxy.TransientError(err, "sweep block header")
	}
	rec := &store.TxRecord{
		User:        h.User,
		Amount:      value.String(),
		TxHash:      signed.Hash().Hex(),
		BlockHash:   receipt.BlockHash.Hex(),
		BlockHeight: receipt.BlockNumber.Uint64(),
		BlockTime:   int64(header.Time),
		Address:     h.Address,
		Timestamp:   time.Now().Unix(),
	}
	return e.CreditDeposit(rec, sink, &proxy.DepositEvent{
		TxHash:      rec.TxHash,
		Amount:      e.Codec.Format(value),
		Address:     rec.Address,
		BlockHeight: rec.BlockHeight,
		BlockHash:   rec.BlockHash,
	}, nil)
}

func (e *Engine) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	for i := 0; i < receiptAttempts; i++ {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, proxy.TransientError(err, "sweep receipt")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptInterval):
		}
	}
	return nil, proxy.TransientError(errors.New("receipt timeout"), "sweep "+hash.Hex())
}

// ProcessPending pays out the queue from the root account. Payouts the
// fee would consume are rejected; a submission failure rejects the one
// payout and the pass continues.
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
	// A pending nonce above the latest means an earlier payout is still
	// unmined. Back off until the account settles.
	pendingNonce, err := e.client.PendingNonceAt(ctx, e.root)
	if err != nil {
		return proxy.TransientError(err, "root pending nonce")
	}
	nonce, err := e.client.NonceAt(ctx, e.root, nil)
	if err != nil {
		return proxy.TransientError(err, "root nonce")
	}
	if pendingNonce != nonce {
		e.Log.Debug("Root account unsettled, deferring payouts", "pending", pendingNonce, "latest", nonce)
		return nil
	}
	available, err := e.client.BalanceAt(ctx, e.root, nil)
	if err != nil {
		return proxy.TransientError(err, "root balance")
	}

	for _, p := range pendings {
		if err := ctx.Err(); err != nil {
			return err
		}
		amount := p.AmountInt()
		// The payout must sit strictly below the balance: gas comes out
		// of the same account, so equality can never fund the transfer.
		if amount.Cmp(available) >= 0 {
			return proxy.InternalErrorf("payout %s exhausts root balance %s", amount, available)
		}
		gasPrice, err := e.client.SuggestGasPrice(ctx)
		if err != nil {
			return proxy.TransientError(err, "gas price")
		}
		gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(e.gasLimit))
		transfer := new(big.Int).Sub(amount, gasCost)
		transfer.Sub(transfer, e.Cfg.StaticFee)
		if transfer.Sign() <= 0 {
			if err := e.RejectPayout(p, rejected, "amount does not cover the network fee"); err != nil {
				return err
			}
			continue
		}
		tx := types.NewTransaction(nonce, common.HexToAddress(p.Address), transfer, e.gasLimit, gasPrice, nil)
		signed, err := types.SignTx(tx, e.signer, e.rootKey)
		if err != nil {
			return proxy.InternalErrorf("sign payout: %v", err)
		}
		if dup, err := e.Ledger().HasWithdrawal(signed.Hash().Hex()); err != nil {
			return proxy.StorageError(err)
		} else if dup {
			return proxy.InternalErrorf("payout %s already recorded", signed.Hash().Hex())
		}
		if err := e.client.SendTransaction(ctx, signed); err != nil {
			if err := e.RejectPayout(p, rejected, "node refused transaction: "+err.Error()); err != nil {
				return err
			}
			continue
		}
		nonce++
		available.Sub(available, amount)
		rec := &store.TxRecord{
			User:      p.User,
			Amount:    p.Amount,
			TxHash:    signed.Hash().Hex(),
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
