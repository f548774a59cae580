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

// Package erc20 implements the amount-distinguished token engine: all
// users share the root deposit address and an incoming transfer is
// attributed by its exact value, which the handle reserves (and may
// perturb to keep unique). Payouts are token transfers from the root.
package erc20

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/r5-labs/r5-proxy/proxy"
	"github.com/r5-labs/r5-proxy/proxy/eth"
	"github.com/r5-labs/r5-proxy/store"
)

// TransferGas is the default gas limit for a token transfer.
const TransferGas = 70000

// PerturbRange bounds how far a reserved amount may drift from the
// requested value, in minimal units, and PerturbAttempts how many draws
// are made before the request fails.
const (
	PerturbRange    = 128
	PerturbAttempts = 16
)

const tokenABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Config carries the engine options on top of the shared core set.
type Config struct {
	proxy.CoreConfig
	URL        string
	Mnemonic   string
	Token      string // contract address
	StartBlock uint64 // scan floor, usually the deployment height
	GasLimit   uint64 // payout gas limit, TransferGas when zero
}

// Engine is the amount-based token adapter.
type Engine struct {
	*proxy.Core

	client   eth.TokenBackend
	token    common.Address
	abi      abi.ABI
	chainID  *big.Int
	signer   types.Signer
	gasLimit uint64
	floor    uint64

	root    common.Address
	rootKey *ecdsa.PrivateKey

	rng *rand.Rand
}

// New builds the engine over an existing backend connection.
func New(db *store.DB, cfg Config, client eth.TokenBackend) (*Engine, error) {
	if !common.IsHexAddress(cfg.Token) {
		return nil, errors.New("malformed token contract address")
	}
	wallet, err := eth.NewWallet(cfg.Mnemonic)
	if err != nil {
		return nil, err
	}
	rootKey, root, err := wallet.Key(0)
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
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
		token:    common.HexToAddress(cfg.Token),
		abi:      parsed,
		chainID:  chainID,
		signer:   types.LatestSignerForChainID(chainID),
		gasLimit: gasLimit,
		floor:    cfg.StartBlock,
		root:     root,
		rootKey:  rootKey,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.Log.Info("Token engine ready", "chainid", chainID, "token", e.token, "root", root)
	return e, nil
}

// DialEngine builds the engine over a fresh connection to cfg.URL.
func DialEngine(db *store.DB, cfg Config) (*Engine, error) {
	client, err := eth.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	return New(db, cfg, client)
}

func (e *Engine) Distinction() proxy.Distinction { return proxy.ByAmount }

func (e *Engine) Info() (*proxy.Info, error) {
	return e.BuildInfo(proxy.ByAmount)
}

// Close releases the node connection.
func (e *Engine) Close() { e.client.Close() }

//
// Deposit handles
//

// CreateDepositHandle reserves a transfer value for the user. When the
// requested value is already reserved by someone else it is perturbed
// by a small random offset; running out of attempts is a conflict. An
// existing reservation is returned unchanged.
func (e *Engine) CreateDepositHandle(ctx context.Context, user store.UserID, amount string) (*proxy.DepositHandle, error) {
	if err := e.Guard(); err != nil {
		return nil, err
	}
	requested, err := e.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	if requested.Cmp(e.Cfg.Minimum) < 0 {
		return nil, proxy.InputErrorf("amount below minimum (%s)", e.Codec.Format(e.Cfg.Minimum))
	}
	var out *proxy.DepositHandle
	err = e.Atomic(func(l *store.Ledger) error {
		if h, err := l.DepositHandle(user); err != nil {
			return err
		} else if h != nil {
			out = e.handleInfo(h)
			return nil
		}
		reserved, err := e.reserve(l, requested)
		if err != nil {
			return err
		}
		// The shared root address stays out of the handle: indexing it
		// would bind it to the first user and conflict with everyone
		// else's reservation.
		h := &store.Handle{User: user, Amount: reserved.String()}
		if err := l.PutDepositHandle(h); err != nil {
			return err
		}
		e.Log.Info("Deposit value reserved", "user", user, "amount", e.Codec.Format(reserved))
		out = e.handleInfo(h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reserve finds a free transfer value at or near the requested one.
func (e *Engine) reserve(l *store.Ledger, requested *big.Int) (*big.Int, error) {
	candidate := new(big.Int).Set(requested)
	for i := 0; i < PerturbAttempts; i++ {
		if candidate.Sign() > 0 {
			owner, err := l.UserByAmount(candidate)
			if err != nil {
				return nil, err
			}
			if owner == nil {
				return candidate, nil
			}
		}
		offset := int64(e.rng.Intn(2*PerturbRange)) - PerturbRange
		candidate = new(big.Int).Add(requested, big.NewInt(offset))
	}
	return nil, proxy.ConflictErrorf("no free deposit value near %s", e.Codec.Format(requested))
}

func (e *Engine) handleInfo(h *store.Handle) *proxy.DepositHandle {
	return &proxy.DepositHandle{
		Address: e.root.Hex(),
		Amount:  e.Codec.Format(h.AmountInt()),
	}
}

// AwaitingDeposits lists the user's reservation, if any.
func (e *Engine) AwaitingDeposits(user store.UserID) ([]*proxy.DepositHandle, error) {
	h, err := e.Ledger().DepositHandle(user)
	if err != nil {
		return nil, proxy.StorageError(err)
	}
	if h == nil {
		return []*proxy.DepositHandle{}, nil
	}
	return []*proxy.DepositHandle{e.handleInfo(h)}, nil
}

// CancelDeposits releases the user's reserved value.
func (e *Engine) CancelDeposits(user store.UserID) (bool, error) {
	if err := e.Guard(); err != nil {
		return false, err
	}
	cancelled := false
	err := e.Atomic(func(l *store.Ledger) error {
		h, err := l.DepositHandle(user)
		if err != nil || h == nil {
			return err
		}
		cancelled = true
		return l.DeleteAmountHandle(user)
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		e.Log.Info("Deposit reservation cancelled", "user", user)
	}
	return cancelled, nil
}

//
// Withdrawals
//

// ScheduleWithdrawal admits a token payout to an external address.
func (e *Engine) ScheduleWithdrawal(ctx context.Context, user store.UserID, address, amount string, tag *uint32) (*proxy.PendingInfo, error) {
	if tag != nil {
		return nil, proxy.InputErrorf("destination tags are not supported")
	}
	if !common.IsHexAddress(address) {
		return nil, proxy.InputErrorf("malformed address %q", address)
	}
	if common.HexToAddress(address) == e.root {
		return nil, proxy.InputErrorf("destination %s is the managed deposit address", address)
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

// PollDeposits scans Transfer events to the root address over the
// confirmed range past the watermark and credits exact-value matches.
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
	if head >= e.Cfg.Confirmations {
		to := head - e.Cfg.Confirmations
		w, err := e.Ledger().Watermark()
		if err != nil {
			return proxy.StorageError(err)
		}
		from := e.floor
		if w != nil {
			from = w.Height + 1
		}
		if to >= from {
			if err := e.scanRange(ctx, from, to, sink); err != nil {
				return err
			}
		}
	}
	bal, err := e.tokenBalance(ctx, e.root)
	if err != nil {
		return err
	}
	return e.Atomic(func(l *store.Ledger) error {
		return l.SetBackendBalance(bal)
	})
}

func (e *Engine) scanRange(ctx context.Context, from, to uint64, sink *proxy.EventSink) error {
	logs, err := e.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{e.token},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(e.root.Bytes())},
		},
	})
	if err != nil {
		return proxy.TransientError(err, "transfer logs %d-%d", from, to)
	}
	times := make(map[common.Hash]int64)
	for i := range logs {
		lg := &logs[i]
		if lg.Removed || len(lg.Topics) != 3 {
			continue
		}
		value := new(big.Int).SetBytes(lg.Data)
		uid, err := e.Ledger().UserByAmount(value)
		if err != nil {
			return proxy.StorageError(err)
		}
		if uid == nil {
			e.Log.Warn("Unattributed token transfer", "value", value, "tx", lg.TxHash)
			continue
		}
		if dup, err := e.Ledger().HasTransaction(lg.TxHash.Hex()); err != nil {
			return proxy.StorageError(err)
		} else if dup {
			continue
		}
		blockTime, ok := times[lg.BlockHash]
		if !ok {
			header, err := e.client.HeaderByHash(ctx, lg.BlockHash)
			if err != nil {
				return proxy.TransientError(err, "block header %s", lg.BlockHash)
			}
			blockTime = int64(header.Time)
			times[lg.BlockHash] = blockTime
		}
		rec := &store.TxRecord{
			User:        uid,
			Amount:      value.String(),
			TxHash:      lg.TxHash.Hex(),
			BlockHash:   lg.BlockHash.Hex(),
			BlockHeight: lg.BlockNumber,
			BlockTime:   blockTime,
			Address:     e.root.Hex(),
			Timestamp:   time.Now().Unix(),
		}
		err = e.CreditDeposit(rec, sink, &proxy.DepositEvent{
			TxHash:      rec.TxHash,
			Amount:      e.Codec.Format(value),
			Address:     rec.Address,
			BlockHeight: rec.BlockHeight,
			BlockHash:   rec.BlockHash,
		}, func(l *store.Ledger) error {
			// The reservation is consumed with the credit.
			return l.DeleteAmountHandle(uid)
		})
		if err != nil {
			return err
		}
	}
	return e.Atomic(func(l *store.Ledger) error {
		return l.MarkBlockProcessed(to, "")
	})
}

func (e *Engine) tokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := e.abi.Pack("balanceOf", owner)
	if err != nil {
		return nil, proxy.InternalErrorf("pack balanceOf: %v", err)
	}
	raw, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: data}, nil)
	if err != nil {
		return nil, proxy.TransientError(err, "balanceOf")
	}
	out, err := e.abi.Unpack("balanceOf", raw)
	if err != nil || len(out) != 1 {
		return nil, proxy.TransientError(err, "decode balanceOf")
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, proxy.InternalErrorf("unexpected balanceOf type %T", out[0])
	}
	return bal, nil
}

// ProcessPending pays out the queue as token transfers from the root.
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
	available, err := e.tokenBalance(ctx, e.root)
	if err != nil {
		return err
	}

	for _, p := range pendings {
		if err := ctx.Err(); err != nil {
			return err
		}
		amount := p.AmountInt()
		if amount.Cmp(available) > 0 {
			return proxy.InternalErrorf("payout %s exceeds root token balance %s", amount, available)
		}
		transfer := new(big.Int).Sub(amount, e.Cfg.StaticFee)
		if transfer.Sign() <= 0 {
			if err := e.RejectPayout(p, rejected, "amount does not cover the service fee"); err != nil {
				return err
			}
			continue
		}
		data, err := e.abi.Pack("transfer", common.HexToAddress(p.Address), transfer)
		if err != nil {
			return proxy.InternalErrorf("pack transfer: %v", err)
		}
		gasPrice, err := e.client.SuggestGasPrice(ctx)
		if err != nil {
			return proxy.TransientError(err, "gas price")
		}
		tx := types.NewTransaction(nonce, e.token, new(big.Int), e.gasLimit, gasPrice, data)
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
