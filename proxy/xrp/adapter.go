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

// Package xrp implements the tag-distinguished engine: all users share
// one ledger account and an incoming payment is attributed by its
// destination tag. Payouts are signed daemon-side from the account
// secret.
package xrp

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/r5-labs/r5-proxy/proxy"
	"github.com/r5-labs/r5-proxy/store"
)

// ledgerEpochOffset converts ledger timestamps to Unix seconds.
const ledgerEpochOffset = 946684800

// historyPageSize is the account_tx window fetched per step.
const historyPageSize = 50

// Config carries the engine options on top of the shared core set.
type Config struct {
	proxy.CoreConfig
	URL     string
	Account string // shared deposit account
	Secret  string // its signing secret
}

// Engine is the tag-based adapter.
type Engine struct {
	*proxy.Core

	client  Backend
	account string
	secret  string
}

// Backend is the slice of the daemon RPC surface the engine needs.
// *Client satisfies it; tests plug in a fake.
type Backend interface {
	AccountTx(ctx context.Context, req *AccountTxRequest) (*AccountTxResult, error)
	AccountInfo(ctx context.Context, account string) (*AccountInfoResult, error)
	Submit(ctx context.Context, payment *Payment, secret string) (*SubmitResult, error)
	Close()
}

// New builds the engine over an existing daemon connection. The ledger
// runs in drops, so the coin must be configured with 6 decimals.
func New(db *store.DB, cfg Config, client Backend) (*Engine, error) {
	if cfg.Decimals != 6 {
		return nil, errors.New("tag engine requires 6 decimals")
	}
	if !plausibleAddress(cfg.Account) {
		return nil, errors.New("malformed deposit account address")
	}
	e := &Engine{
		Core:    proxy.NewCore(db, cfg.CoreConfig),
		client:  client,
		account: cfg.Account,
		secret:  cfg.Secret,
	}
	e.Log.Info("Tag engine ready", "url", cfg.URL, "account", cfg.Account)
	return e, nil
}

// DialEngine builds the engine over a fresh connection to cfg.URL.
func DialEngine(db *store.DB, cfg Config) (*Engine, error) {
	return New(db, cfg, NewClient(cfg.URL))
}

func (e *Engine) Distinction() proxy.Distinction { return proxy.ByTag }

func (e *Engine) Info() (*proxy.Info, error) {
	return e.BuildInfo(proxy.ByTag)
}

// Close releases the daemon connection.
func (e *Engine) Close() { e.client.Close() }

func plausibleAddress(s string) bool {
	if len(s) < 25 || len(s) > 35 || s[0] != 'r' {
		return false
	}
	for _, c := range s[1:] {
		switch {
		case c >= '1' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		default:
			return false
		}
		if c == 'l' || c == 'I' || c == 'O' || c == '0' {
			return false
		}
	}
	return true
}

//
// Deposit handles
//

// CreateDepositHandle allocates the user's destination tag on first
// use. Deposits carry the shared account address plus the tag.
func (e *Engine) CreateDepositHandle(ctx context.Context, user store.UserID, _ string) (*proxy.DepositHandle, error) {
	if err := e.Guard(); err != nil {
		return nil, err
	}
	var out *proxy.DepositHandle
	err := e.Atomic(func(l *store.Ledger) error {
		if h, err := l.DepositHandle(user); err != nil {
			return err
		} else if h != nil {
			tag := h.Tag
			out = &proxy.DepositHandle{Address: e.account, Tag: &tag}
			return nil
		}
		tag, err := l.NextTag()
		if err != nil {
			return err
		}
		if err := l.PutDepositHandle(&store.Handle{User: user, Tag: tag}); err != nil {
			return err
		}
		e.Log.Info("Destination tag issued", "user", user, "tag", tag)
		out = &proxy.DepositHandle{Address: e.account, Tag: &tag}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AwaitingDeposits lists the user's tag binding, if issued.
func (e *Engine) AwaitingDeposits(user store.UserID) ([]*proxy.DepositHandle, error) {
	h, err := e.Ledger().DepositHandle(user)
	if err != nil {
		return nil, proxy.StorageError(err)
	}
	if h == nil {
		return []*proxy.DepositHandle{}, nil
	}
	tag := h.Tag
	return []*proxy.DepositHandle{{Address: e.account, Tag: &tag}}, nil
}

// CancelDeposits is a no-op: tags stay bound forever.
func (e *Engine) CancelDeposits(store.UserID) (bool, error) {
	return false, nil
}

//
// Withdrawals
//

// ScheduleWithdrawal admits a payout. Destination tags are passed
// through for exchange-hosted recipients.
func (e *Engine) ScheduleWithdrawal(ctx context.Context, user store.UserID, address, amount string, tag *uint32) (*proxy.PendingInfo, error) {
	if !plausibleAddress(address) {
		return nil, proxy.InputErrorf("malformed address %q", address)
	}
	if address == e.account {
		return nil, proxy.InputErrorf("destination %s is the managed deposit account", address)
	}
	v, err := e.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	return e.SchedulePayout(user, address, v, tag)
}

//
// Reconciliation passes
//

// PollDeposits pages the account history newest first, credits settled
// tagged payments and stops at the watermark ledger.
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
	// Oldest first keeps the log and watermark in ledger order.
	for i := len(credits) - 1; i >= 0; i-- {
		rec := credits[i]
		tag := credits[i].tag
		err := e.CreditDeposit(rec.TxRecord, sink, &proxy.DepositEvent{
			TxHash:      rec.TxHash,
			Amount:      e.Codec.Format(rec.AmountInt()),
			Address:     e.account,
			Tag:         tag,
			BlockHeight: rec.BlockHeight,
		}, func(l *store.Ledger) error {
			return l.MarkBlockProcessed(rec.BlockHeight, "")
		})
		if err != nil {
			return err
		}
	}
	info, err := e.client.AccountInfo(ctx, e.account)
	if err != nil {
		return proxy.TransientError(err, "account_info")
	}
	bal, ok := new(big.Int).SetString(info.AccountData.Balance, 10)
	if !ok {
		return proxy.InternalErrorf("undecodable account balance %q", info.AccountData.Balance)
	}
	return e.Atomic(func(l *store.Ledger) error {
		return l.SetBackendBalance(bal)
	})
}

type taggedCredit struct {
	*store.TxRecord
	tag uint32
}

func (e *Engine) collectCredits(ctx context.Context) ([]*taggedCredit, error) {
	led := e.Ledger()
	w, err := led.Watermark()
	if err != nil {
		return nil, proxy.StorageError(err)
	}
	var credits []*taggedCredit
	var marker json.RawMessage
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := e.client.AccountTx(ctx, &AccountTxRequest{
			Account:        e.account,
			LedgerIndexMin: -1,
			LedgerIndexMax: -1,
			Limit:          historyPageSize,
			Forward:        false,
			Marker:         marker,
		})
		if err != nil {
			return nil, proxy.TransientError(err, "account_tx")
		}
		for i := range page.Transactions {
			entry := &page.Transactions[i]
			tx := entry.Tx
			if tx == nil {
				continue
			}
			if w != nil && tx.LedgerIndex <= w.Height {
				return credits, nil
			}
			if !entry.Validated || tx.TransactionType != "Payment" {
				continue
			}
			if entry.Meta.TransactionResult != "tesSUCCESS" || !creditedAccountRoot(&entry.Meta) {
				continue
			}
			if tx.Destination != e.account || tx.DestinationTag == nil {
				continue
			}
			drops, ok := deliveredDrops(&entry.Meta)
			if !ok {
				continue // issued currency, not the native coin
			}
			if drops.Cmp(e.Cfg.Minimum) < 0 {
				continue
			}
			uid, err := led.UserByTag(*tx.DestinationTag)
			if err != nil {
				return nil, proxy.StorageError(err)
			}
			if uid == nil {
				e.Log.Warn("Payment with unknown destination tag", "tag", *tx.DestinationTag, "tx", tx.Hash)
				continue
			}
			if dup, err := led.HasTransaction(tx.Hash); err != nil {
				return nil, proxy.StorageError(err)
			} else if dup {
				continue
			}
			credits = append(credits, &taggedCredit{
				TxRecord: &store.TxRecord{
					User:        uid,
					Amount:      drops.String(),
					TxHash:      tx.Hash,
					BlockHeight: tx.LedgerIndex,
					BlockTime:   tx.Date + ledgerEpochOffset,
					Address:     e.account,
					Timestamp:   time.Now().Unix(),
				},
				tag: *tx.DestinationTag,
			})
		}
		if len(page.Marker) == 0 || len(page.Transactions) == 0 {
			return credits, nil
		}
		marker = page.Marker
	}
}

// creditedAccountRoot reports whether the metadata ends in a modified
// AccountRoot, the shape of an actual balance credit.
func creditedAccountRoot(m *Meta) bool {
	if len(m.AffectedNodes) == 0 {
		return false
	}
	last := m.AffectedNodes[len(m.AffectedNodes)-1]
	return last.ModifiedNode != nil && last.ModifiedNode.LedgerEntryType == "AccountRoot"
}

// deliveredDrops decodes delivered_amount when it is a native payment.
func deliveredDrops(m *Meta) (*big.Int, bool) {
	var s string
	if err := json.Unmarshal(m.DeliveredAmount, &s); err != nil {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// ProcessPending pays out the queue through the daemon. Anything short
// of a tesSUCCESS verdict latches: the payment may still settle, so the
// pending row stays for the operator to reconcile.
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
	for _, p := range pendings {
		if err := ctx.Err(); err != nil {
			return err
		}
		amount := p.AmountInt()
		transfer := new(big.Int).Sub(amount, e.Cfg.StaticFee)
		if transfer.Sign() <= 0 {
			if err := e.RejectPayout(p, rejected, "amount does not cover the service fee"); err != nil {
				return err
			}
			continue
		}
		res, err := e.client.Submit(ctx, &Payment{
			TransactionType: "Payment",
			Account:         e.account,
			Destination:     p.Address,
			Amount:          transfer.String(),
			DestinationTag:  p.Tag,
		}, e.secret)
		if err != nil {
			return proxy.TransientError(err, "submit %s", p.Address)
		}
		if res.EngineResult != "tesSUCCESS" {
			return proxy.TransientError(errors.New(res.EngineResultMessage), "submit verdict %s", res.EngineResult)
		}
		rec := &store.TxRecord{
			User:      p.User,
			Amount:    p.Amount,
			TxHash:    res.TxJSON.Hash,
			Address:   p.Address,
			Timestamp: time.Now().Unix(),
		}
		err = e.CommitPayout(rec, processed, &proxy.WithdrawalEvent{
			TxHash:  rec.TxHash,
			Amount:  e.Codec.Format(amount),
			Address: rec.Address,
			Tag:     p.Tag,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
