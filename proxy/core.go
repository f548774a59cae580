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

package proxy

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/r5-labs/r5-proxy/decimal"
	"github.com/r5-labs/r5-proxy/store"
)

// PageSize is the fixed page length of the transaction-log listings.
const PageSize = 10

// CoreConfig carries the options every engine shares.
type CoreConfig struct {
	Coin          string
	CoinType      string
	Decimals      uint8
	Rounding      decimal.Rounding
	Minimum       *big.Int // smallest creditable deposit, minimal units
	StaticFee     *big.Int // flat fee withheld from payouts, minimal units
	Confirmations uint64
}

// Core is the chain-independent half of an engine: ledger access, the
// decimal codec, the fatal-error latch and the generic read operations.
// Concrete engines embed it and add the chain-facing behaviour.
type Core struct {
	DB    *store.DB
	Codec decimal.Codec
	Cfg   CoreConfig
	Log   log.Logger

	mu    sync.Mutex
	latch error
}

// NewCore builds the shared engine state.
func NewCore(db *store.DB, cfg CoreConfig) *Core {
	return &Core{
		DB:    db,
		Codec: decimal.New(cfg.Decimals, cfg.Rounding),
		Cfg:   cfg,
		Log:   log.New("coin", cfg.Coin),
	}
}

// Coin returns the configured ticker.
func (c *Core) Coin() string { return c.Cfg.Coin }

// Ledger returns a read view over the latest committed state.
func (c *Core) Ledger() *store.Ledger {
	return c.DB.View().Ledger(c.Cfg.Coin)
}

// Atomic runs fn against this coin's ledger inside one storage
// transaction. Unclassified failures are reported as storage faults.
func (c *Core) Atomic(fn func(l *store.Ledger) error) error {
	err := c.DB.Atomic(func(v *store.View) error {
		return fn(v.Ledger(c.Cfg.Coin))
	})
	if err != nil && ErrKind(err) == 0 {
		return StorageError(err)
	}
	return err
}

//
// Fatal-error latch
//

// Latched returns the stored fatal error, or nil.
func (c *Core) Latched() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latch
}

// Latch stores the first fatal error seen. Later calls keep the first.
func (c *Core) Latch(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latch == nil {
		c.latch = err
		c.Log.Error("Engine latched, operator intervention required", "err", err)
	}
}

// ClearLatch resumes the engine.
func (c *Core) ClearLatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latch != nil {
		c.Log.Warn("Engine latch cleared", "err", c.latch)
		c.latch = nil
	}
}

// Guard is the entry check of every mutating operation.
func (c *Core) Guard() error {
	if err := c.Latched(); err != nil {
		return ConflictErrorf("engine latched: %v", err)
	}
	return nil
}

//
// Generic read operations
//

// BuildInfo assembles the Info document for the given distinction.
func (c *Core) BuildInfo(dist Distinction) (*Info, error) {
	led := c.Ledger()
	glob, err := led.GlobalTotals()
	if err != nil {
		return nil, StorageError(err)
	}
	bal, err := led.BackendBalance()
	if err != nil {
		return nil, StorageError(err)
	}
	info := &Info{
		CoinType:    c.Cfg.CoinType,
		Decimals:    c.Cfg.Decimals,
		Distinction: dist,
		Stats: GlobalStats{
			Deposit:    c.Codec.Format(glob.DepositInt()),
			Withdrawal: c.Codec.Format(glob.WithdrawalInt()),
			Balance:    c.Codec.Format(bal),
		},
	}
	if err := c.Latched(); err != nil {
		info.Latched = err.Error()
	}
	return info, nil
}

// AccountInfo returns the user's cumulative figures plus any queued
// payout.
func (c *Core) AccountInfo(user store.UserID) (*AccountInfo, error) {
	led := c.Ledger()
	tot, err := led.Totals(user)
	if err != nil {
		return nil, StorageError(err)
	}
	info := &AccountInfo{
		Deposit:    c.Codec.Format(tot.DepositInt()),
		Withdrawal: c.Codec.Format(tot.WithdrawalInt()),
	}
	if info.Pending, err = c.PendingWithdrawal(user); err != nil {
		return nil, err
	}
	return info, nil
}

// PendingWithdrawal returns the user's queued payout, or nil.
func (c *Core) PendingWithdrawal(user store.UserID) (*PendingInfo, error) {
	p, err := c.Ledger().Pending(user)
	if err != nil {
		return nil, StorageError(err)
	}
	if p == nil {
		return nil, nil
	}
	return c.pendingInfo(p), nil
}

func (c *Core) pendingInfo(p *store.Pending) *PendingInfo {
	return &PendingInfo{
		Address: p.Address,
		Amount:  c.Codec.Format(p.AmountInt()),
		Tag:     p.Tag,
	}
}

// Deposits pages the deposit log, newest first.
func (c *Core) Deposits(user store.UserID, skip int) ([]*TxInfo, error) {
	recs, err := c.Ledger().Transactions(user, skip, PageSize)
	if err != nil {
		return nil, StorageError(err)
	}
	return c.txInfos(recs), nil
}

// Withdrawals pages the withdrawal log, newest first.
func (c *Core) Withdrawals(user store.UserID, skip int) ([]*TxInfo, error) {
	recs, err := c.Ledger().Withdrawals(user, skip, PageSize)
	if err != nil {
		return nil, StorageError(err)
	}
	return c.txInfos(recs), nil
}

func (c *Core) txInfos(recs []*store.TxRecord) []*TxInfo {
	out := make([]*TxInfo, len(recs))
	for i, r := range recs {
		out[i] = &TxInfo{
			Entry:       r.Entry,
			Amount:      c.Codec.Format(r.AmountInt()),
			TxHash:      r.TxHash,
			Vout:        r.Vout,
			BlockHash:   r.BlockHash,
			BlockHeight: r.BlockHeight,
			BlockTime:   r.BlockTime,
			Address:     r.Address,
			Timestamp:   r.Timestamp,
		}
	}
	return out
}

//
// Amount handling
//

// ParseAmount converts a caller-supplied decimal string, rejecting
// negatives and junk as input errors.
func (c *Core) ParseAmount(s string) (*big.Int, error) {
	v, err := c.Codec.ParseUnsigned(s)
	if err != nil {
		return nil, InputErrorf("invalid amount %q: %v", s, err)
	}
	return v, nil
}

// MinWithFee is the smallest admissible withdrawal: the configured
// minimum plus the flat fee withheld on payout.
func (c *Core) MinWithFee() *big.Int {
	return new(big.Int).Add(c.Cfg.Minimum, c.Cfg.StaticFee)
}

//
// Withdrawal admission
//

// SchedulePayout runs the admission checks and queues the payout. The
// address has already passed the engine's format validation.
func (c *Core) SchedulePayout(user store.UserID, address string, amount *big.Int, tag *uint32) (*PendingInfo, error) {
	if err := c.Guard(); err != nil {
		return nil, err
	}
	if amount.Cmp(c.MinWithFee()) < 0 {
		return nil, InputErrorf("amount below minimum plus fee (%s)", c.Codec.Format(c.MinWithFee()))
	}
	p := &store.Pending{
		User:    user,
		Amount:  amount.String(),
		Address: address,
		Tag:     tag,
	}
	err := c.Atomic(func(l *store.Ledger) error {
		// Paying out to a managed deposit address would double-count.
		if owner, err := l.UserByAddress(address); err != nil {
			return err
		} else if owner != nil {
			return InputErrorf("destination %s is a managed address", address)
		}
		if existing, err := l.Pending(user); err != nil {
			return err
		} else if existing != nil {
			return ConflictErrorf("pending payout already scheduled")
		}
		// Admission: the snapshot balance must cover every queued payout
		// plus this one.
		bal, err := l.BackendBalance()
		if err != nil {
			return err
		}
		sum, err := l.PendingSum()
		if err != nil {
			return err
		}
		if new(big.Int).Add(sum, amount).Cmp(bal) > 0 {
			return ConflictErrorf("insufficient backend balance")
		}
		return l.PutPending(p)
	})
	if err != nil {
		return nil, err
	}
	c.Log.Info("Payout scheduled", "user", user, "amount", c.Codec.Format(amount), "address", address)
	return c.pendingInfo(p), nil
}

// CreditDeposit applies one confirmed deposit in a single atomic unit:
// totals, the append-only log and the outbox event. extra mutates the
// same scope for engine-specific rows (handle deletion, watermark).
func (c *Core) CreditDeposit(rec *store.TxRecord, sink *EventSink, ev *DepositEvent, extra func(l *store.Ledger) error) error {
	amount := rec.AmountInt()
	err := c.Atomic(func(l *store.Ledger) error {
		if err := l.AppendTransaction(rec); err != nil {
			return err
		}
		if err := l.AddTotals(rec.User, amount, nil); err != nil {
			return err
		}
		if err := l.AddGlobalTotals(amount, nil); err != nil {
			return err
		}
		if extra != nil {
			return extra(l)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.Log.Info("Deposit credited", "user", rec.User, "amount", c.Codec.Format(amount), "tx", rec.TxHash)
	return sink.Append(c.Cfg.Coin, rec.User, ev)
}

// CommitPayout applies one broadcast payout in a single atomic unit:
// totals, pending removal, the withdrawal log and the outbox event.
func (c *Core) CommitPayout(rec *store.TxRecord, sink *EventSink, ev *WithdrawalEvent) error {
	amount := rec.AmountInt()
	err := c.Atomic(func(l *store.Ledger) error {
		if err := l.AppendWithdrawal(rec); err != nil {
			return err
		}
		if err := l.DeletePending(rec.User); err != nil {
			return err
		}
		if err := l.AddTotals(rec.User, nil, amount); err != nil {
			return err
		}
		return l.AddGlobalTotals(nil, amount)
	})
	if err != nil {
		return err
	}
	c.Log.Info("Payout processed", "user", rec.User, "amount", c.Codec.Format(amount), "tx", rec.TxHash)
	return sink.Append(c.Cfg.Coin, rec.User, ev)
}

// RejectPayout drops the pending row and queues a rejection event. The
// engine continues with the next payout.
func (c *Core) RejectPayout(p *store.Pending, sink *EventSink, reason string) error {
	err := c.Atomic(func(l *store.Ledger) error {
		return l.DeletePending(p.User)
	})
	if err != nil {
		return err
	}
	c.Log.Warn("Payout rejected", "user", p.User, "amount", c.Codec.Format(p.AmountInt()), "reason", reason)
	return sink.Append(c.Cfg.Coin, p.User, &RejectionEvent{
		Amount:  c.Codec.Format(p.AmountInt()),
		Address: p.Address,
		Tag:     p.Tag,
		Reason:  reason,
	})
}
