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

// Package proxy multiplexes per-coin reconciliation engines behind one
// request dispatcher and one cooperative background loop. Engines
// implement the Adapter capability; everything user-visible flows
// through the API type, everything chain-driven through the Reconciler.
package proxy

import (
	"context"

	"github.com/r5-labs/r5-proxy/store"
)

// Distinction is the rule by which an incoming transfer is attributed
// to a user.
type Distinction string

const (
	// ByAddress attributes by a per-user HD-derived deposit address.
	ByAddress Distinction = "address"
	// ByTag attributes by an integer destination tag on a shared address.
	ByTag Distinction = "tag"
	// ByAmount attributes by the exact transferred value on a shared
	// token address.
	ByAmount Distinction = "amount"
	// ByUTXOAddress attributes by a wallet-issued per-user address.
	ByUTXOAddress Distinction = "utxo-address"
)

// GlobalStats is the coin-wide aggregate exposed by getProxyInfo.
type GlobalStats struct {
	Deposit    string `json:"deposit"`
	Withdrawal string `json:"withdrawal"`
	Balance    string `json:"balance"`
}

// Info describes one coin engine to API callers.
type Info struct {
	CoinType    string      `json:"coinType"`
	Decimals    uint8       `json:"coinDecimals"`
	Distinction Distinction `json:"distinction"`
	Stats       GlobalStats `json:"globalStats"`
	Latched     string      `json:"latched,omitempty"`
}

// DepositHandle is the API form of an active deposit binding. Only the
// fields matching the coin's distinction are set.
type DepositHandle struct {
	Address string  `json:"address,omitempty"`
	Tag     *uint32 `json:"tag,omitempty"`
	Amount  string  `json:"amount,omitempty"` // decimal
}

// PendingInfo is the API form of a scheduled payout.
type PendingInfo struct {
	Address string  `json:"address"`
	Amount  string  `json:"amount"` // decimal
	Tag     *uint32 `json:"tag,omitempty"`
}

// AccountInfo is the API form of a user's cumulative figures.
type AccountInfo struct {
	Deposit    string       `json:"deposit"`    // decimal
	Withdrawal string       `json:"withdrawal"` // decimal
	Pending    *PendingInfo `json:"pending,omitempty"`
}

// TxInfo is the API form of one transaction-log entry.
type TxInfo struct {
	Entry       uint64 `json:"entryId"`
	Amount      string `json:"amount"` // decimal
	TxHash      string `json:"txHash"`
	Vout        uint32 `json:"vout,omitempty"`
	BlockHash   string `json:"blockHash,omitempty"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
	BlockTime   int64  `json:"blockTime,omitempty"`
	Address     string `json:"address,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// Adapter is the capability every coin engine presents to the
// dispatcher and the reconciler. Methods performing chain I/O take a
// context; storage mutations they make are enclosed in atomic scopes.
//
// Engines carry a fatal-error latch: once set, mutating calls fail with
// the stored error and the background passes become no-ops until an
// operator clears it.
type Adapter interface {
	// Coin returns the configured ticker.
	Coin() string
	// Distinction returns the attribution model.
	Distinction() Distinction
	// Info returns the coin description with live global stats.
	Info() (*Info, error)

	// CreateDepositHandle creates or returns the user's deposit binding.
	// Amount-based engines require the decimal amount argument and may
	// perturb it to keep reserved values unique; the others ignore it.
	CreateDepositHandle(ctx context.Context, user store.UserID, amount string) (*DepositHandle, error)
	// AwaitingDeposits lists the user's active bindings.
	AwaitingDeposits(user store.UserID) ([]*DepositHandle, error)
	// CancelDeposits removes amount-based bindings. It reports false,
	// nil on engines whose bindings are permanent.
	CancelDeposits(user store.UserID) (bool, error)

	// ScheduleWithdrawal admits and queues a payout.
	ScheduleWithdrawal(ctx context.Context, user store.UserID, address, amount string, tag *uint32) (*PendingInfo, error)
	// PendingWithdrawal returns the user's queued payout, or nil.
	PendingWithdrawal(user store.UserID) (*PendingInfo, error)

	// Deposits pages the deposit log, newest first, 10 per page.
	Deposits(user store.UserID, skip int) ([]*TxInfo, error)
	// Withdrawals pages the withdrawal log, newest first, 10 per page.
	Withdrawals(user store.UserID, skip int) ([]*TxInfo, error)
	// AccountInfo returns the user's totals and queued payout.
	AccountInfo(user store.UserID) (*AccountInfo, error)

	// PollDeposits runs one deposit-reconciliation pass, appending one
	// event per credited deposit.
	PollDeposits(ctx context.Context, processed *EventSink) error
	// ProcessPending runs one payout pass over the queue, appending to
	// the processed or rejected sink per payout.
	ProcessPending(ctx context.Context, processed, rejected *EventSink) error

	// Latched returns the stored fatal error, or nil.
	Latched() error
	// ClearLatch resumes a latched engine.
	ClearLatch()
	// Close releases chain connections.
	Close()
}
