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
	"context"
	"sync"

	"github.com/r5-labs/r5-proxy/store"
)

// API is the request dispatcher: it validates caller identifiers,
// resolves the coin engine and routes each method to the matching
// adapter operation. It is registered on the JSON-RPC server under the
// "proxy" namespace, so GetProxyInfo serves proxy_getProxyInfo and so
// on. Calls serialize against the reconciler through the shared mutex.
type API struct {
	db       *store.DB
	mu       *sync.Mutex
	adapters map[string]Adapter
	order    []string
}

// NewAPI builds the dispatcher over the registered engines. Engine
// order is preserved for the multi-coin listings.
func NewAPI(db *store.DB, mu *sync.Mutex, adapters []Adapter) *API {
	m := make(map[string]Adapter, len(adapters))
	order := make([]string, 0, len(adapters))
	for _, a := range adapters {
		m[a.Coin()] = a
		order = append(order, a.Coin())
	}
	return &API{db: db, mu: mu, adapters: m, order: order}
}

func (api *API) resolve(coin string) (Adapter, error) {
	a, ok := api.adapters[coin]
	if !ok {
		return nil, ErrUnknownCoin
	}
	return a, nil
}

func (api *API) resolveUser(coin, user string) (Adapter, store.UserID, error) {
	a, err := api.resolve(coin)
	if err != nil {
		return nil, nil, err
	}
	uid, err := store.ParseUserID(user)
	if err != nil {
		return nil, nil, InputErrorf("%v", err)
	}
	return a, uid, nil
}

// GetProxyInfo returns the coin description and global stats.
func (api *API) GetProxyInfo(coin string) (*Info, error) {
	a, err := api.resolve(coin)
	if err != nil {
		return nil, err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	return a.Info()
}

// GetStats returns the user's totals and pending payout for one coin.
func (api *API) GetStats(coin, user string) (*AccountInfo, error) {
	a, uid, err := api.resolveUser(coin, user)
	if err != nil {
		return nil, err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	return a.AccountInfo(uid)
}

// GetAllCoinStats returns the user's totals across every configured
// coin, keyed by ticker.
func (api *API) GetAllCoinStats(user string) (map[string]*AccountInfo, error) {
	uid, err := store.ParseUserID(user)
	if err != nil {
		return nil, InputErrorf("%v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	out := make(map[string]*AccountInfo, len(api.order))
	for _, coin := range api.order {
		info, err := api.adapters[coin].AccountInfo(uid)
		if err != nil {
			return nil, err
		}
		out[coin] = info
	}
	return out, nil
}

// SetDeposit creates or returns the user's deposit handle. The amount
// argument is required for amount-distinguished coins and ignored
// otherwise.
func (api *API) SetDeposit(ctx context.Context, coin, user string, amount *string) (*DepositHandle, error) {
	a, uid, err := api.resolveUser(coin, user)
	if err != nil {
		return nil, err
	}
	var amt string
	if amount != nil {
		amt = *amount
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	return a.CreateDepositHandle(ctx, uid, amt)
}

// GetDeposit lists the user's active deposit handles.
func (api *API) GetDeposit(coin, user string) ([]*DepositHandle, error) {
	a, uid, err := api.resolveUser(coin, user)
	if err != nil {
		return nil, err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	return a.AwaitingDeposits(uid)
}

// DeleteDeposit cancels the user's awaiting deposits. It reports false
// without error on coins whose handles are permanent.
func (api *API) DeleteDeposit(coin, user string) (bool, error) {
	a, uid, err := api.resolveUser(coin, user)
	if err != nil {
		return false, err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	return a.CancelDeposits(uid)
}

// SetPending schedules a withdrawal.
func (api *API) SetPending(ctx context.Context, coin, user, address, amount string, tag *uint32) (*PendingInfo, error) {
	a, uid, err := api.resolveUser(coin, user)
	if err != nil {
		return nil, err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	return a.ScheduleWithdrawal(ctx, uid, address, amount, tag)
}

// GetPending returns the user's scheduled withdrawal, or null.
func (api *API) GetPending(coin, user string) (*PendingInfo, error) {
	a, uid, err := api.resolveUser(coin, user)
	if err != nil {
		return nil, err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	return a.PendingWithdrawal(uid)
}

// ListDeposits pages the user's confirmed deposits, newest first.
func (api *API) ListDeposits(coin, user string, skip *int) ([]*TxInfo, error) {
	a, uid, err := api.resolveUser(coin, user)
	if err != nil {
		return nil, err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	return a.Deposits(uid, offset(skip))
}

// ListWithdrawals pages the user's processed withdrawals, newest first.
func (api *API) ListWithdrawals(coin, user string, skip *int) ([]*TxInfo, error) {
	a, uid, err := api.resolveUser(coin, user)
	if err != nil {
		return nil, err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	return a.Withdrawals(uid, offset(skip))
}

// ListProcessedDeposits drains the user's processed-deposit events.
// Returned rows are deleted in the same atomic scope: a caller that
// drops the response loses them.
func (api *API) ListProcessedDeposits(coin, user string) ([]*store.Event, error) {
	return api.drain(store.ProcessedDeposits, coin, user)
}

// ListProcessedWithdrawals drains the user's processed-withdrawal
// events.
func (api *API) ListProcessedWithdrawals(coin, user string) ([]*store.Event, error) {
	return api.drain(store.ProcessedWithdrawals, coin, user)
}

// ListRejectedWithdrawals drains the user's rejected-withdrawal events.
func (api *API) ListRejectedWithdrawals(coin, user string) ([]*store.Event, error) {
	return api.drain(store.RejectedWithdrawals, coin, user)
}

// ListAllProcessedDeposits drains processed-deposit events for every
// user of a coin.
func (api *API) ListAllProcessedDeposits(coin string) ([]*store.Event, error) {
	return api.drainAll(store.ProcessedDeposits, coin)
}

// ListAllProcessedWithdrawals drains processed-withdrawal events for
// every user of a coin.
func (api *API) ListAllProcessedWithdrawals(coin string) ([]*store.Event, error) {
	return api.drainAll(store.ProcessedWithdrawals, coin)
}

// ListAllRejectedWithdrawals drains rejected-withdrawal events for
// every user of a coin.
func (api *API) ListAllRejectedWithdrawals(coin string) ([]*store.Event, error) {
	return api.drainAll(store.RejectedWithdrawals, coin)
}

// ClearLatch resumes a latched engine. It reports whether a latch was
// actually set.
func (api *API) ClearLatch(coin string) (bool, error) {
	a, err := api.resolve(coin)
	if err != nil {
		return false, err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if a.Latched() == nil {
		return false, nil
	}
	a.ClearLatch()
	return true, nil
}

func (api *API) drain(kind store.OutboxKind, coin, user string) ([]*store.Event, error) {
	if _, err := api.resolve(coin); err != nil {
		return nil, err
	}
	uid, err := store.ParseUserID(user)
	if err != nil {
		return nil, InputErrorf("%v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	out := []*store.Event{}
	err = api.db.Atomic(func(v *store.View) error {
		var err error
		out, err = v.Outbox().Drain(kind, coin, uid)
		return err
	})
	if err != nil {
		return nil, StorageError(err)
	}
	if out == nil {
		out = []*store.Event{}
	}
	return out, nil
}

func (api *API) drainAll(kind store.OutboxKind, coin string) ([]*store.Event, error) {
	if _, err := api.resolve(coin); err != nil {
		return nil, err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	out := []*store.Event{}
	err := api.db.Atomic(func(v *store.View) error {
		var err error
		out, err = v.Outbox().DrainAll(kind, coin)
		return err
	})
	if err != nil {
		return nil, StorageError(err)
	}
	if out == nil {
		out = []*store.Event{}
	}
	return out, nil
}

func offset(skip *int) int {
	if skip == nil || *skip < 0 {
		return 0
	}
	return *skip
}
