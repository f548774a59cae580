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
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r5-labs/r5-proxy/store"
)

// stubEngine is a minimal in-memory adapter for loop and dispatcher
// tests. Hooks run inside the reconciliation passes.
type stubEngine struct {
	*Core
	polls       int32
	pollHook    func(sink *EventSink) error
	pendingHook func(processed, rejected *EventSink) error
}

func newStub(t *testing.T, db *store.DB, coin string) *stubEngine {
	t.Helper()
	return &stubEngine{
		Core: NewCore(db, CoreConfig{
			Coin:          coin,
			CoinType:      "Stub",
			Decimals:      8,
			Minimum:       big.NewInt(1000),
			StaticFee:     big.NewInt(10),
			Confirmations: 1,
		}),
	}
}

func (s *stubEngine) Distinction() Distinction { return ByAddress }

func (s *stubEngine) Info() (*Info, error) { return s.BuildInfo(ByAddress) }

func (s *stubEngine) CreateDepositHandle(_ context.Context, user store.UserID, _ string) (*DepositHandle, error) {
	if err := s.Guard(); err != nil {
		return nil, err
	}
	addr := "stub:" + user.String()
	err := s.Atomic(func(l *store.Ledger) error {
		if h, err := l.DepositHandle(user); err != nil {
			return err
		} else if h != nil {
			return nil
		}
		return l.PutDepositHandle(&store.Handle{User: user, Address: addr})
	})
	if err != nil {
		return nil, err
	}
	return &DepositHandle{Address: addr}, nil
}

func (s *stubEngine) AwaitingDeposits(user store.UserID) ([]*DepositHandle, error) {
	h, err := s.Ledger().DepositHandle(user)
	if err != nil {
		return nil, StorageError(err)
	}
	if h == nil {
		return []*DepositHandle{}, nil
	}
	return []*DepositHandle{{Address: h.Address}}, nil
}

func (s *stubEngine) CancelDeposits(store.UserID) (bool, error) { return false, nil }

func (s *stubEngine) ScheduleWithdrawal(_ context.Context, user store.UserID, address, amount string, tag *uint32) (*PendingInfo, error) {
	v, err := s.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	return s.SchedulePayout(user, address, v, tag)
}

func (s *stubEngine) PollDeposits(_ context.Context, sink *EventSink) error {
	atomic.AddInt32(&s.polls, 1)
	if s.pollHook != nil {
		return s.pollHook(sink)
	}
	return nil
}

func (s *stubEngine) ProcessPending(_ context.Context, processed, rejected *EventSink) error {
	if s.pendingHook != nil {
		return s.pendingHook(processed, rejected)
	}
	return nil
}

func (s *stubEngine) Close() {}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func uid(t *testing.T, s string) store.UserID {
	t.Helper()
	u, err := store.ParseUserID(s)
	require.NoError(t, err)
	return u
}

func seedBalance(t *testing.T, s *stubEngine, v int64) {
	t.Helper()
	require.NoError(t, s.Atomic(func(l *store.Ledger) error {
		return l.SetBackendBalance(big.NewInt(v))
	}))
}

//
// Reconciler
//

func TestRunTickOrderAndFlush(t *testing.T) {
	db := testDB(t)
	mu := new(sync.Mutex)
	a := newStub(t, db, "AAA")
	b := newStub(t, db, "BBB")
	alice := uid(t, "aa01")

	var order []string
	a.pendingHook = func(processed, rejected *EventSink) error {
		order = append(order, "AAA:pending")
		return rejected.Append("AAA", alice, &RejectionEvent{Reason: "test"})
	}
	b.pendingHook = func(processed, rejected *EventSink) error {
		order = append(order, "BBB:pending")
		return nil
	}
	a.pollHook = func(sink *EventSink) error {
		order = append(order, "AAA:poll")
		return sink.Append("AAA", alice, &DepositEvent{TxHash: "t1"})
	}
	b.pollHook = func(sink *EventSink) error {
		order = append(order, "BBB:poll")
		return nil
	}

	r := NewReconciler(db, []Adapter{a, b}, time.Hour, mu)
	defer r.Close()
	require.NoError(t, r.RunTick())

	// Payouts for every coin first, then the deposit polls.
	require.Equal(t, []string{"AAA:pending", "BBB:pending", "AAA:poll", "BBB:poll"}, order)

	// Both sinks reached the outbox in the tick's flush.
	var deposits, rejections []*store.Event
	require.NoError(t, db.Atomic(func(v *store.View) error {
		var err error
		if deposits, err = v.Outbox().Drain(store.ProcessedDeposits, "AAA", alice); err != nil {
			return err
		}
		rejections, err = v.Outbox().Drain(store.RejectedWithdrawals, "AAA", alice)
		return err
	}))
	require.Len(t, deposits, 1)
	require.Len(t, rejections, 1)
}

func TestRunTickSkipsLatchedEngines(t *testing.T) {
	db := testDB(t)
	a := newStub(t, db, "AAA")
	a.Latch(TransientError(errors.New("down"), "backend"))

	r := NewReconciler(db, []Adapter{a}, time.Hour, new(sync.Mutex))
	defer r.Close()
	require.NoError(t, r.RunTick())
	require.Zero(t, atomic.LoadInt32(&a.polls))

	a.ClearLatch()
	require.NoError(t, r.RunTick())
	require.Equal(t, int32(1), atomic.LoadInt32(&a.polls))
}

func TestRunTickReportsUnhandledErrors(t *testing.T) {
	db := testDB(t)
	a := newStub(t, db, "AAA")
	a.pollHook = func(*EventSink) error { return errors.New("boom") }

	r := NewReconciler(db, []Adapter{a}, time.Hour, new(sync.Mutex))
	defer r.Close()
	require.Error(t, r.RunTick())
}

func TestReconcilerLoop(t *testing.T) {
	db := testDB(t)
	a := newStub(t, db, "AAA")
	r := NewReconciler(db, []Adapter{a}, 5*time.Millisecond, new(sync.Mutex))
	defer r.Close()

	r.Start()
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&a.polls) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no tick observed")
		}
		time.Sleep(time.Millisecond)
	}

	r.Stop()
	time.Sleep(10 * time.Millisecond)
	n := atomic.LoadInt32(&a.polls)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, n, atomic.LoadInt32(&a.polls))
}

//
// Dispatcher
//

func testAPI(t *testing.T) (*API, *stubEngine, *stubEngine) {
	t.Helper()
	db := testDB(t)
	a := newStub(t, db, "AAA")
	b := newStub(t, db, "BBB")
	return NewAPI(db, new(sync.Mutex), []Adapter{a, b}), a, b
}

func TestDispatcherResolution(t *testing.T) {
	api, _, _ := testAPI(t)

	_, err := api.GetProxyInfo("CCC")
	require.ErrorIs(t, err, ErrUnknownCoin)

	_, err = api.GetStats("AAA", "not hex")
	require.Equal(t, KindInput, ErrKind(err))

	info, err := api.GetProxyInfo("AAA")
	require.NoError(t, err)
	require.Equal(t, "Stub", info.CoinType)
	require.Equal(t, ByAddress, info.Distinction)
	require.Equal(t, "0.00000000", info.Stats.Deposit)
}

func TestDispatcherDepositFlow(t *testing.T) {
	api, _, _ := testAPI(t)
	ctx := context.Background()

	h, err := api.SetDeposit(ctx, "AAA", "aa01", nil)
	require.NoError(t, err)
	require.Equal(t, "stub:aa01", h.Address)

	list, err := api.GetDeposit("AAA", "aa01")
	require.NoError(t, err)
	require.Len(t, list, 1)

	ok, err := api.DeleteDeposit("AAA", "aa01")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDispatcherWithdrawalFlow(t *testing.T) {
	api, a, _ := testAPI(t)
	ctx := context.Background()
	seedBalance(t, a, 1000000)

	p, err := api.SetPending(ctx, "AAA", "aa01", "dest-1", "0.006", nil)
	require.NoError(t, err)
	require.Equal(t, "0.00600000", p.Amount)

	got, err := api.GetPending("AAA", "aa01")
	require.NoError(t, err)
	require.Equal(t, p, got)

	// The queue already holds 600000 of the 1000000 snapshot: another
	// 500000 exceeds it, 400000 still fits.
	_, err = api.SetPending(ctx, "AAA", "bb02", "dest-2", "0.005", nil)
	require.Equal(t, KindConflict, ErrKind(err))
	_, err = api.SetPending(ctx, "AAA", "bb02", "dest-2", "0.004", nil)
	require.NoError(t, err)

	stats, err := api.GetAllCoinStats("aa01")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.NotNil(t, stats["AAA"].Pending)
	require.Nil(t, stats["BBB"].Pending)
}

func TestDispatcherDrainsOutbox(t *testing.T) {
	api, _, _ := testAPI(t)
	alice := uid(t, "aa01")

	require.NoError(t, api.db.Atomic(func(v *store.View) error {
		return v.Outbox().Append(store.ProcessedDeposits, &store.Event{
			User: alice, Coin: "AAA", Payload: []byte(`{"txHash":"t1"}`),
		})
	}))

	events, err := api.ListProcessedDeposits("AAA", "aa01")
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Pull-once: a second read is empty, never null.
	events, err = api.ListProcessedDeposits("AAA", "aa01")
	require.NoError(t, err)
	require.NotNil(t, events)
	require.Empty(t, events)

	_, err = api.ListAllProcessedDeposits("CCC")
	require.ErrorIs(t, err, ErrUnknownCoin)
}

func TestDispatcherClearLatch(t *testing.T) {
	api, a, _ := testAPI(t)

	ok, err := api.ClearLatch("AAA")
	require.NoError(t, err)
	require.False(t, ok)

	a.Latch(TransientError(errors.New("down"), "backend"))
	info, err := api.GetProxyInfo("AAA")
	require.NoError(t, err)
	require.NotEmpty(t, info.Latched)

	ok, err = api.ClearLatch("AAA")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Latched())
}
