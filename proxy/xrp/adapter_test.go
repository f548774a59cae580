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

package xrp

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r5-labs/r5-proxy/proxy"
	"github.com/r5-labs/r5-proxy/store"
)

const (
	rootAccount = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	destAccount = "rLHzPsX6oXkzU2qL12kHCH8G8cnZv1rBJh"
)

type fakeBackend struct {
	entries  []AccountTxEntry // newest first
	pageSize int
	balance  string

	submissions []*Payment
	submitErr   error
	verdict     string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pageSize: 2, balance: "100000000", verdict: "tesSUCCESS"}
}

func (b *fakeBackend) AccountTx(_ context.Context, req *AccountTxRequest) (*AccountTxResult, error) {
	offset := 0
	if len(req.Marker) > 0 {
		if err := json.Unmarshal(req.Marker, &offset); err != nil {
			return nil, err
		}
	}
	end := offset + b.pageSize
	if end > len(b.entries) {
		end = len(b.entries)
	}
	res := &AccountTxResult{
		apiStatus:    apiStatus{Status: "success"},
		Transactions: b.entries[offset:end],
	}
	if end < len(b.entries) {
		res.Marker, _ = json.Marshal(end)
	}
	return res, nil
}

func (b *fakeBackend) AccountInfo(context.Context, string) (*AccountInfoResult, error) {
	res := &AccountInfoResult{apiStatus: apiStatus{Status: "success"}}
	res.AccountData.Balance = b.balance
	return res, nil
}

func (b *fakeBackend) Submit(_ context.Context, payment *Payment, _ string) (*SubmitResult, error) {
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	b.submissions = append(b.submissions, payment)
	res := &SubmitResult{
		apiStatus:    apiStatus{Status: "success"},
		EngineResult: b.verdict,
	}
	res.TxJSON.Hash = "ABC123"
	return res, nil
}

func (b *fakeBackend) Close() {}

func settledMeta(drops string) Meta {
	node := AffectedNode{}
	_ = json.Unmarshal([]byte(`{"ModifiedNode":{"LedgerEntryType":"AccountRoot"}}`), &node)
	return Meta{
		TransactionResult: "tesSUCCESS",
		DeliveredAmount:   json.RawMessage(`"` + drops + `"`),
		AffectedNodes:     []AffectedNode{node},
	}
}

func payment(hash string, tag *uint32, drops string, ledger uint64) AccountTxEntry {
	return AccountTxEntry{
		Tx: &Transaction{
			Hash:            hash,
			TransactionType: "Payment",
			Account:         destAccount,
			Destination:     rootAccount,
			DestinationTag:  tag,
			LedgerIndex:     ledger,
			Date:            760000000,
		},
		Meta:      settledMeta(drops),
		Validated: true,
	}
}

func testEngine(t *testing.T) (*Engine, *fakeBackend) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backend := newFakeBackend()
	e, err := New(db, Config{
		CoreConfig: proxy.CoreConfig{
			Coin:          "XRP",
			CoinType:      "Ripple",
			Decimals:      6,
			Minimum:       big.NewInt(1000000), // 1.0
			StaticFee:     big.NewInt(10000),
			Confirmations: 1,
		},
		Account: rootAccount,
		Secret:  "shhh",
	}, backend)
	require.NoError(t, err)
	return e, backend
}

func user(t *testing.T, s string) store.UserID {
	t.Helper()
	uid, err := store.ParseUserID(s)
	require.NoError(t, err)
	return uid
}

func tagOf(t *testing.T, h *proxy.DepositHandle) uint32 {
	t.Helper()
	require.NotNil(t, h.Tag)
	return *h.Tag
}

func TestCreateDepositHandleAllocatesTags(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	h, err := e.CreateDepositHandle(ctx, user(t, "aa01"), "")
	require.NoError(t, err)
	require.Equal(t, rootAccount, h.Address)
	require.Equal(t, uint32(1), tagOf(t, h))

	again, err := e.CreateDepositHandle(ctx, user(t, "aa01"), "")
	require.NoError(t, err)
	require.Equal(t, uint32(1), tagOf(t, again))

	other, err := e.CreateDepositHandle(ctx, user(t, "bb02"), "")
	require.NoError(t, err)
	require.Equal(t, uint32(2), tagOf(t, other))
}

func TestPollDepositsCreditsTaggedPayments(t *testing.T) {
	e, backend := testEngine(t)
	ctx := context.Background()
	alice := user(t, "aa01")

	h, err := e.CreateDepositHandle(ctx, alice, "")
	require.NoError(t, err)
	tag := tagOf(t, h)
	unknown := uint32(999)

	// Newest first: noise on top, the creditable payment below.
	small := payment("T6", &tag, "5", 96) // below minimum
	novalid := payment("T5", &tag, "3000000", 95)
	novalid.Validated = false
	failed := payment("T4", &tag, "3000000", 94)
	failed.Meta.TransactionResult = "tecPATH_DRY"
	iou := payment("T3", &tag, "3000000", 93)
	iou.Meta.DeliveredAmount = json.RawMessage(`{"currency":"USD","value":"3"}`)
	stranger := payment("T2", &unknown, "3000000", 92)
	good := payment("T1", &tag, "2500000", 91)
	backend.entries = []AccountTxEntry{small, novalid, failed, iou, stranger, good}

	sink := proxy.NewEventSink(store.ProcessedDeposits)
	require.NoError(t, e.PollDeposits(ctx, sink))
	require.NoError(t, e.Latched())
	require.Equal(t, 1, sink.Len())

	tot, err := e.Ledger().Totals(alice)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(2500000), tot.DepositInt())

	snap, err := e.Ledger().BackendBalance()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100000000), snap)

	w, err := e.Ledger().Watermark()
	require.NoError(t, err)
	require.Equal(t, uint64(91), w.Height)

	// The next pass stops at the watermark and credits nothing more.
	require.NoError(t, e.PollDeposits(ctx, proxy.NewEventSink(store.ProcessedDeposits)))
	tot, err = e.Ledger().Totals(alice)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(2500000), tot.DepositInt())
}

func TestPollDepositsFollowsMarkers(t *testing.T) {
	e, backend := testEngine(t)
	ctx := context.Background()
	alice := user(t, "aa01")

	h, err := e.CreateDepositHandle(ctx, alice, "")
	require.NoError(t, err)
	tag := tagOf(t, h)

	// Two-entry pages force the marker path.
	for i := 0; i < 5; i++ {
		backend.entries = append(backend.entries,
			payment("P"+string(rune('A'+i)), &tag, "2000000", uint64(90-i)))
	}
	require.NoError(t, e.PollDeposits(ctx, proxy.NewEventSink(store.ProcessedDeposits)))

	tot, err := e.Ledger().Totals(alice)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(10000000), tot.DepositInt())
}

func TestProcessPendingSubmitsPayments(t *testing.T) {
	e, backend := testEngine(t)
	ctx := context.Background()
	alice := user(t, "aa01")
	destTag := uint32(42)

	require.NoError(t, e.Atomic(func(l *store.Ledger) error {
		return l.SetBackendBalance(big.NewInt(100000000))
	}))
	_, err := e.ScheduleWithdrawal(ctx, alice, destAccount, "2", &destTag)
	require.NoError(t, err)

	processed := proxy.NewEventSink(store.ProcessedWithdrawals)
	rejected := proxy.NewEventSink(store.RejectedWithdrawals)
	require.NoError(t, e.ProcessPending(ctx, processed, rejected))
	require.NoError(t, e.Latched())

	require.Len(t, backend.submissions, 1)
	sub := backend.submissions[0]
	require.Equal(t, "Payment", sub.TransactionType)
	require.Equal(t, rootAccount, sub.Account)
	require.Equal(t, destAccount, sub.Destination)
	require.Equal(t, "1990000", sub.Amount) // fee withheld
	require.Equal(t, destTag, *sub.DestinationTag)

	require.Equal(t, 1, processed.Len())
	left, err := e.PendingWithdrawal(alice)
	require.NoError(t, err)
	require.Nil(t, left)
}

func TestProcessPendingLatchesOnVerdict(t *testing.T) {
	e, backend := testEngine(t)
	ctx := context.Background()
	alice := user(t, "aa01")

	require.NoError(t, e.Atomic(func(l *store.Ledger) error {
		return l.SetBackendBalance(big.NewInt(100000000))
	}))
	_, err := e.ScheduleWithdrawal(ctx, alice, destAccount, "2", nil)
	require.NoError(t, err)

	backend.verdict = "terNO_ACCOUNT"
	require.NoError(t, e.ProcessPending(ctx,
		proxy.NewEventSink(store.ProcessedWithdrawals),
		proxy.NewEventSink(store.RejectedWithdrawals)))

	// The payment may or may not settle: latch and keep the row.
	require.Error(t, e.Latched())
	left, err := e.PendingWithdrawal(alice)
	require.NoError(t, err)
	require.NotNil(t, left)
}

func TestScheduleWithdrawalValidatesAddress(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	_, err := e.ScheduleWithdrawal(ctx, user(t, "aa01"), "not-an-address", "2", nil)
	require.Equal(t, proxy.KindInput, proxy.ErrKind(err))

	_, err = e.ScheduleWithdrawal(ctx, user(t, "aa01"), rootAccount, "2", nil)
	require.Equal(t, proxy.KindInput, proxy.ErrKind(err))
}
