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

package erc20

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/r5-labs/r5-proxy/proxy"
	"github.com/r5-labs/r5-proxy/store"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var testToken = common.HexToAddress("0x00000000000000000000000000000000c0ffee00")

type fakeBackend struct {
	head     uint64
	gasPrice *big.Int
	refuse   bool

	logs     []types.Log
	balances map[common.Address]*big.Int // token balances
	nonce    uint64
	pending  uint64
	headers  map[common.Hash]*types.Header
	sent     []*types.Transaction

	queries []ethereum.FilterQuery
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		head:     100,
		gasPrice: big.NewInt(1e9),
		balances: make(map[common.Address]*big.Int),
		headers:  make(map[common.Hash]*types.Header),
	}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error)   { return big.NewInt(1), nil }
func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) { return b.head, nil }

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int), nil
}

func (b *fakeBackend) PendingBalanceAt(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (b *fakeBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.pending, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if b.refuse {
		return errors.New("replacement transaction underpriced")
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (b *fakeBackend) HeaderByHash(_ context.Context, hash common.Hash) (*types.Header, error) {
	if h, ok := b.headers[hash]; ok {
		return h, nil
	}
	return nil, ethereum.NotFound
}

func (b *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.queries = append(b.queries, q)
	var out []types.Log
	for _, lg := range b.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	// balanceOf(owner): selector + left-padded address argument.
	owner := common.BytesToAddress(msg.Data[16:36])
	out := make([]byte, 32)
	if v, ok := b.balances[owner]; ok {
		v.FillBytes(out)
	}
	return out, nil
}

func (b *fakeBackend) Close() {}

// transferLog fabricates a Transfer event of value to the engine root.
func transferLog(to common.Address, value *big.Int, block uint64, txHash byte) types.Log {
	data := make([]byte, 32)
	value.FillBytes(data)
	return types.Log{
		Address: testToken,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash([]byte{0x01}),
			common.BytesToHash(to.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{txHash}),
		BlockHash:   common.BytesToHash([]byte{0xb0, txHash}),
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
			Coin:          "USDT",
			CoinType:      "ERC20",
			Decimals:      6,
			Minimum:       big.NewInt(1000000),
			StaticFee:     big.NewInt(10000),
			Confirmations: 12,
		},
		Mnemonic: testMnemonic,
		Token:    testToken.Hex(),
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

func TestReserveAndPerturb(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	first, err := e.CreateDepositHandle(ctx, user(t, "aa01"), "1.5")
	require.NoError(t, err)
	require.Equal(t, "1.500000", first.Amount)
	require.Equal(t, e.root.Hex(), first.Address)

	// Same value for another user is perturbed, within the bound, at
	// the same shared address.
	second, err := e.CreateDepositHandle(ctx, user(t, "bb02"), "1.5")
	require.NoError(t, err)
	require.Equal(t, first.Address, second.Address)
	require.NotEqual(t, first.Amount, second.Amount)
	units, err := e.Codec.Parse(second.Amount)
	require.NoError(t, err)
	diff := new(big.Int).Abs(new(big.Int).Sub(units, big.NewInt(1500000)))
	require.LessOrEqual(t, diff.Int64(), int64(PerturbRange))

	// An existing reservation is returned unchanged.
	again, err := e.CreateDepositHandle(ctx, user(t, "aa01"), "2.0")
	require.NoError(t, err)
	require.Equal(t, first.Amount, again.Amount)

	// Cancelling frees the value for exact re-reservation.
	ok, err := e.CancelDeposits(user(t, "aa01"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = e.CancelDeposits(user(t, "aa01"))
	require.NoError(t, err)
	require.False(t, ok)

	third, err := e.CreateDepositHandle(ctx, user(t, "cc03"), "1.5")
	require.NoError(t, err)
	require.Equal(t, "1.500000", third.Amount)
}

func TestReserveRejectsBadAmounts(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	_, err := e.CreateDepositHandle(ctx, user(t, "aa01"), "")
	require.Equal(t, proxy.KindInput, proxy.ErrKind(err))

	_, err = e.CreateDepositHandle(ctx, user(t, "aa01"), "0.5")
	require.Equal(t, proxy.KindInput, proxy.ErrKind(err))
}

func TestPollDepositsCreditsExactValue(t *testing.T) {
	e, backend := testEngine(t)
	ctx := context.Background()
	alice := user(t, "aa01")

	h, err := e.CreateDepositHandle(ctx, alice, "1.5")
	require.NoError(t, err)
	units, err := e.Codec.Parse(h.Amount)
	require.NoError(t, err)

	lg := transferLog(e.root, units, 50, 0x01)
	backend.logs = append(backend.logs, lg)
	backend.headers[lg.BlockHash] = &types.Header{Time: 1700000000}
	// An unattributed value in the same range is skipped.
	backend.logs = append(backend.logs, transferLog(e.root, big.NewInt(999), 51, 0x02))
	backend.balances[e.root] = big.NewInt(1500000)

	sink := proxy.NewEventSink(store.ProcessedDeposits)
	require.NoError(t, e.PollDeposits(ctx, sink))
	require.NoError(t, e.Latched())
	require.Equal(t, 1, sink.Len())

	tot, err := e.Ledger().Totals(alice)
	require.NoError(t, err)
	require.Equal(t, units, tot.DepositInt())

	// The reservation is consumed with the credit.
	list, err := e.AwaitingDeposits(alice)
	require.NoError(t, err)
	require.Empty(t, list)

	// The snapshot reflects balanceOf(root).
	snap, err := e.Ledger().BackendBalance()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1500000), snap)

	// The watermark advanced to head minus confirmations; the next poll
	// starts past it and credits nothing twice.
	w, err := e.Ledger().Watermark()
	require.NoError(t, err)
	require.Equal(t, uint64(88), w.Height)

	backend.head = 113
	require.NoError(t, e.PollDeposits(ctx, proxy.NewEventSink(store.ProcessedDeposits)))
	require.Equal(t, big.NewInt(89), backend.queries[1].FromBlock)
	tot, err = e.Ledger().Totals(alice)
	require.NoError(t, err)
	require.Equal(t, units, tot.DepositInt())
}

func TestProcessPendingTransfersTokens(t *testing.T) {
	e, backend := testEngine(t)
	ctx := context.Background()
	alice := user(t, "aa01")
	dest := common.HexToAddress("0x00000000000000000000000000000000deadbeef")

	backend.balances[e.root] = big.NewInt(10000000)
	require.NoError(t, e.Atomic(func(l *store.Ledger) error {
		return l.SetBackendBalance(big.NewInt(10000000))
	}))

	_, err := e.ScheduleWithdrawal(ctx, alice, dest.Hex(), "2", nil)
	require.NoError(t, err)

	processed := proxy.NewEventSink(store.ProcessedWithdrawals)
	rejected := proxy.NewEventSink(store.RejectedWithdrawals)
	require.NoError(t, e.ProcessPending(ctx, processed, rejected))
	require.NoError(t, e.Latched())

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	require.Equal(t, testToken, *tx.To())
	require.Zero(t, tx.Value().Sign())

	// transfer(dest, amount - fee)
	to, amount, err := unpackTransfer(t, e, tx.Data())
	require.NoError(t, err)
	require.Equal(t, dest, to)
	require.Equal(t, big.NewInt(1990000), amount)

	require.Equal(t, 1, processed.Len())
	left, err := e.PendingWithdrawal(alice)
	require.NoError(t, err)
	require.Nil(t, left)
}

func unpackTransfer(t *testing.T, e *Engine, data []byte) (common.Address, *big.Int, error) {
	t.Helper()
	method, err := e.abi.MethodById(data[:4])
	if err != nil {
		return common.Address{}, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	return args[0].(common.Address), args[1].(*big.Int), nil
}

func TestScheduleWithdrawalRejectsSharedAddress(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Atomic(func(l *store.Ledger) error {
		return l.SetBackendBalance(big.NewInt(10000000))
	}))

	// The shared deposit address is never a valid destination, even
	// while users hold reservations against it.
	_, err := e.CreateDepositHandle(ctx, user(t, "aa01"), "1.5")
	require.NoError(t, err)
	_, err = e.ScheduleWithdrawal(ctx, user(t, "bb02"), e.root.Hex(), "2", nil)
	require.Equal(t, proxy.KindInput, proxy.ErrKind(err))
}

func TestProcessPendingHaltsOnRecordedPayout(t *testing.T) {
	e, backend := testEngine(t)
	ctx := context.Background()
	alice := user(t, "aa01")
	dest := common.HexToAddress("0x00000000000000000000000000000000deadbeef")

	backend.balances[e.root] = big.NewInt(10000000)
	require.NoError(t, e.Atomic(func(l *store.Ledger) error {
		return l.SetBackendBalance(big.NewInt(10000000))
	}))
	_, err := e.ScheduleWithdrawal(ctx, alice, dest.Hex(), "2", nil)
	require.NoError(t, err)

	// Reproduce the transaction the pass will sign and mark its hash as
	// already withdrawn, as after a crash between broadcast and commit.
	data, err := e.abi.Pack("transfer", dest, big.NewInt(1990000))
	require.NoError(t, err)
	tx := types.NewTransaction(0, e.token, new(big.Int), e.gasLimit,
		new(big.Int).Set(backend.gasPrice), data)
	signed, err := types.SignTx(tx, e.signer, e.rootKey)
	require.NoError(t, err)
	require.NoError(t, e.Atomic(func(l *store.Ledger) error {
		return l.AppendWithdrawal(&store.TxRecord{
			User: alice, Amount: "2000000", TxHash: signed.Hash().Hex(),
		})
	}))

	require.NoError(t, e.ProcessPending(ctx,
		proxy.NewEventSink(store.ProcessedWithdrawals),
		proxy.NewEventSink(store.RejectedWithdrawals)))

	// No re-broadcast: the engine latches for the operator instead.
	require.Empty(t, backend.sent)
	require.Equal(t, proxy.KindInternal, proxy.ErrKind(e.Latched()))
}

func TestProcessPendingRejectsOnRefusal(t *testing.T) {
	e, backend := testEngine(t)
	ctx := context.Background()
	alice := user(t, "aa01")

	backend.balances[e.root] = big.NewInt(10000000)
	require.NoError(t, e.Atomic(func(l *store.Ledger) error {
		return l.SetBackendBalance(big.NewInt(10000000))
	}))
	_, err := e.ScheduleWithdrawal(ctx, alice,
		"0x00000000000000000000000000000000deadbeef", "2", nil)
	require.NoError(t, err)

	backend.refuse = true
	processed := proxy.NewEventSink(store.ProcessedWithdrawals)
	rejected := proxy.NewEventSink(store.RejectedWithdrawals)
	require.NoError(t, e.ProcessPending(ctx, processed, rejected))

	require.NoError(t, e.Latched())
	require.Equal(t, 1, rejected.Len())
	left, err := e.PendingWithdrawal(alice)
	require.NoError(t, err)
	require.Nil(t, left)
}
