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

package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	// ErrDuplicateTx guards the append-only transaction logs: a chain
	// transaction hash is recorded at most once per coin and per log.
	ErrDuplicateTx = errors.New("transaction already recorded")
	// ErrPendingExists enforces at most one scheduled payout per user.
	ErrPendingExists = errors.New("pending payout already scheduled")
	// ErrHandleConflict rejects a deposit handle whose user, address, tag
	// or reserved amount is already bound.
	ErrHandleConflict = errors.New("deposit handle conflict")
)

// Handle binds a user to the attribute an incoming transfer will carry.
// Exactly the fields matching the coin's distinction model are set.
type Handle struct {
	User    UserID `json:"user"`
	Index   uint32 `json:"index,omitempty"`   // HD derivation index
	Address string `json:"address,omitempty"` // deposit address
	Tag     uint32 `json:"tag,omitempty"`     // destination tag
	Amount  string `json:"amount,omitempty"`  // reserved value, minimal units
}

// AmountInt returns the reserved value of an amount-based handle.
func (h *Handle) AmountInt() *big.Int {
	return mustUnits(h.Amount)
}

// Pending is a scheduled payout awaiting broadcast.
type Pending struct {
	User    UserID  `json:"user"`
	Amount  string  `json:"amount"` // minimal units
	Address string  `json:"address"`
	Tag     *uint32 `json:"tag,omitempty"`
}

// AmountInt returns the payout value in minimal units.
func (p *Pending) AmountInt() *big.Int {
	return mustUnits(p.Amount)
}

// TxRecord is one confirmed entry of either transaction log.
type TxRecord struct {
	Entry       uint64 `json:"entry"`
	User        UserID `json:"user"`
	Amount      string `json:"amount"` // minimal units
	TxHash      string `json:"txHash"`
	Vout        uint32 `json:"vout,omitempty"`
	BlockHash   string `json:"blockHash,omitempty"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
	BlockTime   int64  `json:"blockTime,omitempty"`
	Address     string `json:"address,omitempty"`   // withdrawal destination
	Timestamp   int64  `json:"timestamp,omitempty"` // withdrawal wall clock
}

// AmountInt returns the entry value in minimal units.
func (r *TxRecord) AmountInt() *big.Int {
	return mustUnits(r.Amount)
}

// Totals carries cumulative deposit and withdrawal sums in minimal units.
type Totals struct {
	Deposit    string `json:"deposit"`
	Withdrawal string `json:"withdrawal"`
}

// DepositInt returns the cumulative deposit sum.
func (t *Totals) DepositInt() *big.Int { return mustUnits(t.Deposit) }

// WithdrawalInt returns the cumulative withdrawal sum.
func (t *Totals) WithdrawalInt() *big.Int { return mustUnits(t.Withdrawal) }

// Watermark is the highest-confirmed chain position already reconciled.
type Watermark struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash,omitempty"`
}

// Ledger exposes the transactional vocabulary over one coin's entities.
// Instances are cheap views; obtain them from DB.View or inside Atomic.
type Ledger struct {
	kv   KeyValue
	coin string
}

// Coin returns the ticker this ledger is bound to.
func (l *Ledger) Coin() string { return l.coin }

//
// Deposit handles
//

// DepositHandle returns the user's active handle, or nil.
func (l *Ledger) DepositHandle(user UserID) (*Handle, error) {
	h := new(Handle)
	ok, err := l.getJSON(userKey(l.coin, tblHandle, user), h)
	if err != nil || !ok {
		return nil, err
	}
	return h, nil
}

// PutDepositHandle stores a handle and its distinction index entries.
// Any clash on user, address, tag or amount fails with ErrHandleConflict.
func (l *Ledger) PutDepositHandle(h *Handle) error {
	uk := userKey(l.coin, tblHandle, h.User)
	if ok, err := l.kv.Has(uk, nil); err != nil {
		return err
	} else if ok {
		return ErrHandleConflict
	}
	if h.Address != "" {
		if err := l.putIndex(key(l.coin, tblAddrIndex, []byte(h.Address)), h.User); err != nil {
			return err
		}
	}
	if h.Tag != 0 {
		if err := l.putIndex(key(l.coin, tblTagIndex, tagKey(h.Tag)), h.User); err != nil {
			return err
		}
	}
	if h.Amount != "" {
		ak, err := amountKey(h.AmountInt())
		if err != nil {
			return err
		}
		if err := l.putIndex(key(l.coin, tblAmtIndex, ak), h.User); err != nil {
			return err
		}
	}
	return l.putJSON(uk, h)
}

// DeleteAmountHandle removes an amount-based handle and its value index.
// Deleting an absent handle is a no-op.
func (l *Ledger) DeleteAmountHandle(user UserID) error {
	h, err := l.DepositHandle(user)
	if err != nil || h == nil {
		return err
	}
	if h.Amount != "" {
		ak, err := amountKey(h.AmountInt())
		if err != nil {
			return err
		}
		if err := l.kv.Delete(key(l.coin, tblAmtIndex, ak), nil); err != nil {
			return err
		}
	}
	return l.kv.Delete(userKey(l.coin, tblHandle, user), nil)
}

// Handles returns every active deposit handle for this coin, in user
// key order.
func (l *Ledger) Handles() ([]*Handle, error) {
	prefix := key(l.coin, tblHandle)
	prefix = append(prefix, '/')
	it := l.kv.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []*Handle
	for it.Next() {
		h := new(Handle)
		if err := json.Unmarshal(it.Value(), h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, it.Error()
}

// UserByAddress resolves a deposit address to its user, or nil.
func (l *Ledger) UserByAddress(addr string) (UserID, error) {
	return l.getIndex(key(l.coin, tblAddrIndex, []byte(addr)))
}

// UserByTag resolves a destination tag to its user, or nil.
func (l *Ledger) UserByTag(tag uint32) (UserID, error) {
	return l.getIndex(key(l.coin, tblTagIndex, tagKey(tag)))
}

// UserByAmount resolves a reserved deposit value to its user, or nil.
func (l *Ledger) UserByAmount(v *big.Int) (UserID, error) {
	ak, err := amountKey(v)
	if err != nil {
		return nil, err
	}
	return l.getIndex(key(l.coin, tblAmtIndex, ak))
}

// NextTag allocates the next destination tag. Tags start at 1 and only
// ever grow.
func (l *Ledger) NextTag() (uint32, error) {
	n, err := l.nextSeq("tag")
	return uint32(n), err
}

// NextIndex allocates the next HD derivation index. Index 0 is the root
// account, so user indexes start at 1.
func (l *Ledger) NextIndex() (uint32, error) {
	n, err := l.nextSeq("hdindex")
	return uint32(n), err
}

// TopIndex returns the highest derivation index handed out so far.
func (l *Ledger) TopIndex() (uint32, error) {
	n, err := l.peekSeq("hdindex")
	return uint32(n), err
}

//
// Transaction logs
//

// HasTransaction reports whether a deposit with this hash is recorded.
func (l *Ledger) HasTransaction(txHash string) (bool, error) {
	return l.kv.Has(key(l.coin, tblTx, []byte(txHash)), nil)
}

// HasWithdrawal reports whether a withdrawal with this hash is recorded.
func (l *Ledger) HasWithdrawal(txHash string) (bool, error) {
	return l.kv.Has(key(l.coin, tblWtx, []byte(txHash)), nil)
}

// AppendTransaction adds a confirmed deposit to the log, assigning its
// entry id. The hash must be new.
func (l *Ledger) AppendTransaction(rec *TxRecord) error {
	return l.appendLog(tblTx, tblTxLog, "txseq", rec)
}

// AppendWithdrawal adds a processed withdrawal to the log, assigning its
// entry id. The hash must be new. The two logs are fully separate: a
// hash collision on one can never poison the other.
func (l *Ledger) AppendWithdrawal(rec *TxRecord) error {
	return l.appendLog(tblWtx, tblWtxLog, "wtxseq", rec)
}

func (l *Ledger) appendLog(hashTbl, logTbl, seqName string, rec *TxRecord) error {
	hk := key(l.coin, hashTbl, []byte(rec.TxHash))
	if ok, err := l.kv.Has(hk, nil); err != nil {
		return err
	} else if ok {
		return ErrDuplicateTx
	}
	seq, err := l.nextSeq(seqName)
	if err != nil {
		return err
	}
	rec.Entry = seq
	if err := l.kv.Put(hk, seqKey(seq), nil); err != nil {
		return err
	}
	return l.putJSON(key(l.coin, logTbl, []byte(rec.User.String()), seqKey(seq)), rec)
}

// Transactions lists the user's deposits, newest first, skipping skip
// entries and returning at most limit.
func (l *Ledger) Transactions(user UserID, skip, limit int) ([]*TxRecord, error) {
	return l.listLog(tblTxLog, user, skip, limit)
}

// Withdrawals lists the user's withdrawals, newest first.
func (l *Ledger) Withdrawals(user UserID, skip, limit int) ([]*TxRecord, error) {
	return l.listLog(tblWtxLog, user, skip, limit)
}

func (l *Ledger) listLog(logTbl string, user UserID, skip, limit int) ([]*TxRecord, error) {
	prefix := key(l.coin, logTbl, []byte(user.String()))
	prefix = append(prefix, '/')
	it := l.kv.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []*TxRecord
	for ok := it.Last(); ok && len(out) < limit; ok = it.Prev() {
		if skip > 0 {
			skip--
			continue
		}
		rec := new(TxRecord)
		if err := json.Unmarshal(it.Value(), rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, it.Error()
}

//
// Pending payouts
//

// Pending returns the user's scheduled payout, or nil.
func (l *Ledger) Pending(user UserID) (*Pending, error) {
	p := new(Pending)
	ok, err := l.getJSON(userKey(l.coin, tblPending, user), p)
	if err != nil || !ok {
		return nil, err
	}
	return p, nil
}

// PutPending schedules a payout. At most one may exist per user.
func (l *Ledger) PutPending(p *Pending) error {
	k := userKey(l.coin, tblPending, p.User)
	if ok, err := l.kv.Has(k, nil); err != nil {
		return err
	} else if ok {
		return ErrPendingExists
	}
	return l.putJSON(k, p)
}

// DeletePending removes the user's scheduled payout, if any.
func (l *Ledger) DeletePending(user UserID) error {
	return l.kv.Delete(userKey(l.coin, tblPending, user), nil)
}

// PendingAll returns every scheduled payout for this coin in key order.
func (l *Ledger) PendingAll() ([]*Pending, error) {
	prefix := key(l.coin, tblPending)
	prefix = append(prefix, '/')
	it := l.kv.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []*Pending
	for it.Next() {
		p := new(Pending)
		if err := json.Unmarshal(it.Value(), p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, it.Error()
}

// PendingSum returns the aggregate of all scheduled payout amounts. It is
// the admission predicate for new withdrawals against the backend balance.
func (l *Ledger) PendingSum() (*big.Int, error) {
	all, err := l.PendingAll()
	if err != nil {
		return nil, err
	}
	sum := new(big.Int)
	for _, p := range all {
		sum.Add(sum, p.AmountInt())
	}
	return sum, nil
}

//
// Totals and snapshots
//

// Totals returns the user's cumulative figures; zero totals if the user
// has never been credited or debited.
func (l *Ledger) Totals(user UserID) (*Totals, error) {
	t := &Totals{Deposit: "0", Withdrawal: "0"}
	if _, err := l.getJSON(userKey(l.coin, tblTotals, user), t); err != nil {
		return nil, err
	}
	return t, nil
}

// GlobalTotals returns the coin-wide cumulative figures.
func (l *Ledger) GlobalTotals() (*Totals, error) {
	t := &Totals{Deposit: "0", Withdrawal: "0"}
	if _, err := l.getJSON(key(l.coin, tblGlobals), t); err != nil {
		return nil, err
	}
	return t, nil
}

// AddTotals adds deposit and withdrawal deltas to the user's totals,
// creating the row on first use.
func (l *Ledger) AddTotals(user UserID, deposit, withdrawal *big.Int) error {
	t, err := l.Totals(user)
	if err != nil {
		return err
	}
	addInto(t, deposit, withdrawal)
	return l.putJSON(userKey(l.coin, tblTotals, user), t)
}

// AddGlobalTotals adds deltas to the coin-wide totals.
func (l *Ledger) AddGlobalTotals(deposit, withdrawal *big.Int) error {
	t, err := l.GlobalTotals()
	if err != nil {
		return err
	}
	addInto(t, deposit, withdrawal)
	return l.putJSON(key(l.coin, tblGlobals), t)
}

// BackendBalance returns the last recorded on-chain balance of the
// managed root account, in minimal units.
func (l *Ledger) BackendBalance() (*big.Int, error) {
	var s string
	ok, err := l.getJSON(key(l.coin, tblBackend), &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(big.Int), nil
	}
	return mustUnits(s), nil
}

// SetBackendBalance records a fresh balance snapshot.
func (l *Ledger) SetBackendBalance(v *big.Int) error {
	return l.putJSON(key(l.coin, tblBackend), v.String())
}

//
// Processed-block watermark
//

// Watermark returns the highest-confirmed frontier, or nil before the
// first reconciled block.
func (l *Ledger) Watermark() (*Watermark, error) {
	w := new(Watermark)
	ok, err := l.getJSON(key(l.coin, tblWatermark), w)
	if err != nil || !ok {
		return nil, err
	}
	return w, nil
}

// MarkBlockProcessed records a reconciled block and advances the
// watermark if the block is ahead of it. The frontier never moves back.
func (l *Ledger) MarkBlockProcessed(height uint64, hash string) error {
	if err := l.kv.Put(key(l.coin, tblBlockByNum, seqKey(height)), []byte(hash), nil); err != nil {
		return err
	}
	if hash != "" {
		var hb [8]byte
		binary.BigEndian.PutUint64(hb[:], height)
		if err := l.kv.Put(key(l.coin, tblBlockByID, []byte(hash)), hb[:], nil); err != nil {
			return err
		}
	}
	w, err := l.Watermark()
	if err != nil {
		return err
	}
	if w != nil && height <= w.Height {
		return nil
	}
	return l.putJSON(key(l.coin, tblWatermark), &Watermark{Height: height, Hash: hash})
}

// BlockProcessed reports whether a block height was already reconciled.
func (l *Ledger) BlockProcessed(height uint64) (bool, error) {
	return l.kv.Has(key(l.coin, tblBlockByNum, seqKey(height)), nil)
}

// BlockProcessedHash reports whether a block hash was already reconciled.
func (l *Ledger) BlockProcessedHash(hash string) (bool, error) {
	return l.kv.Has(key(l.coin, tblBlockByID, []byte(hash)), nil)
}

//
// Internal helpers
//

func (l *Ledger) putIndex(k []byte, user UserID) error {
	if v, err := l.kv.Get(k, nil); err == nil {
		if string(v) == user.String() {
			return nil
		}
		return ErrHandleConflict
	} else if err != leveldb.ErrNotFound {
		return err
	}
	return l.kv.Put(k, []byte(user.String()), nil)
}

func (l *Ledger) getIndex(k []byte) (UserID, error) {
	v, err := l.kv.Get(k, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseUserID(string(v))
}

func (l *Ledger) getJSON(k []byte, out interface{}) (bool, error) {
	v, err := l.kv.Get(k, nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(v, out)
}

func (l *Ledger) putJSON(k []byte, in interface{}) error {
	v, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return l.kv.Put(k, v, nil)
}

func (l *Ledger) nextSeq(name string) (uint64, error) {
	n, err := l.peekSeq(name)
	if err != nil {
		return 0, err
	}
	n++
	return n, l.kv.Put(key(l.coin, tblSeq, []byte(name)), seqKey(n), nil)
}

func (l *Ledger) peekSeq(name string) (uint64, error) {
	v, err := l.kv.Get(key(l.coin, tblSeq, []byte(name)), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("corrupt sequence %q", name)
	}
	return binary.BigEndian.Uint64(v), nil
}

func addInto(t *Totals, deposit, withdrawal *big.Int) {
	d := t.DepositInt()
	w := t.WithdrawalInt()
	if deposit != nil {
		d.Add(d, deposit)
	}
	if withdrawal != nil {
		w.Add(w, withdrawal)
	}
	t.Deposit = d.String()
	t.Withdrawal = w.String()
}

func mustUnits(s string) *big.Int {
	if s == "" {
		return new(big.Int)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		// Records are written by this package only; a parse failure
		// means the store is corrupt.
		panic(fmt.Sprintf("store: corrupt amount %q", s))
	}
	return v
}
