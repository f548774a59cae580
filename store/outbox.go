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

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// OutboxKind names one of the three pull-once event queues.
type OutboxKind string

const (
	// ProcessedDeposits holds events for deposits credited to users.
	ProcessedDeposits OutboxKind = "d"
	// ProcessedWithdrawals holds events for payouts broadcast on chain.
	ProcessedWithdrawals OutboxKind = "w"
	// RejectedWithdrawals holds events for payouts refused by the chain
	// or failing destination validation.
	RejectedWithdrawals OutboxKind = "r"
)

// Event is one outbox record. Payload is an adapter-defined JSON
// document handed back verbatim to the caller that drains it.
type Event struct {
	User    UserID          `json:"user"`
	Coin    string          `json:"coin"`
	Payload json.RawMessage `json:"payload"`
}

// Outbox is the process-wide set of pull-once queues shared by every
// coin. Records live under the reserved "!" prefix; drains are expected
// to run inside an Atomic scope so the read and the delete commit as one.
type Outbox struct {
	kv KeyValue
}

func outboxKey(kind OutboxKind, coin string, user UserID, seq uint64) []byte {
	return key("!", string(kind), []byte(coin), []byte(user.String()), seqKey(seq))
}

// Append queues an event.
func (o *Outbox) Append(kind OutboxKind, ev *Event) error {
	seq, err := o.nextSeq()
	if err != nil {
		return err
	}
	v, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return o.kv.Put(outboxKey(kind, ev.Coin, ev.User, seq), v, nil)
}

// Drain returns and deletes every queued event for (coin, user). A
// caller that fails to persist the result loses those records; that is
// what keeps the outbox bounded.
func (o *Outbox) Drain(kind OutboxKind, coin string, user UserID) ([]*Event, error) {
	prefix := key("!", string(kind), []byte(coin), []byte(user.String()))
	prefix = append(prefix, '/')
	return o.drainPrefix(prefix)
}

// DrainAll returns and deletes every queued event for a coin, across
// all users.
func (o *Outbox) DrainAll(kind OutboxKind, coin string) ([]*Event, error) {
	prefix := key("!", string(kind), []byte(coin))
	prefix = append(prefix, '/')
	return o.drainPrefix(prefix)
}

func (o *Outbox) drainPrefix(prefix []byte) ([]*Event, error) {
	it := o.kv.NewIterator(util.BytesPrefix(prefix), nil)
	var (
		out  []*Event
		keys [][]byte
	)
	for it.Next() {
		ev := new(Event)
		if err := json.Unmarshal(it.Value(), ev); err != nil {
			it.Release()
			return nil, err
		}
		out = append(out, ev)
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := o.kv.Delete(k, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (o *Outbox) nextSeq() (uint64, error) {
	k := key("!", tblSeq)
	var n uint64
	v, err := o.kv.Get(k, nil)
	switch err {
	case nil:
		n = binary.BigEndian.Uint64(v)
	case leveldb.ErrNotFound:
	default:
		return 0, err
	}
	n++
	return n, o.kv.Put(k, seqKey(n), nil)
}
