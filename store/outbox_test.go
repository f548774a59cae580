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
	"encoding/json"
	"testing"
)

func appendEvent(t *testing.T, db *DB, kind OutboxKind, coin, userHex, payload string) {
	t.Helper()
	err := db.Atomic(func(v *View) error {
		return v.Outbox().Append(kind, &Event{
			User:    user(t, userHex),
			Coin:    coin,
			Payload: json.RawMessage(payload),
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOutboxDrainExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	appendEvent(t, db, ProcessedDeposits, "BTC", "aa", `{"txid":"t1"}`)
	appendEvent(t, db, ProcessedDeposits, "BTC", "aa", `{"txid":"t2"}`)
	appendEvent(t, db, ProcessedDeposits, "BTC", "bb", `{"txid":"t3"}`)
	appendEvent(t, db, ProcessedDeposits, "ETH", "aa", `{"txid":"t4"}`)

	var got []*Event
	err := db.Atomic(func(v *View) error {
		var err error
		got, err = v.Outbox().Drain(ProcessedDeposits, "BTC", user(t, "aa"))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("drained %d events, want 2", len(got))
	}
	if string(got[0].Payload) != `{"txid":"t1"}` || string(got[1].Payload) != `{"txid":"t2"}` {
		t.Fatalf("wrong payloads: %s, %s", got[0].Payload, got[1].Payload)
	}

	// Second drain returns nothing.
	db.Atomic(func(v *View) error {
		got, _ = v.Outbox().Drain(ProcessedDeposits, "BTC", user(t, "aa"))
		return nil
	})
	if len(got) != 0 {
		t.Fatalf("second drain returned %d events", len(got))
	}

	// Other users and coins are untouched.
	db.Atomic(func(v *View) error {
		got, _ = v.Outbox().DrainAll(ProcessedDeposits, "BTC")
		return nil
	})
	if len(got) != 1 || !got[0].User.Equal(user(t, "bb")) {
		t.Fatalf("DrainAll after user drain: %+v", got)
	}
	db.Atomic(func(v *View) error {
		got, _ = v.Outbox().Drain(ProcessedDeposits, "ETH", user(t, "aa"))
		return nil
	})
	if len(got) != 1 {
		t.Fatalf("ETH queue: got %d events", len(got))
	}
}

func TestOutboxKindsIndependent(t *testing.T) {
	db := newTestDB(t)
	appendEvent(t, db, ProcessedWithdrawals, "BTC", "aa", `{"txid":"w1"}`)
	appendEvent(t, db, RejectedWithdrawals, "BTC", "aa", `{"reason":"invalid address"}`)

	var got []*Event
	db.Atomic(func(v *View) error {
		got, _ = v.Outbox().Drain(ProcessedWithdrawals, "BTC", user(t, "aa"))
		return nil
	})
	if len(got) != 1 || string(got[0].Payload) != `{"txid":"w1"}` {
		t.Fatalf("withdrawal queue: %+v", got)
	}
	db.Atomic(func(v *View) error {
		got, _ = v.Outbox().Drain(RejectedWithdrawals, "BTC", user(t, "aa"))
		return nil
	})
	if len(got) != 1 {
		t.Fatalf("rejected queue: got %d events", len(got))
	}
}
