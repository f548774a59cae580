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
	"encoding/json"

	"github.com/r5-labs/r5-proxy/store"
)

// DepositEvent is the outbox payload for a credited deposit.
type DepositEvent struct {
	TxHash      string `json:"txHash"`
	Amount      string `json:"amount"` // decimal
	Address     string `json:"address,omitempty"`
	Tag         uint32 `json:"tag,omitempty"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
	BlockHash   string `json:"blockHash,omitempty"`
}

// WithdrawalEvent is the outbox payload for a broadcast payout.
type WithdrawalEvent struct {
	TxHash  string  `json:"txHash"`
	Amount  string  `json:"amount"` // decimal
	Address string  `json:"address"`
	Tag     *uint32 `json:"tag,omitempty"`
}

// RejectionEvent is the outbox payload for a refused payout.
type RejectionEvent struct {
	Amount  string  `json:"amount"` // decimal
	Address string  `json:"address"`
	Tag     *uint32 `json:"tag,omitempty"`
	Reason  string  `json:"reason"`
}

// EventSink accumulates outbox records during one reconciliation pass.
// Engines append after their atomic unit commits; the reconciler flushes
// the sink into the outbox tables in one outer atomic per tick.
type EventSink struct {
	kind   store.OutboxKind
	events []*store.Event
}

// NewEventSink returns an empty sink feeding the given queue.
func NewEventSink(kind store.OutboxKind) *EventSink {
	return &EventSink{kind: kind}
}

// Append records an event for (coin, user) with the given payload.
func (s *EventSink) Append(coin string, user store.UserID, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.events = append(s.events, &store.Event{User: user, Coin: coin, Payload: raw})
	return nil
}

// Len returns the number of queued events.
func (s *EventSink) Len() int { return len(s.events) }

// Flush appends every accumulated event to the outbox and empties the
// sink. Call inside an atomic scope.
func (s *EventSink) Flush(v *store.View) error {
	ob := v.Outbox()
	for _, ev := range s.events {
		if err := ob.Append(s.kind, ev); err != nil {
			return err
		}
	}
	s.events = s.events[:0]
	return nil
}
