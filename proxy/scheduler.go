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
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/r5-labs/r5-proxy/store"
)

// DefaultInterval is the delay between reconciliation ticks.
const DefaultInterval = 10 * time.Second

// Reconciler is the single cooperative loop driving every engine's
// payout and deposit passes. Engines are visited strictly in
// registration order and never concurrently; the shared mutex keeps the
// request dispatcher out while a pass runs. A tick that fails with an
// unhandled error halts rescheduling until Start is called again.
type Reconciler struct {
	db       *store.DB
	adapters []Adapter
	interval time.Duration
	mu       *sync.Mutex // shared with the API dispatcher
	log      log.Logger

	startCh chan struct{}
	stopCh  chan struct{}
	exitCh  chan struct{}
	wg      sync.WaitGroup

	// ctx is cancelled on Close so engines can bail between payout
	// rows. In-flight chain calls complete and their results still
	// commit; orphaning a broadcast transaction would be worse than a
	// late write.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewReconciler builds the loop and starts its (idle) goroutine. Call
// Start to begin ticking.
func NewReconciler(db *store.DB, adapters []Adapter, interval time.Duration, mu *sync.Mutex) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Reconciler{
		db:       db,
		adapters: adapters,
		interval: interval,
		mu:       mu,
		log:      log.New("module", "reconciler"),
		startCh:  make(chan struct{}),
		stopCh:   make(chan struct{}),
		exitCh:   make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.loop()
	return r
}

// Start schedules the first tick.
func (r *Reconciler) Start() {
	r.startCh <- struct{}{}
}

// Stop pauses ticking without releasing anything.
func (r *Reconciler) Stop() {
	r.stopCh <- struct{}{}
}

// Close quiesces the loop and waits for an in-flight tick to finish.
// Engine connections are released by the owner, after Close returns.
func (r *Reconciler) Close() {
	r.cancel()
	close(r.exitCh)
	r.wg.Wait()
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	timer := time.NewTimer(r.interval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	running := false

	for {
		select {
		case <-r.startCh:
			if !running {
				running = true
				timer.Reset(r.interval)
				r.log.Info("Reconciliation started", "interval", r.interval, "coins", len(r.adapters))
			}
		case <-r.stopCh:
			if running {
				running = false
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				r.log.Info("Reconciliation paused")
			}
		case <-timer.C:
			if !running {
				continue
			}
			if err := r.RunTick(); err != nil {
				// No reschedule: the operator resumes via Start.
				running = false
				r.log.Error("Reconciliation halted", "err", err)
				continue
			}
			timer.Reset(r.interval)
		case <-r.exitCh:
			return
		}
	}
}

// RunTick executes one full reconciliation pass: every engine's payout
// pass, then every engine's deposit poll, then one atomic outbox flush.
// Exported so tests and operator tooling can drive the loop directly.
func (r *Reconciler) RunTick() error {
	ctx := r.ctx
	processed := NewEventSink(store.ProcessedDeposits)
	paid := NewEventSink(store.ProcessedWithdrawals)
	rejected := NewEventSink(store.RejectedWithdrawals)

	for _, a := range r.adapters {
		if r.shuttingDown() {
			break
		}
		if err := a.Latched(); err != nil {
			r.log.Debug("Skipping latched engine", "coin", a.Coin(), "err", err)
			continue
		}
		r.mu.Lock()
		err := a.ProcessPending(ctx, paid, rejected)
		r.mu.Unlock()
		if err != nil {
			return err
		}
	}
	for _, a := range r.adapters {
		if r.shuttingDown() {
			break
		}
		if a.Latched() != nil {
			continue
		}
		r.mu.Lock()
		err := a.PollDeposits(ctx, processed)
		r.mu.Unlock()
		if err != nil {
			return err
		}
	}

	if processed.Len()+paid.Len()+rejected.Len() == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Atomic(func(v *store.View) error {
		if err := processed.Flush(v); err != nil {
			return err
		}
		if err := paid.Flush(v); err != nil {
			return err
		}
		return rejected.Flush(v)
	})
}

func (r *Reconciler) shuttingDown() bool {
	select {
	case <-r.exitCh:
		return true
	default:
		return false
	}
}
