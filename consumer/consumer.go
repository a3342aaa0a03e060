// Copyright 2025 The Vaultsync Authors
// This file is part of Vaultsync.
//
// Vaultsync is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Vaultsync is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Vaultsync. If not, see <http://www.gnu.org/licenses/>.

// Package consumer drives the apply side of one vault: acquire the
// vault lease, select the earliest eligible window under the ordering
// rules, claim it with a conditional write, run the apply engine, and
// advance the watermark on commit.
//
// Single-flight is the conjunction of the lease and the
// READY->PROCESSING CAS. Reentrancy is safe everywhere: all state is in
// the control plane, so a consumer can die at any instant and the next
// invocation converges.
package consumer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/alert"
	"github.com/vaultsync/vaultsync/apply"
	"github.com/vaultsync/vaultsync/ctlplane"
	"github.com/vaultsync/vaultsync/vaultcfg"
)

// Applier runs one window. Satisfied by *apply.Engine.
type Applier interface {
	Apply(ctx context.Context, win apply.Window) error
}

// selection page size. The loop re-scans after every apply, so the page
// only bounds how far a single scan reads past foreign-epoch entries.
const scanLimit = 25

type Consumer struct {
	cfg    vaultcfg.Config
	store  ctlplane.Store
	engine Applier
	alerts alert.Alerter
	owner  string
	logger *log.Entry
}

func New(cfg vaultcfg.Config, store ctlplane.Store, engine Applier, alerts alert.Alerter) *Consumer {
	cfg = cfg.Normalize()
	owner := uuid.NewString()
	return &Consumer{
		cfg:    cfg,
		store:  store,
		engine: engine,
		alerts: alerts,
		owner:  owner,
		logger: log.WithFields(log.Fields{
			"component": "consumer",
			"vault":     cfg.VaultID,
			"owner":     owner,
		}),
	}
}

// Run is the event loop: drain once at start, then wake on change-stream
// events for this vault and on the backup poll. Apply failures pause the
// vault (the queue blocks on the FAILED entry) and the loop keeps
// running so an operator reset resumes it without redeployment.
func (c *Consumer) Run(ctx context.Context) error {
	events, err := c.store.Subscribe(ctx)
	if err != nil {
		return errors.Wrap(err, "subscribe")
	}
	ticker := time.NewTicker(c.cfg.BackupPolling)
	defer ticker.Stop()

	for {
		if err := c.RunOnce(ctx); err != nil {
			c.logger.WithError(err).Error("drain failed, waiting for operator")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("change stream closed")
			}
			if ev.VaultID != c.cfg.VaultID {
				continue
			}
			// Coalesce the burst: one drain covers every queued wakeup.
			for drained := false; !drained; {
				select {
				case _, ok := <-events:
					drained = !ok
				default:
					drained = true
				}
			}
		case <-ticker.C:
			// Streams are at-least-once, not guaranteed prompt.
		}
	}
}

// RunOnce performs one drain: acquire the lease, apply windows in order
// until the queue is empty or blocked, release the lease. A held lease
// or an empty queue is success; a failed window is an error after the
// entry is marked FAILED.
func (c *Consumer) RunOnce(ctx context.Context) error {
	leaseID := ctlplane.LeaseID(c.cfg.VaultID, c.cfg.ExtractType)
	err := ctlplane.RetryTransient(ctx, func() error {
		return c.store.AcquireLease(ctx, leaseID, c.owner, c.cfg.LeaseTTL)
	})
	if errors.Is(err, ctlplane.ErrLeaseHeld) {
		c.logger.Debug("another runner owns the vault")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "acquire lease")
	}

	// The keeper renews until stopped; losing the lease cancels applyCtx
	// so an in-flight transaction aborts before commit.
	applyCtx, cancel := context.WithCancel(ctx)
	stopKeeper := c.keepLease(applyCtx, leaseID, cancel)
	defer func() {
		stopKeeper()
		cancel()
		if rerr := c.store.ReleaseLease(context.Background(), leaseID, c.owner); rerr != nil &&
			!errors.Is(rerr, ctlplane.ErrLeaseLost) {
			c.logger.WithError(rerr).Warn("lease release failed")
		}
	}()

	for {
		next, st, err := c.selectNext(applyCtx)
		if err != nil || next == nil {
			return err
		}
		if err := c.applyOne(applyCtx, st, next); err != nil {
			return err
		}
	}
}

// selectNext re-reads the vault state and walks the queue for the first
// actionable entry. A nil entry with nil error means the drain is done:
// empty queue, or blocked on PROCESSING/FAILED.
func (c *Consumer) selectNext(ctx context.Context) (*ctlplane.Entry, *ctlplane.VaultState, error) {
	st, err := c.vaultState(ctx)
	if err != nil {
		return nil, nil, err
	}

	lt := c.selectionLoadType(st)
	after := c.watermarkKey(st, lt)

	for {
		entries, err := c.scan(ctx, lt, after)
		if err != nil {
			return nil, nil, err
		}
		if len(entries) == 0 {
			return nil, nil, nil
		}
		for _, e := range entries {
			after = ctlplane.TimeKey(lt, e.LogicalTime)
			if e.Epoch != st.CurrentEpoch {
				continue // stale generation, invisible
			}
			switch e.Status {
			case ctlplane.StatusApplied:
				// Should not occur past the watermark; skip defensively.
				continue
			case ctlplane.StatusReady:
				return e, st, nil
			case ctlplane.StatusProcessing:
				reclaimed, err := c.handleStuck(ctx, e)
				if err != nil || !reclaimed {
					return nil, nil, err
				}
				return c.selectNext(ctx)
			case ctlplane.StatusFailed:
				c.logger.WithField("sort_key", e.SortKey()).
					Warn("queue blocked on FAILED entry, operator reset required")
				return nil, nil, nil
			}
		}
		if len(entries) < scanLimit {
			return nil, nil, nil
		}
	}
}

// handleStuck deals with a PROCESSING entry. Holding the lease proves
// the previous owner's lease expired, so the entry is reclaimed while
// attempts remain; otherwise it stays stuck on purpose until an
// operator looks at the ambiguous crash.
func (c *Consumer) handleStuck(ctx context.Context, e *ctlplane.Entry) (bool, error) {
	logger := c.logger.WithField("sort_key", e.SortKey())
	if e.AttemptCount >= c.cfg.MaxAttempts {
		logger.WithField("attempts", e.AttemptCount).
			Warn("PROCESSING entry exhausted attempts, operator reset required")
		return false, nil
	}
	err := c.store.ConditionalUpdate(ctx, e.Key(), ctlplane.StatusProcessing,
		ctlplane.EntryUpdate{Status: ctlplane.StatusReady})
	if errors.Is(err, ctlplane.ErrPreconditionFailed) {
		return true, nil // somebody else moved it; re-select sees the new status
	}
	if err != nil {
		return false, errors.Wrap(err, "reclaim")
	}
	logger.Info("reclaimed PROCESSING entry from expired lease")
	return true, nil
}

// applyOne claims the entry, runs the engine, and records the outcome.
func (c *Consumer) applyOne(ctx context.Context, st *ctlplane.VaultState, e *ctlplane.Entry) error {
	logger := c.logger.WithField("sort_key", e.SortKey())

	err := c.store.ConditionalUpdate(ctx, e.Key(), ctlplane.StatusReady,
		ctlplane.EntryUpdate{Status: ctlplane.StatusProcessing, IncrementAttempt: true})
	if errors.Is(err, ctlplane.ErrPreconditionFailed) {
		// Lost the claim race; re-enter selection.
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "claim")
	}
	logger.Info("window claimed")

	win := apply.Window{
		VaultID:     e.VaultID,
		LoadType:    e.LoadType,
		LogicalTime: e.LogicalTime,
		S3Prefix:    e.S3Prefix,
		Epoch:       e.Epoch,
	}
	if applyErr := c.engine.Apply(ctx, win); applyErr != nil {
		if ctx.Err() != nil {
			// Lease lost or shutdown mid-apply: the transaction aborted
			// before commit and the entry stays PROCESSING for the TTL
			// recovery path.
			logger.WithError(applyErr).Warn("apply aborted before commit")
			return errors.Wrap(applyErr, "apply aborted")
		}
		if err := c.store.ConditionalUpdate(ctx, e.Key(), ctlplane.StatusProcessing,
			ctlplane.EntryUpdate{Status: ctlplane.StatusFailed, LastError: applyErr.Error()}); err != nil {
			logger.WithError(err).Error("failed to record FAILED status")
		}
		c.alerts.Emit(ctx, alert.Alert{
			VaultID:  e.VaultID,
			SortKey:  e.SortKey(),
			Severity: alert.SeverityCritical,
			Message:  "window apply failed",
			Err:      applyErr,
		})
		return errors.Wrapf(applyErr, "apply %s", e.SortKey())
	}

	if err := c.store.ConditionalUpdate(ctx, e.Key(), ctlplane.StatusProcessing,
		ctlplane.EntryUpdate{Status: ctlplane.StatusApplied}); err != nil {
		return errors.Wrap(err, "mark applied")
	}
	if err := c.advanceWatermark(ctx, st, e); err != nil {
		return err
	}
	logger.WithField("logical_time", e.LogicalTime).Info("window applied, watermark advanced")
	return nil
}

// advanceWatermark moves the vault's applied watermark to the committed
// window, guarded by the epoch. A committed FULL snapshot also flips the
// vault back to incremental mode.
func (c *Consumer) advanceWatermark(ctx context.Context, st *ctlplane.VaultState, e *ctlplane.Entry) error {
	upd := ctlplane.StateUpdate{}
	switch e.LoadType {
	case ctlplane.LoadLog:
		upd.LastAppliedLogDate = &e.LogicalTime
	case ctlplane.LoadFull:
		mode := ctlplane.ModeIncremental
		upd.Mode = &mode
		upd.LastAppliedStoptime = &e.LogicalTime
	default:
		upd.LastAppliedStoptime = &e.LogicalTime
	}
	err := ctlplane.RetryTransient(ctx, func() error {
		return c.store.UpdateVaultState(ctx, c.cfg.VaultID, st.CurrentEpoch, upd)
	})
	return errors.Wrap(err, "advance watermark")
}

func (c *Consumer) selectionLoadType(st *ctlplane.VaultState) ctlplane.LoadType {
	if c.cfg.ExtractType == ctlplane.LoadLog {
		return ctlplane.LoadLog
	}
	if st.Mode == ctlplane.ModeFullLoad {
		return ctlplane.LoadFull
	}
	return ctlplane.LoadIncr
}

// watermarkKey returns the scan start for a load type. FULL selection
// scans from the beginning: the pending snapshot's logical time equals
// the rewound watermark, and the status walk skips anything applied.
func (c *Consumer) watermarkKey(st *ctlplane.VaultState, lt ctlplane.LoadType) string {
	switch lt {
	case ctlplane.LoadLog:
		if st.LastAppliedLogDate.IsZero() {
			return ""
		}
		return ctlplane.TimeKey(lt, st.LastAppliedLogDate)
	case ctlplane.LoadFull:
		return ""
	default:
		if st.LastAppliedStoptime.IsZero() {
			return ""
		}
		return ctlplane.TimeKey(lt, st.LastAppliedStoptime)
	}
}

func (c *Consumer) vaultState(ctx context.Context) (*ctlplane.VaultState, error) {
	var st *ctlplane.VaultState
	err := ctlplane.RetryTransient(ctx, func() error {
		var err error
		st, err = c.store.GetVaultState(ctx, c.cfg.VaultID)
		return err
	})
	return st, errors.Wrap(err, "read vault state")
}

func (c *Consumer) scan(ctx context.Context, lt ctlplane.LoadType, after string) ([]*ctlplane.Entry, error) {
	var entries []*ctlplane.Entry
	err := ctlplane.RetryTransient(ctx, func() error {
		var err error
		entries, err = c.store.ScanForward(ctx, c.cfg.VaultID, lt, after, scanLimit)
		return err
	})
	return entries, errors.Wrap(err, "scan queue")
}

// keepLease renews the lease at a third of its TTL until stopped. A
// failed renewal cancels the apply context: the warehouse transaction
// rolls back and the window stays PROCESSING for TTL-based recovery.
func (c *Consumer) keepLease(ctx context.Context, leaseID string, onLost context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(c.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.store.RenewLease(ctx, leaseID, c.owner, c.cfg.LeaseTTL); err != nil {
					c.logger.WithError(err).Error("lease renewal failed, aborting apply")
					onLost()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
