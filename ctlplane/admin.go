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

package ctlplane

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Operator operations. Each one is a sequence of conditional writes that
// is replayable: rerunning after a partial failure converges on the same
// terminal state.

// ResetFailed moves one FAILED entry back to READY under its current
// epoch so the consumer will pick it up again.
func ResetFailed(ctx context.Context, s Store, vaultID string, lt LoadType, logical time.Time) error {
	key := EntryKey{VaultID: vaultID, SortKey: SortKey(lt, logical)}
	if err := s.ConditionalUpdate(ctx, key, StatusFailed, EntryUpdate{Status: StatusReady}); err != nil {
		return errors.Wrapf(err, "reset %s/%s", vaultID, key.SortKey)
	}
	log.WithFields(log.Fields{"vault": vaultID, "sort_key": key.SortKey}).
		Info("entry reset to READY")
	return nil
}

// Reclaim moves a PROCESSING entry left behind by a crashed consumer back
// to READY. Allowed only once the vault lease has expired and the entry
// has attempts left; anything else stays stuck on purpose so an ambiguous
// crash surfaces to the operator.
func Reclaim(ctx context.Context, s Store, vaultID string, lt LoadType, logical time.Time, maxAttempts int) error {
	st, err := s.GetVaultState(ctx, vaultID)
	if err != nil {
		return err
	}
	if st.LockOwner != "" && time.Now().Before(st.LockExpiresAt) {
		return errors.Wrap(ErrLeaseHeld, "vault lease still active")
	}
	key := EntryKey{VaultID: vaultID, SortKey: SortKey(lt, logical)}
	e, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if e.AttemptCount >= maxAttempts {
		return errors.Errorf("entry %s/%s exhausted %d attempts; reset-failed after investigating",
			vaultID, key.SortKey, e.AttemptCount)
	}
	return s.ConditionalUpdate(ctx, key, StatusProcessing, EntryUpdate{Status: StatusReady})
}

// TriggerFullLoad rewinds a vault onto a full snapshot with boundary
// date. The steps are individually conditional and the whole sequence is
// replayable:
//
//  1. bump the epoch, set FULL_LOAD mode and rewind the watermark to the
//     boundary (skipped on replay when the vault is already in FULL_LOAD);
//  2. re-stamp every APPLIED INCR entry past the boundary to READY under
//     the new epoch (already-rewound entries are skipped);
//  3. insert a placeholder FULL entry the producer completes when the
//     snapshot is staged.
//
// INCR entries at or before the boundary are not touched.
func TriggerFullLoad(ctx context.Context, s Store, vaultID string, snapshotDate time.Time, s3Prefix string) error {
	boundary := time.Date(snapshotDate.Year(), snapshotDate.Month(), snapshotDate.Day(), 0, 0, 0, 0, time.UTC)

	st, err := s.GetVaultState(ctx, vaultID)
	if err != nil {
		return err
	}
	epoch := st.CurrentEpoch
	if st.Mode != ModeFullLoad {
		epoch = st.CurrentEpoch + 1
		mode := ModeFullLoad
		started := time.Now().UTC()
		upd := StateUpdate{
			Mode:                &mode,
			CurrentEpoch:        &epoch,
			LastAppliedStoptime: &boundary,
			FullLoadStartedAt:   &started,
		}
		if err := s.UpdateVaultState(ctx, vaultID, st.CurrentEpoch, upd); err != nil {
			return errors.Wrap(err, "bump epoch")
		}
		log.WithFields(log.Fields{"vault": vaultID, "epoch": epoch, "boundary": boundary}).
			Info("full load triggered")
	}

	// Rewind pass. The scan starts at the boundary's time key, which is
	// strictly before any INCR window inside the snapshot day.
	start := TimeKey(LoadIncr, boundary)
	for {
		entries, err := s.ScanForward(ctx, vaultID, LoadIncr, start, 100)
		if err != nil {
			return errors.Wrap(err, "rewind scan")
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			start = TimeKey(LoadIncr, e.LogicalTime)
			if e.Epoch == epoch || e.Status != StatusApplied {
				continue
			}
			err := s.ConditionalUpdate(ctx, e.Key(), StatusApplied, EntryUpdate{Status: StatusReady, Epoch: &epoch})
			if err != nil && !errors.Is(err, ErrPreconditionFailed) {
				return errors.Wrapf(err, "rewind %s", e.SortKey())
			}
		}
		if len(entries) < 100 {
			break
		}
	}

	full := &Entry{
		VaultID:     vaultID,
		LoadType:    LoadFull,
		LogicalTime: boundary,
		Status:      StatusReady,
		S3Prefix:    s3Prefix,
		Epoch:       epoch,
	}
	if err := s.PutIfAbsent(ctx, full); err != nil {
		return errors.Wrap(err, "insert full entry")
	}
	return nil
}
