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

package ctlplane_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultsync/vaultsync/ctlplane"
	"github.com/vaultsync/vaultsync/ctlplane/memstore"
)

func seedApplied(t *testing.T, s ctlplane.Store, vault string, logical time.Time, epoch uint64) {
	t.Helper()
	ctx := context.Background()
	e := &ctlplane.Entry{
		VaultID:     vault,
		LoadType:    ctlplane.LoadIncr,
		LogicalTime: logical,
		Status:      ctlplane.StatusReady,
		Checksum:    "c-" + ctlplane.TimeKey(ctlplane.LoadIncr, logical),
		Epoch:       epoch,
	}
	require.NoError(t, s.PutIfAbsent(ctx, e))
	require.NoError(t, s.ConditionalUpdate(ctx, e.Key(), ctlplane.StatusReady,
		ctlplane.EntryUpdate{Status: ctlplane.StatusProcessing}))
	require.NoError(t, s.ConditionalUpdate(ctx, e.Key(), ctlplane.StatusProcessing,
		ctlplane.EntryUpdate{Status: ctlplane.StatusApplied}))
}

func TestTriggerFullLoadRewind(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	boundary := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InitVaultState(ctx, &ctlplane.VaultState{
		VaultID:             "v1",
		Mode:                ctlplane.ModeIncremental,
		LastAppliedStoptime: boundary.Add(45 * time.Minute),
	}))

	prevDay := boundary.Add(-15 * time.Minute) // 23:45 the day before
	seedApplied(t, s, "v1", prevDay, 0)
	for _, min := range []int{15, 30, 45} {
		seedApplied(t, s, "v1", boundary.Add(time.Duration(min)*time.Minute), 0)
	}

	require.NoError(t, ctlplane.TriggerFullLoad(ctx, s, "v1", boundary, ""))

	st, err := s.GetVaultState(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.CurrentEpoch)
	require.Equal(t, ctlplane.ModeFullLoad, st.Mode)
	require.Equal(t, boundary, st.LastAppliedStoptime)
	require.False(t, st.FullLoadStartedAt.IsZero())

	// Windows past the boundary are READY under the new epoch.
	for _, min := range []int{15, 30, 45} {
		key := ctlplane.EntryKey{VaultID: "v1", SortKey: ctlplane.SortKey(ctlplane.LoadIncr, boundary.Add(time.Duration(min)*time.Minute))}
		e, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, ctlplane.StatusReady, e.Status)
		require.Equal(t, uint64(1), e.Epoch)
	}

	// The window at or before the boundary is untouched.
	prev, err := s.Get(ctx, ctlplane.EntryKey{VaultID: "v1", SortKey: ctlplane.SortKey(ctlplane.LoadIncr, prevDay)})
	require.NoError(t, err)
	require.Equal(t, ctlplane.StatusApplied, prev.Status)
	require.Equal(t, uint64(0), prev.Epoch)

	// The placeholder FULL entry is pending under the new epoch.
	full, err := s.Get(ctx, ctlplane.EntryKey{VaultID: "v1", SortKey: ctlplane.SortKey(ctlplane.LoadFull, boundary)})
	require.NoError(t, err)
	require.Equal(t, ctlplane.StatusReady, full.Status)
	require.Equal(t, uint64(1), full.Epoch)
	require.Empty(t, full.Checksum)
}

func TestTriggerFullLoadReplayable(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	boundary := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InitVaultState(ctx, &ctlplane.VaultState{
		VaultID: "v1", Mode: ctlplane.ModeIncremental,
	}))
	seedApplied(t, s, "v1", boundary.Add(15*time.Minute), 0)

	require.NoError(t, ctlplane.TriggerFullLoad(ctx, s, "v1", boundary, ""))
	require.NoError(t, ctlplane.TriggerFullLoad(ctx, s, "v1", boundary, ""))

	st, err := s.GetVaultState(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.CurrentEpoch, "replay must not bump the epoch twice")
}

func TestResetFailed(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	logical := time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)

	e := &ctlplane.Entry{
		VaultID: "v1", LoadType: ctlplane.LoadIncr, LogicalTime: logical,
		Status: ctlplane.StatusReady, Checksum: "c",
	}
	require.NoError(t, s.PutIfAbsent(ctx, e))

	// Not FAILED yet: reset must refuse.
	err := ctlplane.ResetFailed(ctx, s, "v1", ctlplane.LoadIncr, logical)
	require.ErrorIs(t, err, ctlplane.ErrPreconditionFailed)

	require.NoError(t, s.ConditionalUpdate(ctx, e.Key(), ctlplane.StatusReady,
		ctlplane.EntryUpdate{Status: ctlplane.StatusProcessing}))
	require.NoError(t, s.ConditionalUpdate(ctx, e.Key(), ctlplane.StatusProcessing,
		ctlplane.EntryUpdate{Status: ctlplane.StatusFailed, LastError: "copy rejected"}))

	require.NoError(t, ctlplane.ResetFailed(ctx, s, "v1", ctlplane.LoadIncr, logical))
	got, err := s.Get(ctx, e.Key())
	require.NoError(t, err)
	require.Equal(t, ctlplane.StatusReady, got.Status)
}

func TestReclaimRequiresExpiredLease(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	logical := time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)

	require.NoError(t, s.InitVaultState(ctx, &ctlplane.VaultState{VaultID: "v1"}))
	e := &ctlplane.Entry{
		VaultID: "v1", LoadType: ctlplane.LoadIncr, LogicalTime: logical,
		Status: ctlplane.StatusReady, Checksum: "c",
	}
	require.NoError(t, s.PutIfAbsent(ctx, e))
	require.NoError(t, s.ConditionalUpdate(ctx, e.Key(), ctlplane.StatusReady,
		ctlplane.EntryUpdate{Status: ctlplane.StatusProcessing, IncrementAttempt: true}))

	require.NoError(t, s.AcquireLease(ctx, "v1", "crashed-owner", time.Hour))
	err := ctlplane.Reclaim(ctx, s, "v1", ctlplane.LoadIncr, logical, 3)
	require.ErrorIs(t, err, ctlplane.ErrLeaseHeld)

	require.NoError(t, s.ReleaseLease(ctx, "v1", "crashed-owner"))
	require.NoError(t, ctlplane.Reclaim(ctx, s, "v1", ctlplane.LoadIncr, logical, 3))

	got, err := s.Get(ctx, e.Key())
	require.NoError(t, err)
	require.Equal(t, ctlplane.StatusReady, got.Status)
}

func TestSortKeyRoundTrip(t *testing.T) {
	incr := time.Date(2024, 3, 5, 17, 42, 0, 0, time.UTC)
	lt, ts, err := ctlplane.ParseSortKey(ctlplane.SortKey(ctlplane.LoadIncr, incr))
	require.NoError(t, err)
	require.Equal(t, ctlplane.LoadIncr, lt)
	require.Equal(t, incr, ts)

	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	lt, ts, err = ctlplane.ParseSortKey(ctlplane.SortKey(ctlplane.LoadFull, day))
	require.NoError(t, err)
	require.Equal(t, ctlplane.LoadFull, lt)
	require.Equal(t, day, ts)

	_, _, err = ctlplane.ParseSortKey("garbage")
	require.Error(t, err)
}
