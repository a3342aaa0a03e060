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

// Package ctlplane defines the durable control plane of the sync pipeline:
// the window queue, per-vault state, and the Store contract every backend
// must satisfy.
//
// The contract is deliberately small. Any store with conditional
// single-item updates, ordered range scans on a sort key, and a change
// stream can back it. The production backend is DynamoDB (dynstore); an
// in-memory backend (memstore) serves tests and local runs.
//
// All pipeline state lives here. The producer, consumer and apply engine
// keep no durable state of their own: on any doubt they persist and exit,
// and the next invocation re-reads everything from the Store.
package ctlplane

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// LoadType partitions the queue. Windows of different load types are
// ordered independently of each other.
type LoadType string

const (
	LoadIncr LoadType = "INCR"
	LoadLog  LoadType = "LOG"
	LoadFull LoadType = "FULL"
)

// Status is the lifecycle of a queue entry.
//
// READY -> PROCESSING -> APPLIED is the happy path. PROCESSING -> FAILED
// requires an operator to move the entry back to READY. A PROCESSING
// entry left by a crashed consumer returns to READY through a crash
// reclaim. Every transition is a conditional write.
type Status string

const (
	StatusReady      Status = "READY"
	StatusProcessing Status = "PROCESSING"
	StatusApplied    Status = "APPLIED"
	StatusFailed     Status = "FAILED"
)

// Mode of a vault. FULL_LOAD restricts the consumer to FULL windows until
// the snapshot commits, after which the consumer flips the vault back to
// INCREMENTAL.
type Mode string

const (
	ModeIncremental Mode = "INCREMENTAL"
	ModeFullLoad    Mode = "FULL_LOAD"
)

const (
	// incrTimeLayout keys INCR windows at minute precision.
	incrTimeLayout = "200601021504"
	// dateLayout keys LOG and FULL windows at day precision.
	dateLayout = "20060102"
)

// Entry is one registered window. Key is (VaultID, SortKey()); lexical
// order of sort keys equals intended apply order within a load type.
type Entry struct {
	VaultID      string
	LoadType     LoadType
	LogicalTime  time.Time
	Status       Status
	S3Prefix     string
	Checksum     string
	Epoch        uint64
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SortKey is "<load_type>#<logical_time_key>". Logical time keys are
// fixed-width digit strings so that lexical order is chronological.
func (e *Entry) SortKey() string {
	return SortKey(e.LoadType, e.LogicalTime)
}

// Key returns the full control-plane key of the entry.
func (e *Entry) Key() EntryKey {
	return EntryKey{VaultID: e.VaultID, SortKey: e.SortKey()}
}

// SortKey builds the queue sort key for a load type and logical time.
func SortKey(lt LoadType, logical time.Time) string {
	return string(lt) + "#" + TimeKey(lt, logical)
}

// TimeKey renders the logical time portion of a sort key.
func TimeKey(lt LoadType, logical time.Time) string {
	if lt == LoadIncr {
		return logical.UTC().Format(incrTimeLayout)
	}
	return logical.UTC().Format(dateLayout)
}

// ParseSortKey is the inverse of SortKey.
func ParseSortKey(sk string) (LoadType, time.Time, error) {
	lt, key, ok := strings.Cut(sk, "#")
	if !ok {
		return "", time.Time{}, fmt.Errorf("malformed sort key %q", sk)
	}
	layout := dateLayout
	if LoadType(lt) == LoadIncr {
		layout = incrTimeLayout
	}
	t, err := time.ParseInLocation(layout, key, time.UTC)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed sort key %q: %w", sk, err)
	}
	return LoadType(lt), t, nil
}

// EntryKey identifies one queue entry.
type EntryKey struct {
	VaultID string
	SortKey string
}

// EntryUpdate carries the fields a ConditionalUpdate may set. Zero-value
// fields are left untouched by the store.
type EntryUpdate struct {
	Status           Status
	IncrementAttempt bool
	LastError        string
	// Epoch, when non-nil, re-stamps the entry's generation. Used only by
	// the full-load rewind.
	Epoch *uint64
}

// VaultState is the per-vault control record.
type VaultState struct {
	VaultID             string
	Mode                Mode
	LastAppliedStoptime time.Time
	LastAppliedLogDate  time.Time
	CurrentEpoch        uint64
	FullLoadStartedAt   time.Time
	LockOwner           string
	LockExpiresAt       time.Time
}

// StateUpdate carries the fields an UpdateVaultState may set. Nil fields
// are left untouched.
type StateUpdate struct {
	Mode                *Mode
	LastAppliedStoptime *time.Time
	LastAppliedLogDate  *time.Time
	CurrentEpoch        *uint64
	FullLoadStartedAt   *time.Time
}

// Event is one change-stream notification. Events are at-least-once and
// may arrive out of order across keys; consumers must treat them purely
// as wakeups.
type Event struct {
	VaultID string
	SortKey string
}

// Store is the control-plane contract (C1).
//
// Semantics over any backend:
//
//   - PutIfAbsent creates the entry if absent. If an entry already exists
//     under the same key: identical checksum, or an empty incoming
//     checksum (a replayed full-load placeholder), is a no-op; an empty stored
//     checksum means a placeholder inserted by a full-load trigger and the
//     registration completes in place; anything else fails with
//     ErrDuplicateChecksum and mutates nothing.
//   - ConditionalUpdate transitions entry status atomically, failing with
//     ErrPreconditionFailed when the stored status differs from expect.
//   - ScanForward returns entries of one load type in ascending sort-key
//     order, strictly after startExclusive (a time key, or "" for the
//     beginning).
//   - UpdateVaultState is guarded by the expected epoch and fails with
//     ErrPreconditionFailed on mismatch.
//   - AcquireLease grants a time-bounded exclusive claim on leaseID,
//     honoring expiry of a previous owner. RenewLease and ReleaseLease
//     fail with ErrLeaseLost when the caller no longer owns the lease.
//   - Subscribe delivers change events until ctx is done.
type Store interface {
	PutIfAbsent(ctx context.Context, e *Entry) error
	Get(ctx context.Context, key EntryKey) (*Entry, error)
	ConditionalUpdate(ctx context.Context, key EntryKey, expect Status, upd EntryUpdate) error
	ScanForward(ctx context.Context, vaultID string, lt LoadType, startExclusive string, limit int) ([]*Entry, error)

	GetVaultState(ctx context.Context, vaultID string) (*VaultState, error)
	InitVaultState(ctx context.Context, st *VaultState) error
	UpdateVaultState(ctx context.Context, vaultID string, expectedEpoch uint64, upd StateUpdate) error

	AcquireLease(ctx context.Context, leaseID, owner string, ttl time.Duration) error
	RenewLease(ctx context.Context, leaseID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, leaseID, owner string) error

	Subscribe(ctx context.Context) (<-chan Event, error)
}

// LeaseID derives the exclusion key for a consumer. INCR and FULL share
// the vault lease; LOG runs under its own key so the two consumers never
// contend.
func LeaseID(vaultID string, lt LoadType) string {
	if lt == LoadLog {
		return vaultID + "#LOG"
	}
	return vaultID
}
