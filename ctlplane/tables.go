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

// SchemaVersion of the control-plane tables. Bump the major version on
// any change that makes existing items unreadable by older binaries.
//
// 1.0 - initial layout: queue keyed (vault_id, sort_key), state keyed vault_id
// 1.1 - state items gained last_applied_log_date for the LOG consumer
var SchemaVersion = struct{ Major, Minor uint32 }{1, 1}

// Queue table.
// key   - vault_id (hash) + sort_key (range), sort_key = "<load_type>#<time_key>"
// value - one window registration; see Entry
const (
	AttrVaultID      = "vault_id"
	AttrSortKey      = "sort_key"
	AttrLoadType     = "load_type"
	AttrStatus       = "status"
	AttrS3Prefix     = "s3_prefix"
	AttrChecksum     = "checksum"
	AttrEpoch        = "epoch"
	AttrAttemptCount = "attempt_count"
	AttrLastError    = "last_error"
	AttrCreatedAt    = "created_at"
	AttrUpdatedAt    = "updated_at"
)

// State table.
// key   - vault_id (hash). Lease items share the table under
//         "<vault_id>#LOG"-style keys and carry only the lock attributes.
// value - per-vault control record; see VaultState
const (
	AttrMode                = "mode"
	AttrLastAppliedStoptime = "last_applied_stoptime"
	AttrLastAppliedLogDate  = "last_applied_log_date"
	AttrCurrentEpoch        = "current_epoch"
	AttrFullLoadStartedAt   = "full_load_started_at"
	AttrLockOwner           = "lock_owner"
	AttrLockExpiresAt       = "lock_expires_at"
)

// QueueTableAttrs lists every queue attribute, in item order. Kept next
// to the constants so a new attribute cannot be added without showing up
// in scans and backups.
var QueueTableAttrs = []string{
	AttrVaultID, AttrSortKey, AttrLoadType, AttrStatus, AttrS3Prefix,
	AttrChecksum, AttrEpoch, AttrAttemptCount, AttrLastError,
	AttrCreatedAt, AttrUpdatedAt,
}

// StateTableAttrs lists every state attribute, in item order.
var StateTableAttrs = []string{
	AttrVaultID, AttrMode, AttrLastAppliedStoptime, AttrLastAppliedLogDate,
	AttrCurrentEpoch, AttrFullLoadStartedAt, AttrLockOwner, AttrLockExpiresAt,
}
