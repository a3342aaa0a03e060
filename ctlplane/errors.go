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

	"github.com/pkg/errors"
)

// Failure modes of the control plane. Backends translate their native
// errors into these sentinels; callers branch with errors.Is.
var (
	// ErrPreconditionFailed - a conditional write lost a race. Recovered
	// locally by re-reading state and re-selecting.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrNotFound - the entry or vault state does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateChecksum - re-registration of an existing entry with a
	// different checksum. Protocol error, never retried.
	ErrDuplicateChecksum = errors.New("duplicate entry with different checksum")

	// ErrTransientStore - throttling or a network blip. Retried with
	// exponential backoff, bounded attempts.
	ErrTransientStore = errors.New("transient store error")

	// ErrLeaseHeld - another runner owns the lease. Not an error for the
	// holder's peer: the caller exits cleanly.
	ErrLeaseHeld = errors.New("lease held by another owner")

	// ErrLeaseLost - the caller renewed or released a lease it no longer
	// owns. An apply in flight must abort before commit.
	ErrLeaseLost = errors.New("lease lost")
)

// IsTransient reports whether err is worth a bounded local retry.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrTransientStore)
}

// IsProtocol reports whether err is a protocol violation requiring an
// operator. Protocol errors mark the window FAILED and are never retried.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrDuplicateChecksum)
}
