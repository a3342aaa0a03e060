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

// Package vaultcfg holds process configuration. It is read once at
// start, from flags and environment, and passed down by value; nothing
// mutates it afterwards.
package vaultcfg

import (
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/vaultsync/vaultsync/ctlplane"
)

// Config is the immutable process configuration.
type Config struct {
	VaultID         string
	StateTableName  string
	QueueTableName  string
	ObjectStoreRoot string
	WarehouseDSN    string

	ExtractType ctlplane.LoadType

	VendorAPIURL   string
	VendorAPIToken string

	UseDynamicWindow     bool
	DynamicLookbackHours int

	ConvertToColumnar bool
	MaxAttempts       int

	// Consumer tuning.
	LeaseTTL      time.Duration
	BackupPolling time.Duration

	// Staging tuning.
	UploadPartSize datasize.ByteSize

	// Warehouse COPY credentials clause (e.g. an IAM role ARN clause for
	// Redshift). Appended verbatim to COPY statements.
	CopyOptions string

	LogLevel string
}

// Defaults that hold when the corresponding input is unset.
const (
	DefaultMaxAttempts     = 3
	DefaultLookbackHours   = 24
	DefaultLeaseTTL        = 15 * time.Minute
	DefaultBackupPolling   = time.Minute
	DefaultDecimalSampleSz = 1000
)

// Normalize fills unset tuning fields with defaults.
func (c Config) Normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DynamicLookbackHours <= 0 {
		c.DynamicLookbackHours = DefaultLookbackHours
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.BackupPolling <= 0 {
		c.BackupPolling = DefaultBackupPolling
	}
	if c.ExtractType == "" {
		c.ExtractType = ctlplane.LoadIncr
	}
	return c
}
