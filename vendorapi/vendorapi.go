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

// Package vendorapi declares the vendor Direct Data client at its
// interface. The real client lives outside the core; the producer only
// needs window enumeration and archive streams.
package vendorapi

import (
	"context"
	"io"
	"time"

	"github.com/vaultsync/vaultsync/ctlplane"
)

// Part is one archive part of a window. Large windows ship as several
// tar parts that concatenate into one archive.
type Part struct {
	Name string
	Size int64
}

// WindowDescriptor identifies one downloadable change set.
type WindowDescriptor struct {
	LoadType    ctlplane.LoadType
	LogicalTime time.Time
	RecordCount int64
	Parts       []Part
}

// Client is the vendor API surface the producer consumes.
//
// ListWindows returns the windows of one load type whose logical time
// falls in (from, to], in ascending order. FetchPart streams one archive
// part; the caller owns the reader.
type Client interface {
	ListWindows(ctx context.Context, lt ctlplane.LoadType, from, to time.Time) ([]WindowDescriptor, error)
	FetchPart(ctx context.Context, wd WindowDescriptor, part Part) (io.ReadCloser, error)
}
