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

package staging

import (
	"path"
	"time"

	"github.com/vaultsync/vaultsync/ctlplane"
)

// Staged object layout. Prefixes are write-once; the manifest is always
// the last object written under a prefix, so manifest presence marks the
// whole window durable.
//
//	vault=<vault_id>/incr/stoptime=<YYYYMMDDHHMM>/manifest.csv
//	                                             /<object>_upsert.csv
//	                                             /<object>_delete.csv
//	vault=<vault_id>/log/date=<YYYYMMDD>/log_manifest.csv
//	                                    /log_data.csv
//	vault=<vault_id>/full/date=<YYYYMMDD>/full_manifest.csv
//	                                     /*.csv

// WindowPrefix returns the staging prefix of one window.
func WindowPrefix(vaultID string, lt ctlplane.LoadType, logical time.Time) string {
	key := ctlplane.TimeKey(lt, logical)
	switch lt {
	case ctlplane.LoadIncr:
		return path.Join("vault="+vaultID, "incr", "stoptime="+key) + "/"
	case ctlplane.LoadLog:
		return path.Join("vault="+vaultID, "log", "date="+key) + "/"
	default:
		return path.Join("vault="+vaultID, "full", "date="+key) + "/"
	}
}

// ManifestName returns the manifest file name for a load type.
func ManifestName(lt ctlplane.LoadType) string {
	switch lt {
	case ctlplane.LoadLog:
		return "log_manifest.csv"
	case ctlplane.LoadFull:
		return "full_manifest.csv"
	default:
		return "manifest.csv"
	}
}

// ManifestKey returns the full object key of a window's manifest.
func ManifestKey(prefix string, lt ctlplane.LoadType) string {
	return prefix + ManifestName(lt)
}

// MetadataName is the per-window column metadata file staged alongside
// the data files.
const MetadataName = "metadata.csv"

// MetadataFullName is the variant shipped with full snapshots.
const MetadataFullName = "metadata_full.csv"
