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

package producer

import (
	"encoding/csv"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/manifest"
)

// ConvertChunkRows bounds how many rows a normalization pass holds
// before flushing.
const ConvertChunkRows = 100_000

// Vendor NULL sentinels scrubbed during conversion.
var nullSentinels = map[string]bool{"NULL": true, "null": true, "\\N": true}

// Vendor datetime layouts, most specific first.
var vendorTimeLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// NormalizeCSV rewrites one staged data file into load-ready form:
// NULL sentinels become empty fields, DateTime values collapse to UTC
// microseconds, Date values to plain dates. Rows pass through in chunks
// so memory stays bounded regardless of file size. A nil schema skips
// the date and time normalization; NULL sentinels are still scrubbed.
func NormalizeCSV(dst io.Writer, src io.Reader, ts *manifest.TableSchema, chunkRows int) error {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cw := csv.NewWriter(dst)

	head, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read header")
	}
	if err := cw.Write(head); err != nil {
		return err
	}

	// Column positions that need datetime or date normalization.
	timeCols := map[int]manifest.LogicalType{}
	if ts != nil {
		for pos, name := range head {
			if c := ts.Column(name); c != nil && (c.Type == manifest.TypeTimestamp || c.Type == manifest.TypeDate) {
				timeCols[pos] = c.Type
			}
		}
	}

	rows := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read row")
		}
		for i, v := range rec {
			if nullSentinels[v] {
				rec[i] = ""
				continue
			}
			if lt, ok := timeCols[i]; ok && v != "" {
				rec[i] = normalizeTime(v, lt)
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
		if rows++; rows%chunkRows == 0 {
			cw.Flush()
			if err := cw.Error(); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// normalizeTime renders a vendor time value in the warehouse's expected
// shape. Unparseable values pass through so the COPY surfaces them.
func normalizeTime(v string, lt manifest.LogicalType) string {
	v = strings.TrimSpace(v)
	for _, layout := range vendorTimeLayouts {
		t, err := time.Parse(layout, v)
		if err != nil {
			continue
		}
		if lt == manifest.TypeDate {
			return t.UTC().Format("2006-01-02")
		}
		return t.UTC().Format("2006-01-02 15:04:05.000000-07")
	}
	if lt == manifest.TypeDate {
		if _, err := time.Parse("2006-01-02", v); err == nil {
			return v
		}
	}
	return v
}
