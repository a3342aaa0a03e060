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

// Package manifest parses per-window manifests and the column metadata
// files that accompany them. A manifest is the authoritative description
// of one window's intent; every row is parsed once, at entry, into a
// closed set of operation types.
package manifest

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// ErrMalformed - the manifest violates the wire contract (missing
// columns, unknown operation, bad row count). Protocol error: the window
// fails and an operator gets involved.
var ErrMalformed = errors.New("malformed manifest")

// The closed set of manifest operations.
type (
	// Upsert loads FilePath into Object, replacing rows whose primary key
	// matches.
	Upsert struct {
		Object      string
		FilePath    string
		Fingerprint string
		RowCount    int64
	}

	// Delete removes the primary keys listed in FilePath from Object.
	Delete struct {
		Object      string
		FilePath    string
		Fingerprint string
		RowCount    int64
	}

	// DropTable removes Object from the warehouse.
	DropTable struct {
		Object string
	}

	// DropColumn removes one column from Object.
	DropColumn struct {
		Object string
		Column string
	}

	// AddColumn declares a new column on Object.
	AddColumn struct {
		Object string
		Column string
		To     TypeSpec
	}

	// AlterColumn declares a type change on an existing column.
	AlterColumn struct {
		Object string
		Column string
		From   TypeSpec
		To     TypeSpec
	}
)

// Manifest is one window's parsed intent, partitioned by operation.
type Manifest struct {
	Upserts      []Upsert
	Deletes      []Delete
	DropTables   []DropTable
	DropColumns  []DropColumn
	AddColumns   []AddColumn
	AlterColumns []AlterColumn
}

// Wire columns, in order. Schema operations carry the affected column in
// the auxiliary columns; data operations leave them empty.
var header = []string{
	"object_name", "operation", "file_path", "schema_fingerprint",
	"row_count", "column_name", "from_type", "to_type",
}

const (
	colObject = iota
	colOperation
	colFilePath
	colFingerprint
	colRowCount
	colColumn
	colFromType
	colToType
)

// Parse reads a manifest CSV. Any malformed row aborts the parse: a
// half-understood manifest must never drive an apply.
func Parse(r io.Reader) (*Manifest, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(header)

	head, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "empty manifest")
	}
	for i, want := range header {
		if head[i] != want {
			return nil, errors.Wrapf(ErrMalformed, "header column %d is %q, want %q", i, head[i], want)
		}
	}

	m := &Manifest{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return m, nil
		}
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "line %d: %v", line, err)
		}
		if rec[colObject] == "" {
			return nil, errors.Wrapf(ErrMalformed, "line %d: empty object_name", line)
		}

		switch rec[colOperation] {
		case "upsert", "delete":
			if rec[colFilePath] == "" {
				return nil, errors.Wrapf(ErrMalformed, "line %d: %s without file_path", line, rec[colOperation])
			}
			rows, err := strconv.ParseInt(rec[colRowCount], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(ErrMalformed, "line %d: row_count %q", line, rec[colRowCount])
			}
			if rec[colOperation] == "upsert" {
				m.Upserts = append(m.Upserts, Upsert{
					Object: rec[colObject], FilePath: rec[colFilePath],
					Fingerprint: rec[colFingerprint], RowCount: rows,
				})
			} else {
				m.Deletes = append(m.Deletes, Delete{
					Object: rec[colObject], FilePath: rec[colFilePath],
					Fingerprint: rec[colFingerprint], RowCount: rows,
				})
			}
		case "drop_table":
			m.DropTables = append(m.DropTables, DropTable{Object: rec[colObject]})
		case "drop_column":
			if rec[colColumn] == "" {
				return nil, errors.Wrapf(ErrMalformed, "line %d: drop_column without column_name", line)
			}
			m.DropColumns = append(m.DropColumns, DropColumn{Object: rec[colObject], Column: rec[colColumn]})
		case "add_column":
			if rec[colColumn] == "" || rec[colToType] == "" {
				return nil, errors.Wrapf(ErrMalformed, "line %d: add_column needs column_name and to_type", line)
			}
			to, err := ParseTypeSpec(rec[colToType])
			if err != nil {
				return nil, errors.Wrapf(ErrMalformed, "line %d: %v", line, err)
			}
			m.AddColumns = append(m.AddColumns, AddColumn{
				Object: rec[colObject], Column: rec[colColumn], To: to,
			})
		case "alter_column":
			if rec[colColumn] == "" || rec[colFromType] == "" || rec[colToType] == "" {
				return nil, errors.Wrapf(ErrMalformed, "line %d: alter_column needs column_name, from_type, to_type", line)
			}
			from, err := ParseTypeSpec(rec[colFromType])
			if err != nil {
				return nil, errors.Wrapf(ErrMalformed, "line %d: %v", line, err)
			}
			to, err := ParseTypeSpec(rec[colToType])
			if err != nil {
				return nil, errors.Wrapf(ErrMalformed, "line %d: %v", line, err)
			}
			m.AlterColumns = append(m.AlterColumns, AlterColumn{
				Object: rec[colObject], Column: rec[colColumn], From: from, To: to,
			})
		default:
			return nil, errors.Wrapf(ErrMalformed, "line %d: unknown operation %q", line, rec[colOperation])
		}
	}
}

// Objects returns the distinct objects carrying data operations, in
// first-seen order.
func (m *Manifest) Objects() []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, u := range m.Upserts {
		add(u.Object)
	}
	for _, d := range m.Deletes {
		add(d.Object)
	}
	return out
}

// TotalRows sums the row counts of all data operations.
func (m *Manifest) TotalRows() int64 {
	var n int64
	for _, u := range m.Upserts {
		n += u.RowCount
	}
	for _, d := range m.Deletes {
		n += d.RowCount
	}
	return n
}

// Encode writes the manifest back out in wire order; Parse(Encode(m)) is
// identity.
func (m *Manifest) Encode(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := func(fields ...string) error { return cw.Write(fields) }
	for _, u := range m.Upserts {
		if err := rec(u.Object, "upsert", u.FilePath, u.Fingerprint, strconv.FormatInt(u.RowCount, 10), "", "", ""); err != nil {
			return err
		}
	}
	for _, d := range m.Deletes {
		if err := rec(d.Object, "delete", d.FilePath, d.Fingerprint, strconv.FormatInt(d.RowCount, 10), "", "", ""); err != nil {
			return err
		}
	}
	for _, t := range m.DropTables {
		if err := rec(t.Object, "drop_table", "", "", "0", "", "", ""); err != nil {
			return err
		}
	}
	for _, c := range m.DropColumns {
		if err := rec(c.Object, "drop_column", "", "", "0", c.Column, "", ""); err != nil {
			return err
		}
	}
	for _, c := range m.AddColumns {
		if err := rec(c.Object, "add_column", "", "", "0", c.Column, "", c.To.String()); err != nil {
			return err
		}
	}
	for _, c := range m.AlterColumns {
		if err := rec(c.Object, "alter_column", "", "", "0", c.Column, c.From.String(), c.To.String()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
