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

package manifest

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Column is one column of an object's per-window schema.
type Column struct {
	Name          string
	Type          LogicalType
	WarehouseType string
	Nullable      bool
	Key           bool
}

// Spec returns the column's type with the width dimension recovered
// from the warehouse type, so diffs see utf8(255) and utf8(max) as
// different types.
func (c Column) Spec() TypeSpec {
	spec := TypeSpec{Logical: c.Type}
	if c.Type != TypeUTF8 {
		return spec
	}
	if i := strings.Index(c.WarehouseType, "("); i >= 0 {
		if n, err := strconv.Atoi(strings.TrimSuffix(c.WarehouseType[i+1:], ")")); err == nil {
			spec.Width = n
		}
	}
	return spec
}

// TableSchema is the ordered column set of one object for one window.
type TableSchema struct {
	Object  string
	Columns []Column
}

// Column returns the named column, or nil.
func (t *TableSchema) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// PrimaryKey returns the key column name. Vendor objects carry exactly
// one key column (the record id).
func (t *TableSchema) PrimaryKey() string {
	for _, c := range t.Columns {
		if c.Key {
			return c.Name
		}
	}
	return "id"
}

// ColumnNames returns the ordered column names, for COPY column lists.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Registry maps object name to that object's schema. Built per window
// from the staged metadata CSV; never persisted across windows.
type Registry map[string]*TableSchema

// Metadata CSV columns: object_name, column_name, type, required, key.
var metadataHeader = []string{"object_name", "column_name", "type", "required", "key"}

// BuildRegistry parses a metadata CSV into a registry. Column order in
// the file is the column order of the staged data files.
func BuildRegistry(r io.Reader) (Registry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(metadataHeader)

	head, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "empty metadata")
	}
	for i, want := range metadataHeader {
		if head[i] != want {
			return nil, errors.Wrapf(ErrMalformed, "metadata header column %d is %q, want %q", i, head[i], want)
		}
	}

	reg := Registry{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return reg, nil
		}
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "metadata line %d: %v", line, err)
		}
		object, column := rec[0], rec[1]
		if object == "" || column == "" {
			return nil, errors.Wrapf(ErrMalformed, "metadata line %d: empty object or column", line)
		}
		logical, whType := MapVendorType(rec[2])
		ts := reg[object]
		if ts == nil {
			ts = &TableSchema{Object: object}
			reg[object] = ts
		}
		ts.Columns = append(ts.Columns, Column{
			Name:          column,
			Type:          logical,
			WarehouseType: whType,
			Nullable:      !parseBool(rec[3]),
			Key:           parseBool(rec[4]),
		})
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "1":
		return true
	}
	return false
}

// DetectFractional samples a staged data CSV and promotes Number columns
// that carry a decimal separator from int64 to float64. The sample is
// bounded; a fractional value past the bound fails the COPY and the
// window.
func (reg Registry) DetectFractional(object string, data io.Reader, sampleLimit int) error {
	ts := reg[object]
	if ts == nil {
		return nil
	}
	intCols := map[int]int{} // csv position -> schema index
	cr := csv.NewReader(data)
	cr.FieldsPerRecord = -1

	head, err := cr.Read()
	if err != nil {
		return nil // empty file, nothing to sample
	}
	for pos, name := range head {
		if c := ts.Column(name); c != nil && c.Type == TypeInt64 {
			for i := range ts.Columns {
				if ts.Columns[i].Name == name {
					intCols[pos] = i
				}
			}
		}
	}
	if len(intCols) == 0 {
		return nil
	}

	for row := 0; row < sampleLimit; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(ErrMalformed, "sample %s: %v", object, err)
		}
		for pos, idx := range intCols {
			if pos >= len(rec) {
				continue
			}
			v := rec[pos]
			if v != "" && strings.Contains(v, ".") {
				ts.Columns[idx].Type = TypeFloat64
				ts.Columns[idx].WarehouseType = WarehouseType(TypeFloat64)
				delete(intCols, pos)
			}
		}
		if len(intCols) == 0 {
			break
		}
	}
	return nil
}
