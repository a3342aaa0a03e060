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
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LogicalType is the intermediate type between the vendor's column types
// and warehouse column types.
type LogicalType string

const (
	TypeUTF8      LogicalType = "utf8"
	TypeInt64     LogicalType = "int64"
	TypeFloat64   LogicalType = "float64"
	TypeBool      LogicalType = "bool"
	TypeDate      LogicalType = "date32"
	TypeTimestamp LogicalType = "timestamp"
)

// MapVendorType maps a vendor column type onto its logical type and the
// warehouse column type. Number maps to int64 until fractional detection
// promotes it; detection is per window and never persisted.
func MapVendorType(vendor string) (LogicalType, string) {
	switch vendor {
	case "String", "Picklist", "Text", "LongText":
		return TypeUTF8, "VARCHAR(MAX)"
	case "Number":
		return TypeInt64, "BIGINT"
	case "Boolean":
		return TypeBool, "BOOLEAN"
	case "Date":
		return TypeDate, "DATE"
	case "DateTime":
		return TypeTimestamp, "TIMESTAMPTZ"
	case "Reference", "ID", "Id":
		return TypeUTF8, "VARCHAR(255)"
	default:
		return TypeUTF8, "VARCHAR(MAX)"
	}
}

// WarehouseType returns the warehouse column type for a logical type,
// for columns whose vendor type is no longer known (manifest schema
// rows carry logical types only).
func WarehouseType(t LogicalType) string {
	switch t {
	case TypeInt64:
		return "BIGINT"
	case TypeFloat64:
		return "DOUBLE PRECISION"
	case TypeBool:
		return "BOOLEAN"
	case TypeDate:
		return "DATE"
	case TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "VARCHAR(MAX)"
	}
}

// AllowedTransition reports whether a live column may change logical
// type to the manifest's without data loss. Text widths are not visible
// at this level; AllowedSpecTransition covers them.
func AllowedTransition(from, to LogicalType) bool {
	if from == to {
		return true
	}
	switch {
	case from == TypeInt64 && to == TypeFloat64:
		return true
	case from == TypeDate && to == TypeTimestamp:
		return true
	}
	return false
}

// TypeSpec is a logical type plus the width dimension text columns carry
// on the wire and in the warehouse: "utf8(255)", "utf8(max)", or a bare
// logical type name. Width zero means unbounded.
type TypeSpec struct {
	Logical LogicalType
	Width   int
}

// ParseTypeSpec reads a manifest type cell.
func ParseTypeSpec(s string) (TypeSpec, error) {
	base, rest, sized := strings.Cut(s, "(")
	lt := LogicalType(base)
	switch lt {
	case TypeUTF8, TypeInt64, TypeFloat64, TypeBool, TypeDate, TypeTimestamp:
	default:
		return TypeSpec{}, errors.Errorf("unknown type %q", s)
	}
	if !sized {
		return TypeSpec{Logical: lt}, nil
	}
	if lt != TypeUTF8 {
		return TypeSpec{}, errors.Errorf("type %q cannot carry a width", s)
	}
	width := strings.TrimSuffix(rest, ")")
	if strings.EqualFold(width, "max") {
		return TypeSpec{Logical: TypeUTF8}, nil
	}
	n, err := strconv.Atoi(width)
	if err != nil || n <= 0 {
		return TypeSpec{}, errors.Errorf("bad width in type %q", s)
	}
	return TypeSpec{Logical: TypeUTF8, Width: n}, nil
}

func (t TypeSpec) String() string {
	if t.Logical == TypeUTF8 && t.Width > 0 {
		return string(TypeUTF8) + "(" + strconv.Itoa(t.Width) + ")"
	}
	return string(t.Logical)
}

// WarehouseType renders the warehouse column type of the spec.
func (t TypeSpec) WarehouseType() string {
	if t.Logical == TypeUTF8 {
		if t.Width > 0 {
			return "VARCHAR(" + strconv.Itoa(t.Width) + ")"
		}
		return "VARCHAR(MAX)"
	}
	return WarehouseType(t.Logical)
}

// AllowedSpecTransition is the full widening matrix, width included:
// int64 -> float64, date -> timestamp, and utf8(N) -> utf8(M) for M > N
// (unbounded counts as the widest). Everything else fails the window.
func AllowedSpecTransition(from, to TypeSpec) bool {
	if from.Logical == TypeUTF8 && to.Logical == TypeUTF8 {
		if from.Width == to.Width {
			return true
		}
		if from.Width == 0 {
			return false // already unbounded; any bound narrows
		}
		return to.Width == 0 || to.Width > from.Width
	}
	return AllowedTransition(from.Logical, to.Logical)
}
