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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMetadata = `object_name,column_name,type,required,key
document,id,ID,true,true
document,name,String,true,false
document,score,Number,false,false
document,created,DateTime,false,false
document,effective,Date,false,false
document,active,Boolean,false,false
document,owner,Reference,false,false
audit_trail,id,ID,true,true
audit_trail,event,Picklist,false,false
`

func TestBuildRegistry(t *testing.T) {
	reg, err := BuildRegistry(strings.NewReader(sampleMetadata))
	require.NoError(t, err)
	require.Len(t, reg, 2)

	doc := reg["document"]
	require.NotNil(t, doc)
	require.Equal(t, "id", doc.PrimaryKey())
	require.Equal(t,
		[]string{"id", "name", "score", "created", "effective", "active", "owner"},
		doc.ColumnNames())

	assert.Equal(t, TypeUTF8, doc.Column("id").Type)
	assert.Equal(t, "VARCHAR(255)", doc.Column("id").WarehouseType)
	assert.False(t, doc.Column("id").Nullable)
	assert.Equal(t, TypeInt64, doc.Column("score").Type)
	assert.Equal(t, "BIGINT", doc.Column("score").WarehouseType)
	assert.True(t, doc.Column("score").Nullable)
	assert.Equal(t, TypeTimestamp, doc.Column("created").Type)
	assert.Equal(t, TypeDate, doc.Column("effective").Type)
	assert.Equal(t, TypeBool, doc.Column("active").Type)
	assert.Equal(t, "VARCHAR(MAX)", doc.Column("name").WarehouseType)
}

func TestMapVendorTypeUnknownDefaultsToText(t *testing.T) {
	lt, wh := MapVendorType("SomethingNew")
	assert.Equal(t, TypeUTF8, lt)
	assert.Equal(t, "VARCHAR(MAX)", wh)
}

func TestDetectFractionalPromotesPerWindow(t *testing.T) {
	reg, err := BuildRegistry(strings.NewReader(sampleMetadata))
	require.NoError(t, err)

	data := "id,name,score\nr1,alpha,10\nr2,beta,10.5\nr3,gamma,11\n"
	require.NoError(t, reg.DetectFractional("document", strings.NewReader(data), 100))

	score := reg["document"].Column("score")
	assert.Equal(t, TypeFloat64, score.Type)
	assert.Equal(t, "DOUBLE PRECISION", score.WarehouseType)
}

func TestDetectFractionalIntegerStaysInt(t *testing.T) {
	reg, err := BuildRegistry(strings.NewReader(sampleMetadata))
	require.NoError(t, err)

	data := "id,score\nr1,10\nr2,\nr3,NULL\n"
	require.NoError(t, reg.DetectFractional("document", strings.NewReader(data), 100))
	assert.Equal(t, TypeInt64, reg["document"].Column("score").Type)
}

func TestDetectFractionalRespectsSampleBound(t *testing.T) {
	reg, err := BuildRegistry(strings.NewReader(sampleMetadata))
	require.NoError(t, err)

	// The fractional value sits past the sample bound.
	data := "id,score\nr1,1\nr2,2\nr3,3.5\n"
	require.NoError(t, reg.DetectFractional("document", strings.NewReader(data), 2))
	assert.Equal(t, TypeInt64, reg["document"].Column("score").Type)
}

func TestAllowedTransitionMatrix(t *testing.T) {
	allowed := [][2]LogicalType{
		{TypeInt64, TypeFloat64},
		{TypeDate, TypeTimestamp},
		{TypeUTF8, TypeUTF8},
		{TypeBool, TypeBool},
	}
	for _, pair := range allowed {
		assert.True(t, AllowedTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	forbidden := [][2]LogicalType{
		{TypeFloat64, TypeInt64},
		{TypeTimestamp, TypeDate},
		{TypeUTF8, TypeInt64},
		{TypeInt64, TypeUTF8},
		{TypeBool, TypeInt64},
	}
	for _, pair := range forbidden {
		assert.False(t, AllowedTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestParseTypeSpec(t *testing.T) {
	spec, err := ParseTypeSpec("utf8(255)")
	require.NoError(t, err)
	assert.Equal(t, TypeSpec{Logical: TypeUTF8, Width: 255}, spec)
	assert.Equal(t, "utf8(255)", spec.String())
	assert.Equal(t, "VARCHAR(255)", spec.WarehouseType())

	spec, err = ParseTypeSpec("utf8(max)")
	require.NoError(t, err)
	assert.Equal(t, TypeSpec{Logical: TypeUTF8}, spec)
	assert.Equal(t, "utf8", spec.String())
	assert.Equal(t, "VARCHAR(MAX)", spec.WarehouseType())

	spec, err = ParseTypeSpec("float64")
	require.NoError(t, err)
	assert.Equal(t, TypeSpec{Logical: TypeFloat64}, spec)
	assert.Equal(t, "DOUBLE PRECISION", spec.WarehouseType())

	for _, bad := range []string{"varchar", "utf8()", "utf8(-1)", "int64(8)", ""} {
		_, err := ParseTypeSpec(bad)
		assert.Error(t, err, bad)
	}
}

func TestAllowedSpecTransitionWidths(t *testing.T) {
	narrow := TypeSpec{Logical: TypeUTF8, Width: 255}
	wider := TypeSpec{Logical: TypeUTF8, Width: 1024}
	unbounded := TypeSpec{Logical: TypeUTF8}

	assert.True(t, AllowedSpecTransition(narrow, wider))
	assert.True(t, AllowedSpecTransition(narrow, unbounded))
	assert.True(t, AllowedSpecTransition(narrow, narrow))
	assert.True(t, AllowedSpecTransition(unbounded, unbounded))

	assert.False(t, AllowedSpecTransition(wider, narrow))
	assert.False(t, AllowedSpecTransition(unbounded, narrow))

	// The sizeless matrix still applies across logical types.
	assert.True(t, AllowedSpecTransition(TypeSpec{Logical: TypeInt64}, TypeSpec{Logical: TypeFloat64}))
	assert.False(t, AllowedSpecTransition(TypeSpec{Logical: TypeFloat64}, TypeSpec{Logical: TypeInt64}))
	assert.False(t, AllowedSpecTransition(narrow, TypeSpec{Logical: TypeInt64}))
}

func TestColumnSpecRecoversWidth(t *testing.T) {
	ref := Column{Name: "owner", Type: TypeUTF8, WarehouseType: "VARCHAR(255)"}
	assert.Equal(t, TypeSpec{Logical: TypeUTF8, Width: 255}, ref.Spec())

	text := Column{Name: "name", Type: TypeUTF8, WarehouseType: "VARCHAR(MAX)"}
	assert.Equal(t, TypeSpec{Logical: TypeUTF8}, text.Spec())

	num := Column{Name: "score", Type: TypeInt64, WarehouseType: "BIGINT"}
	assert.Equal(t, TypeSpec{Logical: TypeInt64}, num.Spec())
}
