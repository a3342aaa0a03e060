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
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleManifest = `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
document,upsert,document_upsert.csv,fp1,120,,,
document,delete,document_delete.csv,fp1,7,,,
audit_trail,upsert,audit_trail_upsert.csv,fp2,4000,,,
old_object,drop_table,,,0,,,
document,drop_column,,,0,legacy_flag,,
document,add_column,,,0,notes,,utf8
document,alter_column,,,0,score,int64,float64
document,alter_column,,,0,owner,utf8(255),utf8
`

func TestParsePartitionsOperations(t *testing.T) {
	m, err := Parse(strings.NewReader(sampleManifest))
	require.NoError(t, err)

	require.Len(t, m.Upserts, 2)
	require.Len(t, m.Deletes, 1)
	require.Len(t, m.DropTables, 1)
	require.Len(t, m.DropColumns, 1)
	require.Len(t, m.AddColumns, 1)
	require.Len(t, m.AlterColumns, 2)

	require.Equal(t, "document_upsert.csv", m.Upserts[0].FilePath)
	require.Equal(t, int64(120), m.Upserts[0].RowCount)
	require.Equal(t, "old_object", m.DropTables[0].Object)
	require.Equal(t, AddColumn{
		Object: "document", Column: "notes", To: TypeSpec{Logical: TypeUTF8},
	}, m.AddColumns[0])
	require.Equal(t, AlterColumn{
		Object: "document", Column: "score",
		From: TypeSpec{Logical: TypeInt64}, To: TypeSpec{Logical: TypeFloat64},
	}, m.AlterColumns[0])
	require.Equal(t, AlterColumn{
		Object: "document", Column: "owner",
		From: TypeSpec{Logical: TypeUTF8, Width: 255}, To: TypeSpec{Logical: TypeUTF8},
	}, m.AlterColumns[1])

	require.Equal(t, []string{"document", "audit_trail"}, m.Objects())
	require.Equal(t, int64(4127), m.TotalRows())
}

func TestParseRejectsMalformedRows(t *testing.T) {
	header := "object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type\n"
	cases := map[string]string{
		"unknown operation":       header + "document,replace,f.csv,fp,1,,,\n",
		"upsert without file":     header + "document,upsert,,fp,1,,,\n",
		"bad row count":           header + "document,upsert,f.csv,fp,many,,,\n",
		"empty object":            header + ",upsert,f.csv,fp,1,,,\n",
		"drop_column sans column": header + "document,drop_column,,,0,,,\n",
		"alter_column sans types": header + "document,alter_column,,,0,score,,\n",
		"wrong header":            "object,op,path,fp,rows,col,from,to\ndocument,upsert,f.csv,fp,1,,,\n",
		"short row":               header + "document,upsert\n",
		"unknown type spec":       header + "document,add_column,,,0,notes,,varchar\n",
		"bad width":               header + "document,alter_column,,,0,owner,utf8(0),utf8\n",
		"width on number":         header + "document,alter_column,,,0,score,int64(4),int64\n",
	}
	for name, input := range cases {
		_, err := Parse(strings.NewReader(input))
		require.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	m, err := Parse(strings.NewReader(sampleManifest))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.Encode(&buf))

	again, err := Parse(&buf)
	require.NoError(t, err)
	require.Equal(t, m, again)
}
