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
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultsync/vaultsync/manifest"
)

func TestNormalizeCSV(t *testing.T) {
	reg, err := manifest.BuildRegistry(strings.NewReader(testMetadata))
	require.NoError(t, err)

	in := "id,score,modified\n" +
		"r1,NULL,2024-01-01T00:10:00.000Z\n" +
		"r2,7,\\N\n" +
		"r3,8,not-a-time\n"

	var out bytes.Buffer
	require.NoError(t, NormalizeCSV(&out, strings.NewReader(in), reg["document"], 2))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "id,score,modified", lines[0])
	require.Equal(t, "r1,,2024-01-01 00:10:00.000000+00", lines[1])
	require.Equal(t, "r2,7,", lines[2])
	// Unparseable values pass through for the COPY to surface.
	require.Equal(t, "r3,8,not-a-time", lines[3])
}

func TestNormalizeCSVNilSchemaPassThrough(t *testing.T) {
	in := "a,b\n1,NULL\n"
	var out bytes.Buffer
	require.NoError(t, NormalizeCSV(&out, strings.NewReader(in), nil, 10))
	// NULL scrubbing applies even without a schema; times need one.
	require.Equal(t, "a,b\n1,\n", out.String())
}

func TestNormalizeCSVEmptyInput(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, NormalizeCSV(&out, strings.NewReader(""), nil, 10))
	require.Empty(t, out.String())
}
