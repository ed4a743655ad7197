// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package collection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/blobfetch/blobfetcherr"
	"github.com/flowmesh/blobfetch/blobhash"
)

func hashOf(b byte) blobhash.Hash {
	var h blobhash.Hash
	h[0] = b
	h[1] = 1
	return h
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c, err := New([]Entry{
		{Name: "a.txt", Hash: hashOf(1)},
		{Name: "dir/b.txt", Hash: hashOf(2)},
	})
	require.NoError(t, err)

	decoded, err := FromBytes(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c.Entries(), decoded.Entries())
	assert.Equal(t, uint64(2), decoded.TotalEntries())
}

func TestRejectsPathTraversal(t *testing.T) {
	_, err := New([]Entry{{Name: "../evil", Hash: hashOf(1)}})
	require.Error(t, err)
	assert.True(t, blobfetcherr.Is(err, blobfetcherr.KindValidation))
}

func TestRejectsAbsolutePath(t *testing.T) {
	_, err := New([]Entry{{Name: "/etc/passwd", Hash: hashOf(1)}})
	require.Error(t, err)
}

func TestRejectsBackslash(t *testing.T) {
	_, err := New([]Entry{{Name: `a\b`, Hash: hashOf(1)}})
	require.Error(t, err)
}

func TestRejectsDuplicateNames(t *testing.T) {
	_, err := New([]Entry{
		{Name: "a.txt", Hash: hashOf(1)},
		{Name: "a.txt", Hash: hashOf(2)},
	})
	require.Error(t, err)
}

func TestRejectsEmptyHash(t *testing.T) {
	_, err := New([]Entry{{Name: "a.txt"}})
	require.Error(t, err)
}

func TestRejectsOversizedName(t *testing.T) {
	name := make([]byte, maxNameLen+1)
	_, err := New([]Entry{{Name: string(name), Hash: hashOf(1)}})
	require.Error(t, err)
}

func TestTotalBlobsSizeIsOutOfBand(t *testing.T) {
	c, err := New([]Entry{{Name: "a", Hash: hashOf(1)}})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.TotalBlobsSize())
	c.SetTotalBlobsSize(123)
	assert.Equal(t, uint64(123), c.TotalBlobsSize())

	decoded, err := FromBytes(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), decoded.TotalBlobsSize())
}
