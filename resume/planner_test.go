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

package resume

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/blobfetch/blobhash"
	"github.com/flowmesh/blobfetch/collection"
)

func testHash(b byte) blobhash.Hash {
	var h blobhash.Hash
	h[0] = b
	h[1] = 1
	return h
}

func TestGetMissingRangeFinalExists(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/a.txt", []byte("done"), 0o644))
	p := NewPlanner(fs)

	got, err := p.GetMissingRange(testHash(1), "a.txt", "/tmp", "/out")
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())
}

func TestGetMissingRangeNoTempFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewPlanner(fs)

	got, err := p.GetMissingRange(testHash(1), "a.txt", "/tmp", "/out")
	require.NoError(t, err)
	assert.True(t, got.IsAll())
}

func TestGetMissingRangePartialWithOutboard(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := testHash(1)
	require.NoError(t, afero.WriteFile(fs, "/tmp/"+h.Hex()+".data.part", make([]byte, 500), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/tmp/"+h.Hex()+".outboard.part", make([]byte, 128), 0o644))
	p := NewPlanner(fs)

	got, err := p.GetMissingRange(h, "a.txt", "/tmp", "/out")
	require.NoError(t, err)
	assert.False(t, got.Contains(0))
	assert.False(t, got.Contains(499))
	assert.True(t, got.Contains(500))
	assert.True(t, got.Contains(1_000_000))
}

func TestGetMissingRangePartialWithoutValidOutboard(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := testHash(1)
	require.NoError(t, afero.WriteFile(fs, "/tmp/"+h.Hex()+".data.part", make([]byte, 500), 0o644))
	// outboard length not a multiple of 64: implausible, must be rejected.
	require.NoError(t, afero.WriteFile(fs, "/tmp/"+h.Hex()+".outboard.part", make([]byte, 10), 0o644))
	p := NewPlanner(fs)

	got, err := p.GetMissingRange(h, "a.txt", "/tmp", "/out")
	require.NoError(t, err)
	assert.True(t, got.IsAll())
}

func TestGetMissingRangesNoCollectionYet(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewPlanner(fs)
	root := testHash(9)

	seq, coll, err := p.GetMissingRanges(root, "/out", "/tmp")
	require.NoError(t, err)
	assert.Nil(t, coll)
	assert.True(t, seq.At(0).IsAll())
	assert.True(t, seq.Tail().IsAll())
}

func TestGetMissingRangesWithCachedCollection(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := testHash(9)
	childA := testHash(1)
	childB := testHash(2)

	c, err := collection.New([]collection.Entry{
		{Name: "a.txt", Hash: childA},
		{Name: "b.txt", Hash: childB},
	})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/tmp/"+root.Hex()+".data.part", c.Encode(), 0o644))
	// a.txt already finished, b.txt untouched.
	require.NoError(t, afero.WriteFile(fs, "/out/a.txt", []byte("hi"), 0o644))

	p := NewPlanner(fs)
	seq, gotColl, err := p.GetMissingRanges(root, "/out", "/tmp")
	require.NoError(t, err)
	require.NotNil(t, gotColl)
	assert.Equal(t, 2, int(gotColl.TotalEntries()))

	assert.True(t, seq.At(0).IsEmpty())  // collection blob itself already known
	assert.True(t, seq.At(1).IsEmpty())  // a.txt done
	assert.True(t, seq.At(2).IsAll())    // b.txt missing entirely
	assert.True(t, seq.Tail().IsEmpty()) // nothing requested beyond known children
}

func TestGetMissingRangesCachesDecodedCollection(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := testHash(9)
	c, err := collection.New([]collection.Entry{{Name: "a.txt", Hash: testHash(1)}})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/tmp/"+root.Hex()+".data.part", c.Encode(), 0o644))

	p := NewPlanner(fs)
	_, first, err := p.GetMissingRanges(root, "/out", "/tmp")
	require.NoError(t, err)

	// Corrupt the on-disk bytes; a cache hit should not notice.
	require.NoError(t, afero.WriteFile(fs, "/tmp/"+root.Hex()+".data.part", []byte{0xff}, 0o644))
	_, second, err := p.GetMissingRanges(root, "/out", "/tmp")
	require.NoError(t, err)
	assert.Same(t, first, second)
}
