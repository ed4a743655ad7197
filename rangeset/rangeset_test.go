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

package rangeset

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllEmptySentinels(t *testing.T) {
	require.True(t, All().IsAll())
	require.True(t, Empty().IsEmpty())
	require.False(t, All().IsEmpty())
	require.False(t, Empty().IsAll())
}

func TestUnionMerge(t *testing.T) {
	s := New(Interval{0, 10}, Interval{10, 20}, Interval{30, 40})
	want := []Interval{{0, 20}, {30, 40}}
	assert.Equal(t, want, s.Intervals())
}

func TestIntersection(t *testing.T) {
	a := New(Interval{0, 10}, Interval{20, 30})
	b := New(Interval{5, 25})
	got := a.Intersection(b)
	want := []Interval{{5, 10}, {20, 25}}
	assert.Equal(t, want, got.Intervals())
}

func TestComplement(t *testing.T) {
	a := New(Interval{10, 20})
	got := a.Complement()
	want := []Interval{{0, 10}, {20, maxEnd}}
	assert.Equal(t, want, got.Intervals())
	assert.True(t, Empty().Complement().IsAll())
	assert.True(t, All().Complement().IsEmpty())
}

func TestBytesChunksRoundTrip(t *testing.T) {
	bytesSet := New(Interval{0, 5})
	chunks := BytesToChunks(bytesSet, ChunkSize)
	assert.Equal(t, []Interval{{0, 1}}, chunks.Intervals())
	back := ChunksToBytes(chunks, ChunkSize, 5)
	assert.Equal(t, []Interval{{0, 5}}, back.Intervals())
}

func TestFirstMissingByte(t *testing.T) {
	assert.Equal(t, uint64(0), FirstMissingByte(Empty()))
	assert.Equal(t, uint64(5), FirstMissingByte(New(Interval{0, 5})))
	assert.Equal(t, uint64(0), FirstMissingByte(New(Interval{2, 5})))
}

// TestRangeAlgebraProperty fuzzes the Boolean algebra invariants over
// random interval sets, as required by the transfer spec's range
// round-trip property.
func TestRangeAlgebraProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	randomSet := func() Set {
		var ivs []Interval
		for i := 0; i < 64; i++ {
			a := uint64(rng.Intn(10000))
			b := uint64(rng.Intn(10000))
			if a > b {
				a, b = b, a
			}
			if a == b {
				continue
			}
			ivs = append(ivs, Interval{a, b})
		}
		return New(ivs...)
	}
	for i := 0; i < 50; i++ {
		a, b := randomSet(), randomSet()
		union := a.Union(b)
		inter := a.Intersection(b)
		for x := uint64(0); x < 10000; x += 37 {
			want := a.Contains(x) || b.Contains(x)
			assert.Equal(t, want, union.Contains(x))
			want = a.Contains(x) && b.Contains(x)
			assert.Equal(t, want, inter.Contains(x))
			assert.Equal(t, !a.Contains(x), a.Complement().Contains(x))
		}
	}
}
