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
	"fmt"

	varint "github.com/multiformats/go-varint"
)

// ChunkSize is the fixed BLAKE3 chunk size in bytes.
const ChunkSize = 1024

// Spec is a Set interpreted over chunk indices rather than byte offsets.
type Spec struct {
	Set
}

// SpecAll is the RangeSpec requesting every chunk of a blob.
func SpecAll() Spec { return Spec{All()} }

// SpecEmpty is the RangeSpec requesting nothing.
func SpecEmpty() Spec { return Spec{Empty()} }

// SpecFromBytes builds a RangeSpec covering every chunk touched by the
// given byte-offset RangeSet.
func SpecFromBytes(bytesSet Set) Spec {
	return Spec{BytesToChunks(bytesSet, ChunkSize)}
}

// Encode serializes the spec as a delta-encoded sequence of chunk-index
// boundaries, using varint for each delta. "all" and "empty" have
// compact singleton encodings (a single boundary of 0, or zero
// boundaries at all).
//
// Encoding: varint(count of boundaries) followed by each boundary as a
// varint delta from the previous one (first delta is from 0). A set
// whose last interval is unbounded omits that interval's end, so
// bounded sets always emit an even number of boundaries and sets with
// an open tail an odd number, mirroring
// range_collections' convention of alternating in/out runs starting
// "not included".
func (sp Spec) Encode() []byte {
	bounds := boundaries(sp.Set)
	buf := varint.ToUvarint(uint64(len(bounds)))
	prev := uint64(0)
	for _, b := range bounds {
		buf = append(buf, varint.ToUvarint(b-prev)...)
		prev = b
	}
	return buf
}

// Decode parses the wire form produced by Encode.
func Decode(b []byte) (Spec, int, error) {
	count, n, err := varint.FromUvarint(b)
	if err != nil {
		return Spec{}, 0, fmt.Errorf("rangeset: decode spec count: %w", err)
	}
	off := n
	bounds := make([]uint64, 0, count)
	prev := uint64(0)
	for i := uint64(0); i < count; i++ {
		delta, n, err := varint.FromUvarint(b[off:])
		if err != nil {
			return Spec{}, 0, fmt.Errorf("rangeset: decode spec boundary %d: %w", i, err)
		}
		prev += delta
		bounds = append(bounds, prev)
		off += n
	}
	return Spec{fromBoundaries(bounds)}, off, nil
}

// boundaries returns the toggle points of the set: start,end,start,end...
// An open-ended final interval contributes only its start, giving an odd
// total length.
func boundaries(s Set) []uint64 {
	var out []uint64
	for _, iv := range s.intervals {
		out = append(out, iv.Start)
		if iv.End == maxEnd {
			return out
		}
		out = append(out, iv.End)
	}
	return out
}

// fromBoundaries is the inverse of boundaries.
func fromBoundaries(bounds []uint64) Set {
	var intervals []Interval
	for i := 0; i+1 < len(bounds); i += 2 {
		intervals = append(intervals, Interval{Start: bounds[i], End: bounds[i+1]})
	}
	if len(bounds)%2 == 1 {
		intervals = append(intervals, Interval{Start: bounds[len(bounds)-1], End: maxEnd})
	}
	return Set{intervals: intervals}
}
