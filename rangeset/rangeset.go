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

// Package rangeset implements a canonical, disjoint, ascending set of
// half-open intervals over [0, infinity). It backs both byte-range
// requests and chunk-index RangeSpecs; RoaringBitmap-style dense bitmaps
// were considered and dropped for this role because RangeSet must
// represent the unbounded "all" tail, which a fixed-width bitmap cannot
// express compactly — see DESIGN.md.
package rangeset

import (
	"fmt"

	"github.com/flowmesh/blobfetch/internal/mathutil"
)

// Interval is a half-open [Start, End) range. End == maxEnd means "to
// infinity".
type Interval struct {
	Start uint64
	End   uint64 // exclusive; maxEnd marks unbounded
}

// maxEnd is the sentinel marking an interval's end as +infinity.
const maxEnd = ^uint64(0)

// Set is a canonical ascending, disjoint, merged set of Intervals.
type Set struct {
	intervals []Interval
}

// Empty returns the empty RangeSet.
func Empty() Set { return Set{} }

// All returns the RangeSet covering [0, infinity).
func All() Set {
	return Set{intervals: []Interval{{Start: 0, End: maxEnd}}}
}

// New builds a Set from arbitrary (possibly overlapping, unordered)
// intervals, normalizing them into canonical form.
func New(intervals ...Interval) Set {
	var s Set
	for _, iv := range intervals {
		s = s.Union(Set{intervals: []Interval{iv}})
	}
	return s
}

// IsEmpty reports whether the set has no intervals.
func (s Set) IsEmpty() bool { return len(s.intervals) == 0 }

// IsAll reports whether the set is exactly [0, infinity).
func (s Set) IsAll() bool {
	return len(s.intervals) == 1 && s.intervals[0].Start == 0 && s.intervals[0].End == maxEnd
}

// Intervals returns the canonical ascending intervals making up the set.
// The returned slice must not be mutated.
func (s Set) Intervals() []Interval { return s.intervals }

// Contains reports whether x lies in the set.
func (s Set) Contains(x uint64) bool {
	for _, iv := range s.intervals {
		if x >= iv.Start && x < iv.End {
			return true
		}
		if x < iv.Start {
			break
		}
	}
	return false
}

// Union returns the union of s and o.
func (s Set) Union(o Set) Set {
	merged := mergeSorted(s.intervals, o.intervals)
	return Set{intervals: normalize(merged)}
}

// Intersection returns the intersection of s and o.
func (s Set) Intersection(o Set) Set {
	var out []Interval
	i, j := 0, 0
	for i < len(s.intervals) && j < len(o.intervals) {
		a, b := s.intervals[i], o.intervals[j]
		start := a.Start
		if b.Start > start {
			start = b.Start
		}
		end := a.End
		if b.End < end {
			end = b.End
		}
		if start < end {
			out = append(out, Interval{Start: start, End: end})
		}
		if a.End < b.End {
			i++
		} else {
			j++
		}
	}
	return Set{intervals: out}
}

// Complement returns the complement of s within [0, infinity).
func (s Set) Complement() Set {
	var out []Interval
	cursor := uint64(0)
	for _, iv := range s.intervals {
		if iv.Start > cursor {
			out = append(out, Interval{Start: cursor, End: iv.Start})
		}
		cursor = iv.End
	}
	if cursor != maxEnd {
		out = append(out, Interval{Start: cursor, End: maxEnd})
	}
	return Set{intervals: out}
}

// Equal reports whether s and o contain exactly the same intervals.
func (s Set) Equal(o Set) bool {
	if len(s.intervals) != len(o.intervals) {
		return false
	}
	for i := range s.intervals {
		if s.intervals[i] != o.intervals[i] {
			return false
		}
	}
	return true
}

func (s Set) String() string {
	if s.IsAll() {
		return "all"
	}
	if s.IsEmpty() {
		return "empty"
	}
	out := "{"
	for i, iv := range s.intervals {
		if i > 0 {
			out += ", "
		}
		if iv.End == maxEnd {
			out += fmt.Sprintf("[%d,inf)", iv.Start)
		} else {
			out += fmt.Sprintf("[%d,%d)", iv.Start, iv.End)
		}
	}
	return out + "}"
}

// mergeSorted merges two already-canonical interval slices into one
// sorted (but not yet coalesced) slice.
func mergeSorted(a, b []Interval) []Interval {
	out := make([]Interval, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Start <= b[j].Start {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// normalize sorts-by-start (already done by caller) and merges
// overlapping or contiguous intervals, dropping empty ones.
func normalize(in []Interval) []Interval {
	var out []Interval
	for _, iv := range in {
		if iv.Start >= iv.End {
			continue
		}
		if len(out) > 0 && iv.Start <= out[len(out)-1].End {
			if iv.End > out[len(out)-1].End {
				out[len(out)-1].End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// FirstMissingByte returns the first offset not contained in the set,
// used by the resume planner when the underlying filesystem cannot
// represent sparse files and only contiguous-prefix resume is possible.
func FirstMissingByte(have Set) uint64 {
	if have.IsEmpty() {
		return 0
	}
	first := have.intervals[0]
	if first.Start != 0 {
		return 0
	}
	return first.End
}

// BytesToChunks expands a byte-offset RangeSet to the set of chunk
// indices touched by any byte in it, given the fixed chunkSize.
func BytesToChunks(bytesSet Set, chunkSize uint64) Set {
	var out []Interval
	for _, iv := range bytesSet.intervals {
		startChunk := iv.Start / chunkSize
		var endChunk uint64
		if iv.End == maxEnd {
			endChunk = maxEnd
		} else {
			endChunk = mathutil.CeilDiv(iv.End, chunkSize)
		}
		out = append(out, Interval{Start: startChunk, End: endChunk})
	}
	return Set{intervals: normalize(out)}
}

// ChunksToBytes converts a chunk-index RangeSet back to byte offsets,
// clipping the final chunk at size.
func ChunksToBytes(chunkSet Set, chunkSize, size uint64) Set {
	var out []Interval
	for _, iv := range chunkSet.intervals {
		start := iv.Start * chunkSize
		var end uint64
		if iv.End == maxEnd {
			end = size
		} else {
			end = mathutil.Min(iv.End*chunkSize, size)
		}
		start = mathutil.Min(start, size)
		out = append(out, Interval{Start: start, End: end})
	}
	return Set{intervals: normalize(out)}
}
