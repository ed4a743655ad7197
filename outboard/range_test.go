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

package outboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/blobfetch/rangeset"
)

// rangeStep is one unit a range-aware provider would send: either a
// parent pair or a chunk.
type rangeStep struct {
	isChunk bool
	node    [64]byte
	chunk   []byte
}

// buildRangeSteps walks the same pre-order shape the Verifier walks,
// skipping any subtree that does not overlap requested, to produce
// exactly the steps a correct provider would send for a resumed
// request. It mirrors Verifier's own traversal decision so the test
// exercises genuinely independent data (full data, full outboard)
// filtered the way the wire protocol would filter it.
func buildRangeSteps(data []byte, requested rangeset.Set) []rangeStep {
	total := chunkCount(uint64(len(data)))
	var steps []rangeStep
	inRange := func(chunkStart, count uint64) bool {
		start := chunkStart * ChunkSize
		end := start + count*ChunkSize
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		if end <= start {
			end = start + 1
		}
		return !requested.Intersection(rangeset.New(rangeset.Interval{Start: start, End: end})).IsEmpty()
	}
	var emit func(chunkStart, count uint64, isRoot bool) [8]uint32
	emit = func(chunkStart, count uint64, isRoot bool) [8]uint32 {
		if count == 1 {
			start := chunkStart * ChunkSize
			end := start + ChunkSize
			if end > uint64(len(data)) {
				end = uint64(len(data))
			}
			steps = append(steps, rangeStep{isChunk: true, chunk: append([]byte(nil), data[start:end]...)})
			return hashChunk(data[start:end], chunkStart, isRoot)
		}
		leftLen := leftLenChunks(count)
		rightLen := count - leftLen
		leftCV := chainingValue(data, chunkStart, leftLen)
		rightCV := chainingValue(data, chunkStart+leftLen, rightLen)

		var node [64]byte
		lb := wordsToBytes(leftCV)
		rb := wordsToBytes(rightCV)
		copy(node[:32], lb[:])
		copy(node[32:], rb[:])
		steps = append(steps, rangeStep{node: node})

		if inRange(chunkStart, leftLen) {
			emit(chunkStart, leftLen, false)
		}
		if inRange(chunkStart+leftLen, rightLen) {
			emit(chunkStart+leftLen, rightLen, false)
		}
		return hashParent(leftCV, rightCV, isRoot)
	}
	emit(0, total, true)
	return steps
}

type stepSource struct {
	steps []rangeStep
	idx   int
}

func (s *stepSource) ReadParentPair() ([64]byte, error) {
	n := s.steps[s.idx].node
	s.idx++
	return n, nil
}

func (s *stepSource) ReadChunk(_ uint64) ([]byte, error) {
	c := s.steps[s.idx].chunk
	s.idx++
	return c, nil
}

func TestVerifierRangeResumesTail(t *testing.T) {
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i * 13 % 251)
	}
	_, root := Encode(data)

	const resumeFrom = 6000
	requested := rangeset.New(rangeset.Interval{Start: resumeFrom, End: ^uint64(0)})
	steps := buildRangeSteps(data, requested)

	verifier := NewVerifierRange(uint64(len(data)), root, requested)
	out := newBufWriterAt(len(data))
	// Pre-seed the portion we "already have" so only the tail is compared.
	copy(out.buf[:resumeFrom], data[:resumeFrom])
	w := &VerifyingWriter{v: verifier, out: out}

	require.NoError(t, w.StreamAll(&stepSource{steps: steps}))
	assert.True(t, verifier.Done())
	assert.Equal(t, data, out.buf)
}

func TestVerifierRangeRejectsCorruptTail(t *testing.T) {
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i)
	}
	_, root := Encode(data)

	corrupt := append([]byte(nil), data...)
	corrupt[9000] ^= 0x01

	const resumeFrom = 6000
	requested := rangeset.New(rangeset.Interval{Start: resumeFrom, End: ^uint64(0)})
	steps := buildRangeSteps(corrupt, requested)

	verifier := NewVerifierRange(uint64(len(data)), root, requested)
	out := newBufWriterAt(len(data))
	w := &VerifyingWriter{v: verifier, out: out}

	require.Error(t, w.StreamAll(&stepSource{steps: steps}))
}
