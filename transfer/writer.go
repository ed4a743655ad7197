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

package transfer

import (
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/blobfetch/blobfetcherr"
)

// ProgressFunc is called with the cumulative bytes written for the blob
// currently in flight. The driver resets this count at the start of
// each blob, per spec.
type ProgressFunc func(bytesWritten uint64)

// progressWriterAt wraps an io.WriterAt, forwarding every write
// unchanged and reporting the running total through a bounded
// single-slot channel — writes are never blocked or slowed by a slow or
// absent consumer.
type progressWriterAt struct {
	out   io.WriterAt
	ch    chan<- uint64
	mu    sync.Mutex
	total uint64
}

func newProgressWriterAt(out io.WriterAt, ch chan<- uint64) *progressWriterAt {
	return &progressWriterAt{out: out, ch: ch}
}

func (p *progressWriterAt) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.out.WriteAt(b, off)
	if err != nil {
		return n, err
	}
	p.mu.Lock()
	p.total += uint64(n)
	total := p.total
	p.mu.Unlock()
	if p.ch != nil {
		trySend(p.ch, total)
	}
	return n, nil
}

// trySend implements drop-oldest delivery into a size-1 channel: if the
// channel is full, its stale value is discarded before the new one is
// offered, so a slow consumer never backpressures the writer.
func trySend(ch chan<- uint64, v uint64) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// withProgress drives body with a channel that, when onProgress is
// non-nil, feeds a consumer goroutine managed by an errgroup.Group; the
// channel is closed and the consumer joined before withProgress returns,
// so a caller that renames a file immediately afterward can never race
// the last progress update.
func withProgress(onProgress ProgressFunc, body func(ch chan uint64) error) error {
	if onProgress == nil {
		return body(nil)
	}
	ch := make(chan uint64, 1)
	var g errgroup.Group
	g.Go(func() error {
		for v := range ch {
			onProgress(v)
		}
		return nil
	})
	bodyErr := body(ch)
	close(ch)
	waitErr := g.Wait()
	if bodyErr != nil {
		return bodyErr
	}
	return waitErr
}

// sequentialWriterAt adapts a plain io.Writer (e.g. stdout) to
// io.WriterAt for the streaming-to-stdout mode, which has no file to
// seek in and so requires writes to arrive in strictly increasing
// offset order — true for any full (non-resumed) fetch, since chunks
// are produced by the verifier in ascending order.
type sequentialWriterAt struct {
	w      io.Writer
	cursor int64
}

func newSequentialWriterAt(w io.Writer) *sequentialWriterAt {
	return &sequentialWriterAt{w: w}
}

func (s *sequentialWriterAt) WriteAt(b []byte, off int64) (int, error) {
	if off != s.cursor {
		return 0, blobfetcherr.New(blobfetcherr.KindProtocol, "transfer.sequentialWriterAt.WriteAt",
			io.ErrShortWrite)
	}
	n, err := s.w.Write(b)
	s.cursor += int64(n)
	return n, err
}
