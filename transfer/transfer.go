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

// Package transfer implements the three fetch modes (single blob to a
// file, collection to a directory, either to a plain stream) on top of
// getmachine's protocol driver and resume's disk-state planner: it owns
// the filesystem staging, writer composition, and progress plumbing
// neither of those packages is responsible for.
package transfer

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"

	"github.com/flowmesh/blobfetch/biconn"
	"github.com/flowmesh/blobfetch/blobfetcherr"
	"github.com/flowmesh/blobfetch/blobhash"
	"github.com/flowmesh/blobfetch/collection"
	"github.com/flowmesh/blobfetch/getmachine"
	"github.com/flowmesh/blobfetch/obslog"
	"github.com/flowmesh/blobfetch/outboard"
	"github.com/flowmesh/blobfetch/rangeset"
	"github.com/flowmesh/blobfetch/resume"
	"github.com/flowmesh/blobfetch/wire"
)

// maxCollectionSize is the defensive cap on a collection blob's declared
// size: the wire protocol carries no such limit itself.
const maxCollectionSize = 64 * 1024 * 1024

// DefaultTempDirName is the conventional subdirectory of out_dir used
// for in-progress ".data.part"/".outboard.part" files.
const DefaultTempDirName = ".blobfetch-tmp"

// Stats is the terminal result of one driver invocation.
type Stats struct {
	BytesRead uint64
}

// Driver runs fetches against an injected filesystem and logger, so
// every test in this package runs against afero.NewMemMapFs() with no
// real disk or network I/O.
type Driver struct {
	fs      afero.Fs
	planner *resume.Planner
	log     *obslog.Logger
}

// NewDriver builds a Driver. log may be obslog.NewNop().
func NewDriver(fs afero.Fs, log *obslog.Logger) *Driver {
	return &Driver{fs: fs, planner: resume.NewPlanner(fs), log: log}
}

func nameOrHex(name string, h blobhash.Hash) string {
	if name == "" {
		return h.Hex()
	}
	return name
}

// FetchSingle implements single-to-file: rootHash names one plain blob
// (not a collection). onProgress may be nil.
func (d *Driver) FetchSingle(stream biconn.Stream, rootHash blobhash.Hash, outDir, tempDir string, onProgress ProgressFunc) (Stats, error) {
	log := d.log.With("transfer.FetchSingle", rootHash.Hex(), outDir)
	name := rootHash.Hex()

	missing, err := d.planner.GetMissingRange(rootHash, name, tempDir, outDir)
	if err != nil {
		return Stats{}, err
	}
	if missing.IsEmpty() {
		log.Debug("already complete, no-op")
		return Stats{}, nil
	}

	req := wire.GetRequest{RootHash: rootHash, Ranges: rangeset.SeqSingle(rangeset.SpecFromBytes(missing))}
	connected, err := getmachine.NewInitial(stream).SendRequest(req)
	if err != nil {
		return Stats{}, err
	}
	next, err := connected.Next()
	if err != nil {
		return Stats{}, err
	}
	if next.Closing != nil {
		stats, err := next.Closing.Finish().Next()
		return Stats{BytesRead: stats.BytesRead}, err
	}
	if next.StartRoot == nil {
		return Stats{}, blobfetcherr.New(blobfetcherr.KindProtocol, "transfer.FetchSingle", fmt.Errorf("expected StartRoot, got StartChild"))
	}

	content, _, err := next.StartRoot.Next(rootHash).Next()
	if err != nil {
		return Stats{}, err
	}

	endBlob, err := d.writeBlobContent(content, rootHash, tempDir, missing, onProgress)
	if err != nil {
		return Stats{}, err
	}

	endNext, err := endBlob.Next()
	if err != nil {
		return Stats{}, err
	}
	if endNext.Closing == nil {
		return Stats{}, blobfetcherr.New(blobfetcherr.KindProtocol, "transfer.FetchSingle", fmt.Errorf("unexpected additional blob in single-blob fetch"))
	}

	if err := d.commitBlob(rootHash, name, outDir, tempDir, log); err != nil {
		return Stats{}, err
	}
	if err := d.removeTempDirIfEmpty(tempDir); err != nil {
		log.Error("temp dir cleanup failed", err)
	}

	stats, err := endNext.Closing.Finish().Next()
	return Stats{BytesRead: stats.BytesRead}, err
}

// FetchCollection implements collection-to-directory: rootHash names a
// collection blob whose entries are materialized under outDir.
func (d *Driver) FetchCollection(stream biconn.Stream, rootHash blobhash.Hash, outDir, tempDir string, onProgress ProgressFunc) (Stats, error) {
	log := d.log.With("transfer.FetchCollection", rootHash.Hex(), outDir)

	seq, cachedColl, err := d.planner.GetMissingRanges(rootHash, outDir, tempDir)
	if err != nil {
		return Stats{}, err
	}

	req := wire.GetRequest{RootHash: rootHash, Ranges: seq}
	connected, err := getmachine.NewInitial(stream).SendRequest(req)
	if err != nil {
		return Stats{}, err
	}
	connNext, err := connected.Next()
	if err != nil {
		return Stats{}, err
	}

	var bytesRead uint64
	var totalBlobsSize uint64
	coll := cachedColl
	var startChild *getmachine.AtStartChild
	var closing *getmachine.Closing

	switch {
	case connNext.StartRoot != nil:
		content, _, err := connNext.StartRoot.Next(rootHash).Next()
		if err != nil {
			return Stats{}, err
		}
		if content.Size() > maxCollectionSize {
			return Stats{}, blobfetcherr.New(blobfetcherr.KindProtocol, "transfer.FetchCollection",
				fmt.Errorf("collection size %d exceeds max %d", content.Size(), maxCollectionSize))
		}
		collBytes, endBlob, err := content.ConcatenateIntoBytes()
		if err != nil {
			return Stats{}, err
		}
		coll, err = collection.FromBytes(collBytes)
		if err != nil {
			return Stats{}, err
		}
		if err := d.fs.MkdirAll(tempDir, 0o755); err != nil {
			return Stats{}, blobfetcherr.New(blobfetcherr.KindResource, "transfer.FetchCollection", err)
		}
		if err := afero.WriteFile(d.fs, resume.DataPartPath(tempDir, rootHash), collBytes, 0o644); err != nil {
			return Stats{}, blobfetcherr.New(blobfetcherr.KindResource, "transfer.FetchCollection", err)
		}
		endNext, err := endBlob.Next()
		if err != nil {
			return Stats{}, err
		}
		startChild, closing = endNext.MoreChildren, endNext.Closing
	case connNext.StartChild != nil:
		startChild = connNext.StartChild
	case connNext.Closing != nil:
		closing = connNext.Closing
	}

	for startChild != nil {
		idx := startChild.ChildOffset()
		entry, ok := coll.Get(int(idx))
		if !ok {
			n, err := startChild.Finish().Finish().Next()
			bytesRead += n.BytesRead
			return Stats{BytesRead: bytesRead}, err
		}
		name := nameOrHex(entry.Name, entry.Hash)

		content, size, err := startChild.Next(entry.Hash).Next()
		if err != nil {
			return Stats{}, err
		}
		totalBlobsSize += size
		coll.SetTotalBlobsSize(totalBlobsSize)
		requested := rangeset.ChunksToBytes(seq.At(int(idx)+1).Set, rangeset.ChunkSize, size)

		endBlob, err := d.writeBlobContent(content, entry.Hash, tempDir, requested, onProgress)
		if err != nil {
			return Stats{}, err
		}

		if err := d.commitBlob(entry.Hash, name, outDir, tempDir, log); err != nil {
			return Stats{}, err
		}

		endNext, err := endBlob.Next()
		if err != nil {
			return Stats{}, err
		}
		startChild, closing = endNext.MoreChildren, endNext.Closing
	}

	if closing == nil {
		return Stats{}, blobfetcherr.New(blobfetcherr.KindProtocol, "transfer.FetchCollection", fmt.Errorf("expected Closing after children"))
	}
	stats, err := closing.Finish().Next()
	bytesRead += stats.BytesRead
	if err != nil {
		return Stats{BytesRead: bytesRead}, err
	}

	if err := d.removeTempDirRecursive(tempDir); err != nil {
		log.Error("temp dir cleanup failed", err)
	}
	return Stats{BytesRead: bytesRead}, nil
}

// FetchToWriter implements streaming-to-stdout: no filesystem state is
// touched, so no resume is possible. If single is true, rootHash is
// fetched as one plain blob; otherwise it is a collection and every
// child is streamed to w, concatenated, in collection order.
func (d *Driver) FetchToWriter(stream biconn.Stream, rootHash blobhash.Hash, single bool, w io.Writer) (Stats, error) {
	var seq rangeset.Seq
	if single {
		seq = rangeset.SeqSingle(rangeset.SpecAll())
	} else {
		seq = rangeset.SeqAll()
	}
	req := wire.GetRequest{RootHash: rootHash, Ranges: seq}
	connected, err := getmachine.NewInitial(stream).SendRequest(req)
	if err != nil {
		return Stats{}, err
	}
	next, err := connected.Next()
	if err != nil {
		return Stats{}, err
	}
	if next.Closing != nil {
		stats, err := next.Closing.Finish().Next()
		return Stats{BytesRead: stats.BytesRead}, err
	}
	if next.StartRoot == nil {
		return Stats{}, blobfetcherr.New(blobfetcherr.KindProtocol, "transfer.FetchToWriter", fmt.Errorf("expected StartRoot"))
	}

	content, _, err := next.StartRoot.Next(rootHash).Next()
	if err != nil {
		return Stats{}, err
	}

	if single {
		endBlob, err := content.WriteAll(newSequentialWriterAt(w), rangeset.All())
		if err != nil {
			return Stats{}, err
		}
		endNext, err := endBlob.Next()
		if err != nil {
			return Stats{}, err
		}
		if endNext.Closing == nil {
			return Stats{}, blobfetcherr.New(blobfetcherr.KindProtocol, "transfer.FetchToWriter", fmt.Errorf("unexpected additional blob"))
		}
		stats, err := endNext.Closing.Finish().Next()
		return Stats{BytesRead: stats.BytesRead}, err
	}

	if content.Size() > maxCollectionSize {
		return Stats{}, blobfetcherr.New(blobfetcherr.KindProtocol, "transfer.FetchToWriter",
			fmt.Errorf("collection size %d exceeds max %d", content.Size(), maxCollectionSize))
	}
	collBytes, endBlob, err := content.ConcatenateIntoBytes()
	if err != nil {
		return Stats{}, err
	}
	coll, err := collection.FromBytes(collBytes)
	if err != nil {
		return Stats{}, err
	}
	cNext, err := endBlob.Next()
	if err != nil {
		return Stats{}, err
	}

	var bytesRead uint64
	for cNext.MoreChildren != nil {
		startChild := cNext.MoreChildren
		idx := startChild.ChildOffset()
		entry, ok := coll.Get(int(idx))
		if !ok {
			n, err := startChild.Finish().Finish().Next()
			bytesRead += n.BytesRead
			return Stats{BytesRead: bytesRead}, err
		}
		childContent, _, err := startChild.Next(entry.Hash).Next()
		if err != nil {
			return Stats{}, err
		}
		childEnd, err := childContent.WriteAll(newSequentialWriterAt(w), rangeset.All())
		if err != nil {
			return Stats{}, err
		}
		cNext, err = childEnd.Next()
		if err != nil {
			return Stats{}, err
		}
	}
	if cNext.Closing == nil {
		return Stats{}, blobfetcherr.New(blobfetcherr.KindProtocol, "transfer.FetchToWriter", fmt.Errorf("expected Closing after children"))
	}
	stats, err := cNext.Closing.Finish().Next()
	bytesRead += stats.BytesRead
	return Stats{BytesRead: bytesRead}, err
}

// writeBlobContent streams one blob's verified bytes to
// tempDir/<hex>.data.part (and its outboard, if the blob spans more
// than one chunk), fsyncing the data file before returning.
func (d *Driver) writeBlobContent(content getmachine.AtBlobContent, hash blobhash.Hash, tempDir string, requested rangeset.Set, onProgress ProgressFunc) (getmachine.AtEndBlob, error) {
	if err := d.fs.MkdirAll(tempDir, 0o755); err != nil {
		return getmachine.AtEndBlob{}, blobfetcherr.New(blobfetcherr.KindResource, "transfer.writeBlobContent", err).WithHash(hash.Hex())
	}

	dataPath := resume.DataPartPath(tempDir, hash)
	dataFile, err := d.fs.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return getmachine.AtEndBlob{}, blobfetcherr.New(blobfetcherr.KindResource, "transfer.writeBlobContent", err).WithPath(dataPath)
	}
	defer dataFile.Close()
	if content.Size() > 0 {
		if err := dataFile.Truncate(int64(content.Size())); err != nil {
			return getmachine.AtEndBlob{}, blobfetcherr.New(blobfetcherr.KindResource, "transfer.writeBlobContent", err).WithPath(dataPath)
		}
	}

	var endBlob getmachine.AtEndBlob
	err = withProgress(onProgress, func(ch chan uint64) error {
		var progressOut io.WriterAt = dataFile
		if ch != nil {
			progressOut = newProgressWriterAt(dataFile, ch)
		}

		if content.Size() > outboard.ChunkSize {
			outboardPath := resume.OutboardPartPath(tempDir, hash)
			outboardFile, err := d.fs.OpenFile(outboardPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return blobfetcherr.New(blobfetcherr.KindResource, "transfer.writeBlobContent", err).WithPath(outboardPath)
			}
			defer outboardFile.Close()
			endBlob, err = content.WriteAllWithOutboard(outboardFile, progressOut, requested)
			return err
		}
		endBlob, err = content.WriteAll(progressOut, requested)
		return err
	})
	if err != nil {
		return getmachine.AtEndBlob{}, err
	}

	if err := dataFile.Sync(); err != nil {
		return getmachine.AtEndBlob{}, blobfetcherr.New(blobfetcherr.KindResource, "transfer.writeBlobContent", err).WithPath(dataPath)
	}
	return endBlob, nil
}

// commitBlob performs the atomic staged commit: rename the temp data
// file into place and best-effort delete the outboard. The data file
// must already be fsynced by the caller.
func (d *Driver) commitBlob(hash blobhash.Hash, name, outDir, tempDir string, log *obslog.Logger) error {
	finalPath := name
	if outDir != "" {
		finalPath = outDir + string(os.PathSeparator) + name
	}
	if dir := dirname(finalPath); dir != "" {
		if err := d.fs.MkdirAll(dir, 0o755); err != nil {
			return blobfetcherr.New(blobfetcherr.KindResource, "transfer.commitBlob", err).WithPath(dir)
		}
	}

	dataPath := resume.DataPartPath(tempDir, hash)
	if err := d.fs.Rename(dataPath, finalPath); err != nil {
		return blobfetcherr.New(blobfetcherr.KindResource, "transfer.commitBlob", err).WithPath(finalPath)
	}

	outboardPath := resume.OutboardPartPath(tempDir, hash)
	if exists, _ := afero.Exists(d.fs, outboardPath); exists {
		if err := d.fs.Remove(outboardPath); err != nil {
			log.Error("outboard cleanup failed", blobfetcherr.New(blobfetcherr.KindResource, "transfer.commitBlob", err).WithPath(outboardPath))
		}
	}
	return nil
}

func (d *Driver) removeTempDirIfEmpty(tempDir string) error {
	entries, err := afero.ReadDir(d.fs, tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) == 0 {
		return d.fs.Remove(tempDir)
	}
	return nil
}

func (d *Driver) removeTempDirRecursive(tempDir string) error {
	return d.fs.RemoveAll(tempDir)
}

func dirname(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == os.PathSeparator {
			return path[:i]
		}
	}
	return ""
}
