// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package tachyon decorates any fsadapter.Adapter with the Tachyon
// open-for-read protocol: drain the object completely on open to force
// the backing Tachyon worker to commit it to its own off-heap cache,
// then reopen a fresh handle at offset 0 for the caller. Writes pass
// straight through undecorated.
package tachyon

import (
	"context"
	"io"
	"io/fs"

	"github.com/impalatogo/dfscache/fsadapter"
)

// drainBufSize is the fixed drain-buffer size named in spec.md §4.K:
// large enough to make the drain a handful of reads for any
// block-sized object, small enough not to dominate heap use under
// concurrent opens.
const drainBufSize = 6*1024*1024 + 400*1024 // ~6.4 MiB

// adapter wraps inner, adding the drain-then-reopen protocol to
// ReadOnly opens. Every other method is forwarded unchanged.
type adapter struct {
	inner fsadapter.Adapter
}

// Wrap returns a tachyon-specialized decorator over inner. It does
// not re-dial; inner must already be connected to the target
// descriptor.
func Wrap(inner fsadapter.Adapter) fsadapter.Adapter {
	return &adapter{inner: inner}
}

// Dialer returns an fsadapter.Dialer that dials through base and
// wraps the result with Wrap, for use as the Tachyon entry in a
// registry's dialer table.
func Dialer(base fsadapter.Dialer) fsadapter.Dialer {
	return func(ctx context.Context, d fsadapter.Descriptor) (fsadapter.Adapter, error) {
		a, err := base(ctx, d)
		if err != nil {
			return nil, err
		}
		return Wrap(a), nil
	}
}

func (a *adapter) Descriptor() fsadapter.Descriptor { return a.inner.Descriptor() }

// Open runs the drain-then-reopen protocol for ReadOnly opens (step
// 4 of spec.md §4.K: fileOpen(WRITE) bypasses the drain). Any I/O
// error while draining discards the partially-read handle and returns
// the error without a usable handle, matching the "any I/O error...
// returns null" step 2 behavior.
func (a *adapter) Open(ctx context.Context, remotePath string, flags fsadapter.OpenFlag, bufSize, blockSize, replication int) (fsadapter.NativeFile, error) {
	if flags != fsadapter.ReadOnly {
		return a.inner.Open(ctx, remotePath, flags, bufSize, blockSize, replication)
	}
	first, err := a.inner.Open(ctx, remotePath, flags, bufSize, blockSize, replication)
	if err != nil {
		return nil, err
	}
	if err := drain(first); err != nil {
		first.Close()
		return nil, err
	}
	if err := first.Close(); err != nil {
		return nil, err
	}
	return a.inner.Open(ctx, remotePath, flags, bufSize, blockSize, replication)
}

func drain(f io.Reader) error {
	buf := make([]byte, drainBufSize)
	for {
		_, err := f.Read(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (a *adapter) Exists(ctx context.Context, remotePath string) (bool, error) {
	return a.inner.Exists(ctx, remotePath)
}

func (a *adapter) GetFileStatus(ctx context.Context, remotePath string) (fsadapter.FileStatus, error) {
	return a.inner.GetFileStatus(ctx, remotePath)
}

func (a *adapter) ListStatus(ctx context.Context, dirPath string) ([]fsadapter.FileStatus, error) {
	return a.inner.ListStatus(ctx, dirPath)
}

func (a *adapter) GetFileBlockLocations(ctx context.Context, remotePath string, offset, length int64) ([]fsadapter.BlockLocation, error) {
	return a.inner.GetFileBlockLocations(ctx, remotePath, offset, length)
}

func (a *adapter) CreateDirectory(ctx context.Context, dirPath string) error {
	return a.inner.CreateDirectory(ctx, dirPath)
}

func (a *adapter) Rename(ctx context.Context, from, to string) error {
	return a.inner.Rename(ctx, from, to)
}

func (a *adapter) Delete(ctx context.Context, path string, recursive bool) error {
	return a.inner.Delete(ctx, path, recursive)
}

func (a *adapter) Copy(ctx context.Context, from, to string) error {
	return a.inner.Copy(ctx, from, to)
}

func (a *adapter) Move(ctx context.Context, from, to string) error {
	return a.inner.Move(ctx, from, to)
}

func (a *adapter) Chown(ctx context.Context, path, owner, group string) error {
	return a.inner.Chown(ctx, path, owner, group)
}

func (a *adapter) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	return a.inner.Chmod(ctx, path, mode)
}

func (a *adapter) SetReplication(ctx context.Context, path string, replication int) error {
	return a.inner.SetReplication(ctx, path, replication)
}

func (a *adapter) GetCapacity(ctx context.Context) (int64, error) {
	return a.inner.GetCapacity(ctx)
}

func (a *adapter) GetUsed(ctx context.Context) (int64, error) {
	return a.inner.GetUsed(ctx)
}

func (a *adapter) GetDefaultBlockSize() int64 {
	return a.inner.GetDefaultBlockSize()
}
