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

package tachyon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"testing"

	"github.com/impalatogo/dfscache/fsadapter"
)

// fakeFile is an in-memory fsadapter.NativeFile backed by a byte
// slice, tracking its read position and whether it was closed;
// fakeAdapter counts the opens, so tests can observe the
// drain-then-reopen protocol from the outside.
type fakeFile struct {
	data   []byte
	pos    int64
	closed bool
}

func (f *fakeFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}
func (f *fakeFile) Write(p []byte) (int, error) { return 0, errors.New("fakeFile: read-only") }
func (f *fakeFile) Seek(offset int64, whence int) (int64, error) {
	f.pos = offset
	return f.pos, nil
}
func (f *fakeFile) Sync() error  { return nil }
func (f *fakeFile) Close() error { f.closed = true; return nil }
func (f *fakeFile) Name() string { return "fake" }

type fakeAdapter struct {
	d         fsadapter.Descriptor
	data      []byte
	openCount int
	openErr   error
}

func (a *fakeAdapter) Descriptor() fsadapter.Descriptor { return a.d }

func (a *fakeAdapter) Open(ctx context.Context, remotePath string, flags fsadapter.OpenFlag, bufSize, blockSize, replication int) (fsadapter.NativeFile, error) {
	a.openCount++
	if a.openErr != nil {
		return nil, a.openErr
	}
	return &fakeFile{data: a.data}, nil
}

func (a *fakeAdapter) Exists(ctx context.Context, remotePath string) (bool, error) { return true, nil }
func (a *fakeAdapter) GetFileStatus(ctx context.Context, remotePath string) (fsadapter.FileStatus, error) {
	return fsadapter.FileStatus{Path: remotePath, Size: int64(len(a.data))}, nil
}
func (a *fakeAdapter) ListStatus(ctx context.Context, dirPath string) ([]fsadapter.FileStatus, error) {
	return nil, nil
}
func (a *fakeAdapter) GetFileBlockLocations(ctx context.Context, remotePath string, offset, length int64) ([]fsadapter.BlockLocation, error) {
	return nil, nil
}
func (a *fakeAdapter) CreateDirectory(ctx context.Context, dirPath string) error { return nil }
func (a *fakeAdapter) Rename(ctx context.Context, from, to string) error        { return nil }
func (a *fakeAdapter) Delete(ctx context.Context, path string, recursive bool) error {
	return nil
}
func (a *fakeAdapter) Copy(ctx context.Context, from, to string) error { return nil }
func (a *fakeAdapter) Move(ctx context.Context, from, to string) error { return nil }
func (a *fakeAdapter) Chown(ctx context.Context, path, owner, group string) error {
	return nil
}
func (a *fakeAdapter) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	return nil
}
func (a *fakeAdapter) SetReplication(ctx context.Context, path string, replication int) error {
	return nil
}
func (a *fakeAdapter) GetCapacity(ctx context.Context) (int64, error) { return 0, nil }
func (a *fakeAdapter) GetUsed(ctx context.Context) (int64, error)     { return 0, nil }
func (a *fakeAdapter) GetDefaultBlockSize() int64                     { return 4096 }

func TestReadOnlyOpenDrainsThenReopens(t *testing.T) {
	inner := &fakeAdapter{data: bytes.Repeat([]byte{'x'}, 1024)}
	wrapped := Wrap(inner)

	f, err := wrapped.Open(context.Background(), "/obj", fsadapter.ReadOnly, 0, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if inner.openCount != 2 {
		t.Fatalf("expected inner.Open called twice (drain + reopen), got %d", inner.openCount)
	}
	// the handle returned to the caller must start fresh at offset 0
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 1024 {
		t.Fatalf("expected full object readable after reopen, got %d bytes", len(got))
	}
}

func TestWriteOpenBypassesDrain(t *testing.T) {
	inner := &fakeAdapter{data: []byte("hello")}
	wrapped := Wrap(inner)

	_, err := wrapped.Open(context.Background(), "/obj", fsadapter.WriteOnly, 0, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if inner.openCount != 1 {
		t.Fatalf("expected a write open to call inner.Open exactly once, got %d", inner.openCount)
	}
}

func TestOpenErrorAbortsWithoutReopen(t *testing.T) {
	inner := &fakeAdapter{openErr: errors.New("connection reset")}
	wrapped := Wrap(inner)

	_, err := wrapped.Open(context.Background(), "/obj", fsadapter.ReadOnly, 0, 0, 0)
	if err == nil {
		t.Fatal("expected an error from a failing underlying open")
	}
	if inner.openCount != 1 {
		t.Fatalf("expected no reopen attempt after the initial open failed, got %d calls", inner.openCount)
	}
}

func TestDialerWrapsBaseDialer(t *testing.T) {
	base := func(ctx context.Context, d fsadapter.Descriptor) (fsadapter.Adapter, error) {
		return &fakeAdapter{d: d, data: []byte("abc")}, nil
	}
	dialer := Dialer(base)
	a, err := dialer(context.Background(), fsadapter.Descriptor{DFSType: fsadapter.Tachyon, Host: "worker1"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, ok := a.(*adapter); !ok {
		t.Fatalf("expected dialer to return a tachyon-wrapped adapter, got %T", a)
	}
}
