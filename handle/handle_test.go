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

package handle

import (
	"context"
	"io"
	"io/fs"
	"sync"
	"testing"

	"github.com/impalatogo/dfscache/cacheconfig"
	"github.com/impalatogo/dfscache/cachefile"
	"github.com/impalatogo/dfscache/fsadapter"
	"github.com/impalatogo/dfscache/registry"
)

// memFile is an in-memory fsadapter.NativeFile backing fakeAdapter's
// writable opens, so Write/Rename/Delete calls have somewhere to land
// without touching the real filesystem.
type memFile struct {
	mu    *sync.Mutex
	data  *[]byte // local copy; Write flushes it back into owner.files
	pos   int64
	path  string
	owner *fakeAdapter
}

func (f *memFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= int64(len(*f.data)) {
		return 0, io.EOF
	}
	n := copy(p, (*f.data)[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	needed := f.pos + int64(len(p))
	if needed > int64(len(*f.data)) {
		grown := make([]byte, needed)
		copy(grown, *f.data)
		*f.data = grown
	}
	n := copy((*f.data)[f.pos:], p)
	f.pos += int64(n)
	if f.owner != nil {
		f.owner.files[f.path] = *f.data
	}
	return n, nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(len(*f.data)) + offset
	}
	return f.pos, nil
}

func (f *memFile) Sync() error  { return nil }
func (f *memFile) Close() error { return nil }
func (f *memFile) Name() string { return "mem" }

type fakeAdapter struct {
	d fsadapter.Descriptor

	mu      sync.Mutex
	files   map[string][]byte
	dirs    map[string]bool
	renamed map[string]string
}

func newFakeAdapter(d fsadapter.Descriptor) *fakeAdapter {
	return &fakeAdapter{d: d, files: map[string][]byte{}, dirs: map[string]bool{}, renamed: map[string]string{}}
}

func (a *fakeAdapter) Descriptor() fsadapter.Descriptor { return a.d }

func (a *fakeAdapter) Open(ctx context.Context, remotePath string, flags fsadapter.OpenFlag, bufSize, blockSize, replication int) (fsadapter.NativeFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.files[remotePath]; !ok {
		if flags == fsadapter.ReadOnly {
			return nil, fs.ErrNotExist
		}
		a.files[remotePath] = nil
	}
	entry := a.files[remotePath]
	return &memFile{mu: &a.mu, data: &entry, path: remotePath, owner: a}, nil
}

func (a *fakeAdapter) Exists(ctx context.Context, remotePath string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.files[remotePath]
	return ok, nil
}

func (a *fakeAdapter) GetFileStatus(ctx context.Context, remotePath string) (fsadapter.FileStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.files[remotePath]
	if !ok {
		return fsadapter.FileStatus{}, fs.ErrNotExist
	}
	return fsadapter.FileStatus{Path: remotePath, Size: int64(len(data))}, nil
}

func (a *fakeAdapter) ListStatus(ctx context.Context, dirPath string) ([]fsadapter.FileStatus, error) {
	return nil, nil
}

func (a *fakeAdapter) GetFileBlockLocations(ctx context.Context, remotePath string, offset, length int64) ([]fsadapter.BlockLocation, error) {
	return []fsadapter.BlockLocation{{Offset: offset, Length: length, Hosts: []string{"h1"}}}, nil
}

func (a *fakeAdapter) CreateDirectory(ctx context.Context, dirPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirs[dirPath] = true
	return nil
}

func (a *fakeAdapter) Rename(ctx context.Context, from, to string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.files[from]
	if !ok {
		return fs.ErrNotExist
	}
	delete(a.files, from)
	a.files[to] = data
	a.renamed[from] = to
	return nil
}

func (a *fakeAdapter) Delete(ctx context.Context, path string, recursive bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.files, path)
	return nil
}

func (a *fakeAdapter) Copy(ctx context.Context, from, to string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.files[from]
	if !ok {
		return fs.ErrNotExist
	}
	a.files[to] = append([]byte(nil), data...)
	return nil
}

func (a *fakeAdapter) Move(ctx context.Context, from, to string) error {
	return a.Rename(ctx, from, to)
}

func (a *fakeAdapter) Chown(ctx context.Context, path, owner, group string) error { return nil }
func (a *fakeAdapter) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	return nil
}
func (a *fakeAdapter) SetReplication(ctx context.Context, path string, replication int) error {
	return nil
}
func (a *fakeAdapter) GetCapacity(ctx context.Context) (int64, error) { return 1 << 30, nil }
func (a *fakeAdapter) GetUsed(ctx context.Context) (int64, error)     { return 1 << 20, nil }
func (a *fakeAdapter) GetDefaultBlockSize() int64                    { return 64 << 20 }

func newTestHandle(t *testing.T) (*registry.Registry, *fakeAdapter, fsadapter.Descriptor) {
	t.Helper()
	d := fsadapter.Descriptor{DFSType: fsadapter.HDFS, Host: "nn1"}
	adapter := newFakeAdapter(d)
	dialers := map[fsadapter.Type]fsadapter.Dialer{
		fsadapter.HDFS: func(ctx context.Context, d fsadapter.Descriptor) (fsadapter.Adapter, error) {
			return adapter, nil
		},
	}
	reg := registry.New(cacheconfig.Config{CacheRoot: t.TempDir(), SizeHardLimitBytes: 1 << 20}, dialers, nil)
	if err := reg.RegisterFileSystem(context.Background(), d); err != nil {
		t.Fatalf("RegisterFileSystem: %v", err)
	}
	return reg, adapter, d
}

func TestReadOnlyOpenServesFromCache(t *testing.T) {
	reg, adapter, d := newTestHandle(t)
	adapter.files["/a"] = []byte("hello cache")

	h, err := Open(context.Background(), reg, d, "/a", fsadapter.ReadOnly, 0, 0, 0, cachefile.Physical, cachefile.RemoteOrigin{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	buf := make([]byte, 5)
	n, err := h.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", buf[:n])
	}
	pos, err := h.Tell()
	if err != nil || pos != 5 {
		t.Fatalf("expected Tell()==5, got %d, %v", pos, err)
	}
}

func TestWriteOpenBypassesCache(t *testing.T) {
	reg, adapter, d := newTestHandle(t)

	h, err := Open(context.Background(), reg, d, "/out", fsadapter.WriteOnly, 0, 0, 0, cachefile.Physical, cachefile.RemoteOrigin{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	adapter.mu.Lock()
	got := string(adapter.files["/out"])
	adapter.mu.Unlock()
	if got != "payload" {
		t.Fatalf("expected adapter to receive the write directly, got %q", got)
	}
}

func TestWriteThroughRemoteBackingMarksCachedFileDirty(t *testing.T) {
	reg, adapter, d := newTestHandle(t)
	adapter.files["/a"] = []byte("v1")

	h1, err := Open(context.Background(), reg, d, "/a", fsadapter.ReadOnly, 0, 0, 0, cachefile.Physical, cachefile.RemoteOrigin{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := io.ReadAll(h1); err != nil {
		t.Fatal(err)
	}
	if err := h1.Close(); err != nil {
		t.Fatal(err)
	}

	f, ok, err := reg.Find(d, "/a", "")
	if err != nil || !ok {
		t.Fatalf("expected the read-only open to populate the cache: ok=%v err=%v", ok, err)
	}
	if f.Dirty(false) {
		t.Fatal("a freshly cached file should not start dirty")
	}

	hw, err := Open(context.Background(), reg, d, "/a", fsadapter.WriteOnly, 0, 0, 0, cachefile.Physical, cachefile.RemoteOrigin{})
	if err != nil {
		t.Fatalf("Open for write: %v", err)
	}
	if _, err := hw.Write([]byte("v2-new-content")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := hw.Close(); err != nil {
		t.Fatal(err)
	}

	if !f.Dirty(false) {
		t.Fatal("expected the write-mode open to flag the cached ManagedFile dirty")
	}

	h2, err := Open(context.Background(), reg, d, "/a", fsadapter.ReadOnly, 0, 0, 0, cachefile.Physical, cachefile.RemoteOrigin{})
	if err != nil {
		t.Fatalf("Open after dirty write: %v", err)
	}
	defer h2.Close()
	got, err := io.ReadAll(h2)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2-new-content" {
		t.Fatalf("expected re-download to observe the new content, got %q", got)
	}
}

func TestCreateFromSelectUploadsOnClose(t *testing.T) {
	reg, adapter, d := newTestHandle(t)
	sink := cachefile.RemoteOrigin{DFSType: string(d.DFSType), Host: d.Host, Port: d.Port, RemotePath: "/ctas-out"}

	h, err := Open(context.Background(), reg, d, "/scratch/ctas", fsadapter.WriteOnly, 0, 0, 0, cachefile.CreateFromSelect, sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.Write([]byte("select result")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, ok := reg.LookupCreateFromSelect(h.b.(*createFromSelectBacking).localPath); !ok {
		t.Fatal("expected the CREATE_FROM_SELECT pair to be registered before Close")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	adapter.mu.Lock()
	got := string(adapter.files["/ctas-out"])
	adapter.mu.Unlock()
	if got != "select result" {
		t.Fatalf("expected the upload to land at the registered sink, got %q", got)
	}

	if _, ok := reg.LookupCreateFromSelect(h.b.(*createFromSelectBacking).localPath); ok {
		t.Fatal("expected the pair to be unregistered after Close")
	}
}

func TestPReadDoesNotDisturbPosition(t *testing.T) {
	reg, adapter, d := newTestHandle(t)
	adapter.files["/b"] = []byte("0123456789")

	h, err := Open(context.Background(), reg, d, "/b", fsadapter.ReadOnly, 0, 0, 0, cachefile.Physical, cachefile.RemoteOrigin{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if _, err := h.Seek(3, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2)
	if _, err := h.PRead(buf, 7); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "78" {
		t.Fatalf("expected PRead at offset 7 to return %q, got %q", "78", buf)
	}
	pos, _ := h.Tell()
	if pos != 3 {
		t.Fatalf("expected position unchanged by PRead, got %d", pos)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	reg, adapter, d := newTestHandle(t)
	adapter.files["/c"] = []byte("x")

	h, err := Open(context.Background(), reg, d, "/c", fsadapter.ReadOnly, 0, 0, 0, cachefile.Physical, cachefile.RemoteOrigin{})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestOperationsAfterCloseFail(t *testing.T) {
	reg, adapter, d := newTestHandle(t)
	adapter.files["/c2"] = []byte("x")

	h, err := Open(context.Background(), reg, d, "/c2", fsadapter.ReadOnly, 0, 0, 0, cachefile.Physical, cachefile.RemoteOrigin{})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected Read after Close to fail")
	}
}

func TestRenameInvalidatesMetadataCache(t *testing.T) {
	reg, adapter, d := newTestHandle(t)
	adapter.files["/old"] = []byte("data")

	if _, err := PathInfo(context.Background(), reg, d, "/old"); err != nil {
		t.Fatalf("PathInfo: %v", err)
	}

	if err := Rename(context.Background(), reg, d, "/old", "/new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := PathInfo(context.Background(), reg, d, "/new"); err != nil {
		t.Fatalf("expected PathInfo to see the renamed path, got %v", err)
	}
}

func TestDeleteThenPathInfoFails(t *testing.T) {
	reg, adapter, d := newTestHandle(t)
	adapter.files["/gone"] = []byte("data")

	if _, err := PathInfo(context.Background(), reg, d, "/gone"); err != nil {
		t.Fatal(err)
	}
	if err := Delete(context.Background(), reg, d, "/gone", false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := PathInfo(context.Background(), reg, d, "/gone"); err == nil {
		t.Fatal("expected PathInfo to fail after Delete (cache invalidated)")
	}
}

func TestCapacityAndBlockSize(t *testing.T) {
	reg, _, d := newTestHandle(t)
	capacity, err := GetCapacity(context.Background(), reg, d)
	if err != nil || capacity != 1<<30 {
		t.Fatalf("GetCapacity: %v, %d", err, capacity)
	}
	used, err := GetUsed(context.Background(), reg, d)
	if err != nil || used != 1<<20 {
		t.Fatalf("GetUsed: %v, %d", err, used)
	}
	blk, err := GetDefaultBlockSize(context.Background(), reg, d)
	if err != nil || blk != 64<<20 {
		t.Fatalf("GetDefaultBlockSize: %v, %d", err, blk)
	}
}

func TestAvailableReflectsRemainingBytes(t *testing.T) {
	reg, adapter, d := newTestHandle(t)
	adapter.files["/avail"] = []byte("0123456789")

	h, err := Open(context.Background(), reg, d, "/avail", fsadapter.ReadOnly, 0, 0, 0, cachefile.Physical, cachefile.RemoteOrigin{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if _, err := h.Seek(4, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	remaining, err := h.Available(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 6 {
		t.Fatalf("expected 6 bytes remaining, got %d", remaining)
	}
}

func TestCreateDirectoryThenListDirectory(t *testing.T) {
	reg, adapter, d := newTestHandle(t)
	if err := CreateDirectory(context.Background(), reg, d, "/sub"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	adapter.mu.Lock()
	created := adapter.dirs["/sub"]
	adapter.mu.Unlock()
	if !created {
		t.Fatal("expected adapter to record the new directory")
	}
	if _, err := ListDirectory(context.Background(), reg, d, "/sub"); err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
}

func TestBlockLocationsReadThrough(t *testing.T) {
	reg, _, d := newTestHandle(t)
	locs, err := BlockLocations(context.Background(), reg, d, "/f", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 1 || locs[0].Hosts[0] != "h1" {
		t.Fatalf("unexpected block locations: %+v", locs)
	}
}
