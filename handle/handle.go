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

// Package handle implements the scanner-facing file API (spec.md
// §4.J): fileOpen selects a cached local copy when one is valid
// (reading through the registry/loader), or leases a pooled
// connection and opens the remote descriptor directly otherwise
// (every ordinary write-mode open, and any read that the cache can't
// serve yet). A CREATE_FROM_SELECT open is a third path: it writes to
// a local file and registers the remote sink it must be uploaded to,
// and fileClose is what performs that upload. fileClose drops
// whichever of those three resources the handle is holding on every
// exit path.
//
// Directory, permission, namespace, and capacity operations don't
// need an open handle at all in the underlying POSIX-flavored API this
// mirrors, so they're exposed as package-level functions rather than
// methods -- ListDirectory/PathInfo route through the registry's
// bridge (metacache + retry/timeout), while CreateDirectory, Rename,
// Delete, Copy, Chown, Chmod, SetReplication, and the capacity getters
// lease a connection and call straight through to the adapter, since
// fsbridge has no wrapper for mutating calls (spec.md §4.B only names
// exists/getFileStatus/listStatus/getFileBlockLocations as cached).
package handle

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/impalatogo/dfscache/cachefile"
	"github.com/impalatogo/dfscache/cacheerr"
	"github.com/impalatogo/dfscache/connpool"
	"github.com/impalatogo/dfscache/fsadapter"
	"github.com/impalatogo/dfscache/registry"
)

// backing is the single I/O primitive a Handle multiplexes: either a
// pinned cache file on local disk, or a leased remote NativeFile.
type backing interface {
	io.ReaderAt
	io.Reader
	io.Writer
	io.Seeker
	Sync() error
	Close() error
}

// cacheBacking reads a pinned ManagedFile's local artifact directly
// off disk; closing it unpins the file (cachefile.ManagedFile.DecRef)
// rather than deleting anything.
type cacheBacking struct {
	f       *os.File
	managed *cachefile.ManagedFile
}

func (b *cacheBacking) Read(p []byte) (int, error)                { return b.f.Read(p) }
func (b *cacheBacking) ReadAt(p []byte, off int64) (int, error)    { return b.f.ReadAt(p, off) }
func (b *cacheBacking) Write(p []byte) (int, error)                { return b.f.Write(p) }
func (b *cacheBacking) Seek(offset int64, whence int) (int64, error) {
	return b.f.Seek(offset, whence)
}
func (b *cacheBacking) Sync() error { return b.f.Sync() }
func (b *cacheBacking) Close() error {
	err := b.f.Close()
	b.managed.DecRef()
	return err
}

// remoteBacking wraps a leased pooled connection's NativeFile,
// releasing the lease on Close. A NativeFile isn't required to
// implement io.ReaderAt, so PRead falls back to a seek-then-read pair
// guarded by the handle's mutex (remote handles are not expected to
// see concurrent positioned reads the way a local cache file might).
//
// reg/descriptor/remotePath identify, for markDirty's benefit, the same
// (descriptor, remotePath) a ManagedFile might be cached under: a write
// through this backing mutates the real remote object directly, so any
// such ManagedFile needs to be flagged dirty (spec.md §3's dirtyFlag is
// "mutated... by the scanner handle API").
type remoteBacking struct {
	lease      *connpool.Lease
	native     fsadapter.NativeFile
	reg        *registry.Registry
	descriptor fsadapter.Descriptor
	remotePath string
}

func (b *remoteBacking) Read(p []byte) (int, error) { return b.native.Read(p) }
func (b *remoteBacking) ReadAt(p []byte, off int64) (int, error) {
	if ra, ok := b.native.(io.ReaderAt); ok {
		return ra.ReadAt(p, off)
	}
	if _, err := b.native.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return b.native.Read(p)
}
func (b *remoteBacking) Write(p []byte) (int, error) { return b.native.Write(p) }
func (b *remoteBacking) Seek(offset int64, whence int) (int64, error) {
	return b.native.Seek(offset, whence)
}
func (b *remoteBacking) Sync() error { return b.native.Sync() }

// WriteTo forwards to the native file's own WriteTo when it has one
// (io.ReaderAt/io.WriterTo is a property of the concrete NativeFile,
// not of the fsadapter.NativeFile interface, so this has to be a type
// assertion rather than a static method call).
func (b *remoteBacking) WriteTo(w io.Writer) (int64, error) {
	if wt, ok := b.native.(io.WriterTo); ok {
		return wt.WriteTo(w)
	}
	return io.Copy(w, b.native)
}
func (b *remoteBacking) Close() error {
	err := b.native.Close()
	b.lease.Release(err == nil)
	return err
}

// markDirty flags the ManagedFile cached for b's (descriptor,
// remotePath), if any exists, so the next open re-downloads instead of
// serving bytes this write has since invalidated.
func (b *remoteBacking) markDirty() {
	markDirtyIfCached(b.reg, b.descriptor, b.remotePath)
}

// createFromSelectBacking is a CREATE_FROM_SELECT write in progress: a
// plain local file plus the (localPath -> remote sink) registration
// loader.SideTable is holding for it. Reads and writes go straight to
// the local file; Close is what actually performs the upload, per
// spec.md's E6 scenario ("close L through the API... the registration
// is looked up exactly once, and both handles are closed").
type createFromSelectBacking struct {
	ctx       context.Context
	reg       *registry.Registry
	localPath string
	f         *os.File
}

func (b *createFromSelectBacking) Read(p []byte) (int, error)             { return b.f.Read(p) }
func (b *createFromSelectBacking) ReadAt(p []byte, off int64) (int, error) { return b.f.ReadAt(p, off) }
func (b *createFromSelectBacking) Write(p []byte) (int, error)             { return b.f.Write(p) }
func (b *createFromSelectBacking) Seek(offset int64, whence int) (int64, error) {
	return b.f.Seek(offset, whence)
}
func (b *createFromSelectBacking) Sync() error { return b.f.Sync() }

// Close flushes and closes the local file, then uploads its contents
// to the remote sink registered for localPath (if any remains --
// scenario E6's "a second unregister returns false" covers the case
// where something else has already claimed and cleared it) and
// unregisters the pair. The local copy is left on disk as an ordinary,
// unmanaged file; this module's job ends at the upload, not at the
// local artifact's lifecycle.
func (b *createFromSelectBacking) Close() error {
	closeErr := b.f.Close()

	origin, ok := b.reg.LookupCreateFromSelect(b.localPath)
	if !ok {
		return closeErr
	}
	defer b.reg.UnregisterCreateFromSelect(b.localPath)

	local, err := os.Open(b.localPath)
	if err != nil {
		if closeErr == nil {
			closeErr = err
		}
		return closeErr
	}
	defer local.Close()

	sink := fsadapter.Descriptor{
		DFSType: fsadapter.Type(origin.DFSType),
		Host:    origin.Host,
		Port:    origin.Port,
	}
	lease, err := b.reg.AcquireConnection(b.ctx, sink)
	if err != nil {
		if closeErr == nil {
			closeErr = err
		}
		return closeErr
	}
	remote, err := lease.Adapter().Open(b.ctx, origin.RemotePath, fsadapter.Create, 0, 0, 0)
	if err != nil {
		lease.Release(false)
		if closeErr == nil {
			closeErr = err
		}
		return closeErr
	}
	_, copyErr := io.Copy(remote, local)
	uploadErr := remote.Close()
	lease.Release(copyErr == nil && uploadErr == nil)
	if copyErr != nil {
		return copyErr
	}
	if uploadErr != nil {
		return uploadErr
	}
	// The upload just landed new bytes on sink/origin.RemotePath;
	// flag any ManagedFile cached for that path dirty so the next
	// open re-downloads instead of serving what was there before.
	markDirtyIfCached(b.reg, sink, origin.RemotePath)
	return closeErr
}

// Handle is the opaque, per-open scanner-facing file handle.
type Handle struct {
	reg        *registry.Registry
	descriptor fsadapter.Descriptor
	remotePath string

	mu     sync.Mutex
	pos    int64
	closed bool
	b      backing
}

// isReadOnly reports whether flags denote a pure read open -- the
// only case eligible to be served from the cache (spec.md's component
// table: "selects local handle when a cached copy is valid, otherwise
// goes through (B)"). Every other flag combination is a write path
// and bypasses the cache entirely: a query overwriting or appending to
// a remote object needs the mutation to land on the real backing
// store, not a local copy nobody will ever upload.
func isReadOnly(flags fsadapter.OpenFlag) bool {
	return flags == fsadapter.ReadOnly
}

// Open implements fileOpen. bufSize, blockSize, and replication are
// passed through to the adapter when a connection must be leased
// directly; they're meaningless for a cache-backed read. nature
// distinguishes an ordinary physical open from a CREATE_FROM_SELECT
// write, which writes to a local file and registers a pending upload
// to remoteSink rather than opening the remote adapter directly;
// remoteSink is ignored unless nature is cachefile.CreateFromSelect.
func Open(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, remotePath string, flags fsadapter.OpenFlag, bufSize, blockSize, replication int, nature cachefile.Nature, remoteSink cachefile.RemoteOrigin) (*Handle, error) {
	h := &Handle{reg: reg, descriptor: d, remotePath: remotePath}

	if isReadOnly(flags) {
		managed, err := reg.Add(ctx, d, remotePath, "", cachefile.Physical)
		if err != nil {
			return nil, err
		}
		managed.IncRef()
		tick := reg.Engine.NextTick()
		managed.Touch(tick)
		f, err := os.Open(managed.LocalPath)
		if err != nil {
			managed.DecRef()
			return nil, cacheerr.New(cacheerr.KindRemoteIO, "open", managed.LocalPath, err)
		}
		h.b = &cacheBacking{f: f, managed: managed}
		return h, nil
	}

	if nature == cachefile.CreateFromSelect {
		localPath, err := reg.LocalPath(d, remotePath, "")
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return nil, cacheerr.New(cacheerr.KindRemoteIO, "open", localPath, err)
		}
		f, err := os.OpenFile(localPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, cacheerr.New(cacheerr.KindRemoteIO, "open", localPath, err)
		}
		reg.RegisterCreateFromSelect(localPath, remoteSink)
		h.b = &createFromSelectBacking{ctx: ctx, reg: reg, localPath: localPath, f: f}
		return h, nil
	}

	lease, err := reg.AcquireConnection(ctx, d)
	if err != nil {
		return nil, err
	}
	native, err := lease.Adapter().Open(ctx, remotePath, flags, bufSize, blockSize, replication)
	if err != nil {
		lease.Release(false)
		return nil, cacheerr.New(cacheerr.KindRemoteIO, "open", remotePath, err)
	}
	h.b = &remoteBacking{lease: lease, native: native, reg: reg, descriptor: d, remotePath: remotePath}
	return h, nil
}

// dirtyMarker is implemented by backings whose writes land on (or will
// eventually land on) a remote object that a ManagedFile might also be
// caching, so a successful Write/Flush through one needs to flag that
// ManagedFile dirty rather than leave a stale cached copy servable.
type dirtyMarker interface {
	markDirty()
}

// markDirtyIfCached flags the ManagedFile cached for (d, remotePath,
// "") dirty, if one currently exists in the cache index; it is a no-op
// otherwise, since there is nothing stale to invalidate.
func markDirtyIfCached(reg *registry.Registry, d fsadapter.Descriptor, remotePath string) {
	if f, ok, err := reg.Find(d, remotePath, ""); err == nil && ok {
		f.MarkDirty()
	}
}

func (h *Handle) checkOpen() error {
	if h.closed {
		return cacheerr.New(cacheerr.KindInvalidHandle, "handle", h.remotePath, nil)
	}
	return nil
}

// Read reads the next len(p) bytes starting at the handle's current
// position, advancing it.
func (h *Handle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	n, err := h.b.Read(p)
	h.pos += int64(n)
	return n, err
}

// PRead reads len(p) bytes at off without disturbing the handle's
// current position (a positioned/"pread" read).
func (h *Handle) PRead(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	return h.b.ReadAt(p, off)
}

// WriteTo writes the remainder of the handle to w, implementing
// io.WriterTo. When the backing implements io.WriterTo itself (only
// remoteBacking does, forwarding to its native file's WriteTo when that
// file has one), that path is used directly instead of looping
// Read/Write through io.Copy. None of the fsadapter backends' native
// files implement io.WriterTo, so remote handles also end in io.Copy.
func (h *Handle) WriteTo(w io.Writer) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	if wt, ok := h.b.(io.WriterTo); ok {
		n, err := wt.WriteTo(w)
		h.pos += n
		return n, err
	}
	n, err := io.Copy(w, h.b)
	h.pos += n
	return n, err
}

// Write writes p at the handle's current position, advancing it. A
// write that reaches a remote-backed backing flags any ManagedFile
// cached for the same path dirty, per spec.md §3's dirtyFlag being
// "mutated... by the scanner handle API".
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	n, err := h.b.Write(p)
	h.pos += int64(n)
	if n > 0 {
		if dm, ok := h.b.(dirtyMarker); ok {
			dm.markDirty()
		}
	}
	return n, err
}

// Seek repositions the handle and updates the value Tell reports.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	pos, err := h.b.Seek(offset, whence)
	if err == nil {
		h.pos = pos
	}
	return pos, err
}

// Tell returns the handle's current position.
func (h *Handle) Tell() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	return h.pos, nil
}

// Flush commits any buffered writes to the backing store without
// closing the handle, and flags any cached ManagedFile for the same
// path dirty on success (see Write).
func (h *Handle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return err
	}
	err := h.b.Sync()
	if err == nil {
		if dm, ok := h.b.(dirtyMarker); ok {
			dm.markDirty()
		}
	}
	return err
}

// Available reports the number of bytes remaining between the
// handle's current position and the end of the file, consulting a
// fresh stat through the registry's bridge.
func (h *Handle) Available(ctx context.Context) (int64, error) {
	h.mu.Lock()
	pos := h.pos
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return 0, cacheerr.New(cacheerr.KindInvalidHandle, "available", h.remotePath, nil)
	}
	st, err := PathInfo(ctx, h.reg, h.descriptor, h.remotePath)
	if err != nil {
		return 0, err
	}
	remaining := st.Size - pos
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Close implements fileClose: it drops whichever lease or pin this
// handle holds, on every exit path including a prior error, and is
// idempotent against a double-close.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.b.Close()
}

// ListDirectory lists dirPath through the registry's bridge, so
// repeated listings of the same directory benefit from the metadata
// cache (spec.md §4.D/§4.J).
func ListDirectory(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, dirPath string) ([]fsadapter.FileStatus, error) {
	b, err := reg.Bridge(d)
	if err != nil {
		return nil, err
	}
	return b.ListStatus(ctx, dirPath, false)
}

// PathInfo stats path through the registry's bridge.
func PathInfo(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, path string) (fsadapter.FileStatus, error) {
	b, err := reg.Bridge(d)
	if err != nil {
		return fsadapter.FileStatus{}, err
	}
	return b.GetFileStatus(ctx, path, false)
}

// BlockLocations reports the replica hosts for a byte range of path,
// read-through with the bridge's retry/timeout policy (spec.md §4.J:
// "Block locations and disk IDs on blocks are read-through with the
// same policy").
func BlockLocations(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, path string, offset, length int64) ([]fsadapter.BlockLocation, error) {
	b, err := reg.Bridge(d)
	if err != nil {
		return nil, err
	}
	return b.GetFileBlockLocations(ctx, path, offset, length)
}

// withConn leases a connection for d, runs fn against its adapter, and
// releases the lease marking it good/bad by whether fn returned an
// error. Used by every namespace/permission/capacity operation below,
// none of which fsbridge wraps.
func withConn(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, fn func(fsadapter.Adapter) error) error {
	lease, err := reg.AcquireConnection(ctx, d)
	if err != nil {
		return err
	}
	err = fn(lease.Adapter())
	lease.Release(err == nil)
	return err
}

// invalidate drops any cached metadata for path (and, defensively,
// its would-be new name) after a namespace mutation, so a subsequent
// PathInfo/ListDirectory doesn't serve stale pre-mutation data out of
// the metadata cache.
func invalidate(reg *registry.Registry, d fsadapter.Descriptor, paths ...string) {
	b, err := reg.Bridge(d)
	if err != nil {
		return
	}
	for _, p := range paths {
		b.Meta.Invalidate(p)
	}
}

// CreateDirectory creates dirPath on the descriptor's backing store.
func CreateDirectory(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, dirPath string) error {
	err := withConn(ctx, reg, d, func(a fsadapter.Adapter) error { return a.CreateDirectory(ctx, dirPath) })
	if err == nil {
		invalidate(reg, d, dirPath)
	}
	return err
}

// Rename moves from to to on the descriptor's backing store.
func Rename(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, from, to string) error {
	err := withConn(ctx, reg, d, func(a fsadapter.Adapter) error { return a.Rename(ctx, from, to) })
	if err == nil {
		invalidate(reg, d, from, to)
	}
	return err
}

// Delete removes path (recursively, if recursive is set).
func Delete(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, path string, recursive bool) error {
	err := withConn(ctx, reg, d, func(a fsadapter.Adapter) error { return a.Delete(ctx, path, recursive) })
	if err == nil {
		invalidate(reg, d, path)
	}
	return err
}

// Copy copies from to to on the descriptor's backing store.
func Copy(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, from, to string) error {
	err := withConn(ctx, reg, d, func(a fsadapter.Adapter) error { return a.Copy(ctx, from, to) })
	if err == nil {
		invalidate(reg, d, to)
	}
	return err
}

// Move moves from to to on the descriptor's backing store. Unlike
// Rename it makes no same-directory assumption on the caller's part;
// on backends where the two don't differ (S3, HDFS) it's the same RPC.
func Move(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, from, to string) error {
	err := withConn(ctx, reg, d, func(a fsadapter.Adapter) error { return a.Move(ctx, from, to) })
	if err == nil {
		invalidate(reg, d, from, to)
	}
	return err
}

// Chown changes the owner/group of path.
func Chown(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, path, owner, group string) error {
	return withConn(ctx, reg, d, func(a fsadapter.Adapter) error { return a.Chown(ctx, path, owner, group) })
}

// Chmod changes the permission bits of path.
func Chmod(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, path string, mode fs.FileMode) error {
	return withConn(ctx, reg, d, func(a fsadapter.Adapter) error { return a.Chmod(ctx, path, mode) })
}

// SetReplication sets the replica count for path on backends that
// support it (a no-op on backends, like local disk, that don't).
func SetReplication(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor, path string, replication int) error {
	return withConn(ctx, reg, d, func(a fsadapter.Adapter) error { return a.SetReplication(ctx, path, replication) })
}

// GetCapacity reports the total byte capacity of the descriptor's
// backing store.
func GetCapacity(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor) (int64, error) {
	var capacity int64
	err := withConn(ctx, reg, d, func(a fsadapter.Adapter) error {
		var err error
		capacity, err = a.GetCapacity(ctx)
		return err
	})
	return capacity, err
}

// GetUsed reports the used byte count of the descriptor's backing
// store.
func GetUsed(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor) (int64, error) {
	var used int64
	err := withConn(ctx, reg, d, func(a fsadapter.Adapter) error {
		var err error
		used, err = a.GetUsed(ctx)
		return err
	})
	return used, err
}

// GetDefaultBlockSize reports the descriptor's natural block size.
func GetDefaultBlockSize(ctx context.Context, reg *registry.Registry, d fsadapter.Descriptor) (int64, error) {
	var size int64
	err := withConn(ctx, reg, d, func(a fsadapter.Adapter) error {
		size = a.GetDefaultBlockSize()
		return nil
	})
	return size, err
}
