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

// Package local implements fsadapter.Adapter directly against the
// local disk, for DFSType Local descriptors and for test harnesses
// that stand in for a remote backend.
package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/impalatogo/dfscache/fsadapter"
)

type adapter struct {
	d    fsadapter.Descriptor
	root string
}

// Dial returns a local adapter rooted at the path given through
// d.Credentials (d.Port is not consulted), matching spec.md §3's use of
// Credentials as an opaque, adapter-specific blob: for Local it's the
// root directory every remotePath is resolved under, defaulting to
// the real filesystem root when empty.
func Dial(ctx context.Context, d fsadapter.Descriptor) (fsadapter.Adapter, error) {
	root := d.Credentials
	if root == "" {
		root = "/"
	}
	return &adapter{d: d, root: root}, nil
}

func (a *adapter) Descriptor() fsadapter.Descriptor { return a.d }

func (a *adapter) resolve(remotePath string) string {
	return filepath.Join(a.root, filepath.Clean("/"+remotePath))
}

func flagsToOS(flags fsadapter.OpenFlag) int {
	switch flags {
	case fsadapter.ReadOnly:
		return os.O_RDONLY
	case fsadapter.WriteOnly:
		return os.O_WRONLY | os.O_CREATE
	case fsadapter.ReadWrite:
		return os.O_RDWR | os.O_CREATE
	case fsadapter.Append:
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case fsadapter.Create:
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case fsadapter.Truncate:
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	default:
		return os.O_RDONLY
	}
}

func (a *adapter) Open(ctx context.Context, remotePath string, flags fsadapter.OpenFlag, bufSize, blockSize, replication int) (fsadapter.NativeFile, error) {
	f, err := os.OpenFile(a.resolve(remotePath), flagsToOS(flags), 0644)
	if err != nil {
		return nil, err
	}
	return &file{f: f, name: remotePath}, nil
}

func (a *adapter) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := os.Stat(a.resolve(remotePath))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (a *adapter) GetFileStatus(ctx context.Context, remotePath string) (fsadapter.FileStatus, error) {
	fi, err := os.Stat(a.resolve(remotePath))
	if err != nil {
		return fsadapter.FileStatus{}, err
	}
	return fsadapter.FileStatus{
		Path:    remotePath,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}, nil
}

func (a *adapter) ListStatus(ctx context.Context, dirPath string) ([]fsadapter.FileStatus, error) {
	entries, err := os.ReadDir(a.resolve(dirPath))
	if err != nil {
		return nil, err
	}
	out := make([]fsadapter.FileStatus, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, fsadapter.FileStatus{
			Path:    filepath.Join(dirPath, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		})
	}
	return out, nil
}

// GetFileBlockLocations reports a single all-local location, since a
// local disk has no block-replica placement to describe.
func (a *adapter) GetFileBlockLocations(ctx context.Context, remotePath string, offset, length int64) ([]fsadapter.BlockLocation, error) {
	return []fsadapter.BlockLocation{{Offset: offset, Length: length, Hosts: []string{"localhost"}}}, nil
}

func (a *adapter) CreateDirectory(ctx context.Context, dirPath string) error {
	return os.MkdirAll(a.resolve(dirPath), 0755)
}

func (a *adapter) Rename(ctx context.Context, from, to string) error {
	return os.Rename(a.resolve(from), a.resolve(to))
}

func (a *adapter) Delete(ctx context.Context, remotePath string, recursive bool) error {
	if recursive {
		return os.RemoveAll(a.resolve(remotePath))
	}
	return os.Remove(a.resolve(remotePath))
}

func (a *adapter) Copy(ctx context.Context, from, to string) error {
	src, err := os.Open(a.resolve(from))
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(a.resolve(to))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// Move renames from to to, falling back to a copy-then-delete when the
// two paths straddle filesystems (os.Rename fails with EXDEV -- the
// local root can span bind mounts even though it's one Descriptor).
func (a *adapter) Move(ctx context.Context, from, to string) error {
	err := os.Rename(a.resolve(from), a.resolve(to))
	if err == nil || !errors.Is(err, unix.EXDEV) {
		return err
	}
	if err := a.Copy(ctx, from, to); err != nil {
		return err
	}
	return os.Remove(a.resolve(from))
}

func (a *adapter) Chown(ctx context.Context, path, owner, group string) error {
	uid, err := strconv.Atoi(owner)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(group)
	if err != nil {
		return err
	}
	return os.Chown(a.resolve(path), uid, gid)
}

func (a *adapter) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	return os.Chmod(a.resolve(path), mode)
}

// SetReplication is a no-op: local disk has no replication factor.
func (a *adapter) SetReplication(ctx context.Context, path string, replication int) error {
	return nil
}

func (a *adapter) GetCapacity(ctx context.Context) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(a.root, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Blocks) * int64(stat.Bsize), nil
}

func (a *adapter) GetUsed(ctx context.Context) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(a.root, &stat); err != nil {
		return 0, err
	}
	used := int64(stat.Blocks-stat.Bfree) * int64(stat.Bsize)
	return used, nil
}

func (a *adapter) GetDefaultBlockSize() int64 {
	var stat unix.Statfs_t
	if err := unix.Statfs(a.root, &stat); err != nil {
		return 4096
	}
	return int64(stat.Bsize)
}

type file struct {
	f    *os.File
	name string
}

func (f *file) Read(p []byte) (int, error)                  { return f.f.Read(p) }
func (f *file) Write(p []byte) (int, error)                 { return f.f.Write(p) }
func (f *file) Seek(offset int64, whence int) (int64, error) { return f.f.Seek(offset, whence) }
func (f *file) Sync() error                                   { return f.f.Sync() }
func (f *file) Close() error                                  { return f.f.Close() }
func (f *file) Name() string                                  { return f.name }
