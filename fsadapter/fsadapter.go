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

// Package fsadapter defines the capability-set interface that every
// remote filesystem backend (local, HDFS, S3, Tachyon) implements,
// plus the FilesystemDescriptor identity tuple used to route to one.
//
// The original source modeled this as a class hierarchy
// (FileSystemDescriptorBound with a Tachyon subclass). Per the
// redesign note in the spec, this is re-framed as a plain interface:
// Adapter is the capability set, and the Tachyon specialization
// (fsadapter/tachyon) is a decorator that wraps any other Adapter
// rather than a subclass of it.
package fsadapter

import (
	"context"
	"io"
	"io/fs"
	"time"
)

// Type identifies the kind of remote filesystem a Descriptor refers
// to, matching spec.md's dfsType enumeration.
type Type string

const (
	Local          Type = "local"
	HDFS           Type = "hdfs"
	S3N            Type = "s3n"
	S3A            Type = "s3a"
	Tachyon        Type = "tachyon"
	DefaultFromCfg Type = "default_from_config"
	Other          Type = "other"
)

// Descriptor is the FilesystemDescriptor tuple from spec.md §3.
// Identity for routing purposes is (DFSType, Host); Port participates
// in URI construction only.
type Descriptor struct {
	DFSType        Type
	Host           string
	Port           int
	Credentials    string // opaque blob, meaning is adapter-specific
	CredentialsKey string // name under which Credentials was registered
	Effective      bool   // true once resolved against ambient config
}

// RouteKey returns the (dfsType, host) identity used by registries
// and connection pools to look up a shared adapter/pool instance.
func (d Descriptor) RouteKey() string {
	return string(d.DFSType) + "|" + d.Host
}

// IsDefault reports whether d is an unresolved "default" descriptor
// that must be rewritten against ambient configuration before use
// (spec.md §3: host == "default" && port == 0).
func (d Descriptor) IsDefault() bool {
	return d.Host == "default" && d.Port == 0
}

// IsLocal reports whether d denotes the local filesystem (no host).
func (d Descriptor) IsLocal() bool {
	return d.Host == "" && (d.DFSType == Local || d.DFSType == "")
}

// OpenFlag mirrors the POSIX-flavored open flags named in spec.md §6.
type OpenFlag int

const (
	ReadOnly OpenFlag = iota
	WriteOnly
	ReadWrite
	Append
	Create
	Truncate
)

// FileStatus mirrors a stat result: size, modification time, and
// whether the path denotes a directory.
type FileStatus struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// BlockLocation describes the hosts holding replicas of a byte range
// of a file, as returned by getFileBlockLocations.
type BlockLocation struct {
	Offset int64
	Length int64
	Hosts  []string
}

// NativeFile is the adapter-side open file handle: the primitive
// in terms of which handle.Handle (the scanner-facing API) is built.
type NativeFile interface {
	io.ReadWriteCloser
	io.Seeker
	// Sync flushes any buffered writes to the adapter's backing
	// store (local disk fsync, or an upload commit for write-mode
	// remote handles).
	Sync() error
	// Name returns the path this handle was opened against.
	Name() string
}

// Adapter is the capability set a remote (or local) filesystem
// backend must implement. Every call takes a context so it can be
// driven through rexec.Executor by the caller (fsbridge wraps these
// calls with retry/timeout; Adapter implementations themselves should
// not retry).
type Adapter interface {
	// Descriptor returns the FilesystemDescriptor this adapter was
	// constructed for.
	Descriptor() Descriptor

	// Open opens remotePath with the given flags. bufSize and
	// blockSize are hints some backends (HDFS) use to size internal
	// buffers and to request specific block layouts on create;
	// replication is an HDFS-specific replica count hint and is
	// ignored by backends that don't support it.
	Open(ctx context.Context, remotePath string, flags OpenFlag, bufSize, blockSize int, replication int) (NativeFile, error)

	// Exists, GetFileStatus, ListStatus are the raw (uncached)
	// primitives fsbridge wraps with caching, retry, and timeout
	// enforcement.
	Exists(ctx context.Context, remotePath string) (bool, error)
	GetFileStatus(ctx context.Context, remotePath string) (FileStatus, error)
	ListStatus(ctx context.Context, dirPath string) ([]FileStatus, error)
	GetFileBlockLocations(ctx context.Context, remotePath string, offset, length int64) ([]BlockLocation, error)

	// CreateDirectory, Rename, Delete, Copy, Move are namespace
	// mutators. Rename is a same-filesystem path change; Move is
	// permitted to cross directories that Rename's backend treats
	// specially (S3's "rename" is already copy+delete across any
	// prefix, so its Move is identical to its Rename) and always
	// leaves no trace of from on success.
	CreateDirectory(ctx context.Context, dirPath string) error
	Rename(ctx context.Context, from, to string) error
	Delete(ctx context.Context, path string, recursive bool) error
	Copy(ctx context.Context, from, to string) error
	Move(ctx context.Context, from, to string) error

	// Chown, Chmod, SetReplication are permission/placement ops;
	// backends that don't support a concept (local disk has no
	// replication) treat it as a no-op rather than an error.
	Chown(ctx context.Context, path, owner, group string) error
	Chmod(ctx context.Context, path string, mode fs.FileMode) error
	SetReplication(ctx context.Context, path string, replication int) error

	// GetCapacity and GetUsed report the total and used bytes of
	// the backing store, for the scanner-facing capacity ops.
	GetCapacity(ctx context.Context) (int64, error)
	GetUsed(ctx context.Context) (int64, error)
	// GetDefaultBlockSize reports the backend's natural block size
	// (used to size reads and as the default for new files).
	GetDefaultBlockSize() int64
}

// Dialer constructs a new Adapter for a Descriptor. It is the thing
// connpool.Pool re-dials with when recycling a bad connection, and
// the thing registry.Registry uses to build the adapter behind each
// routed descriptor.
type Dialer func(ctx context.Context, d Descriptor) (Adapter, error)
