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

// Package s3 adapts the s3n/s3a dfsTypes onto the AWS S3 REST API
// client this module inherited from its teacher (aws, aws/s3): one
// fsadapter.Adapter per (bucket, region) descriptor, backed by a
// *aws.SigningKey and the teacher's BucketFS/Reader/File types.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/impalatogo/dfscache/aws"
	awss3 "github.com/impalatogo/dfscache/aws/s3"
	"github.com/impalatogo/dfscache/fsadapter"
)

// adapter implements fsadapter.Adapter against one S3 bucket. The
// bucket name is the descriptor's Host; Port is unused (S3 has no
// notion of it), matching spec.md §3's "Port participates in URI
// construction only" for backends that need it.
type adapter struct {
	d      fsadapter.Descriptor
	key    *aws.SigningKey
	bucket string
	client *http.Client
}

// ec2RoleEnv names the EC2 instance-metadata role path to derive
// credentials from (e.g. "iam/security-credentials/my-role") when set;
// checked after explicit and ambient credentials come up empty, for
// deployments running on EC2 instances with no key material on disk.
const ec2RoleEnv = "DFSCACHE_S3_EC2_ROLE"

// Dial resolves credentials in three tiers, most to least explicit:
// a colon-separated "accessKeyID:secret:region" triple in
// d.Credentials (the simplest representation that round-trips through
// the opaque Credentials blob spec.md §3 leaves adapter-specific);
// ambient environment/config-file credentials via aws.AmbientKey, the
// way the teacher's own CLI tooling resolves credentials when none are
// passed explicitly; and, failing that, an EC2 instance-role lookup
// via aws.EC2Role for nodes that have neither but do have an attached
// IAM role.
func Dial(ctx context.Context, d fsadapter.Descriptor) (fsadapter.Adapter, error) {
	bucket := d.Host
	if !awss3.ValidBucket(bucket) {
		return nil, &fs.PathError{Op: "dial", Path: bucket, Err: fs.ErrInvalid}
	}
	key, err := dialKey(bucket, d.Credentials)
	if err != nil {
		return nil, err
	}
	return &adapter{d: d, key: key, bucket: bucket, client: &awss3.DefaultClient}, nil
}

func dialKey(bucket, credentials string) (*aws.SigningKey, error) {
	if credentials != "" {
		parts := strings.SplitN(credentials, ":", 3)
		if len(parts) != 3 {
			return nil, errors.New("s3: Credentials must be \"accessKeyID:secret:region\"")
		}
		return aws.DeriveKey(aws.S3EndPoint(parts[2]), parts[0], parts[1], parts[2], "s3"), nil
	}
	derive := awss3.DeriveForBucket(bucket)
	key, err := aws.AmbientKey("s3", derive)
	if err == nil {
		return key, nil
	}
	if role := os.Getenv(ec2RoleEnv); role != "" {
		return aws.EC2Role(role, "s3", derive)
	}
	return nil, err
}

func (a *adapter) Descriptor() fsadapter.Descriptor { return a.d }

func (a *adapter) bucketFS(ctx context.Context) *awss3.BucketFS {
	return &awss3.BucketFS{Key: a.key, Bucket: a.bucket, Client: a.client, Ctx: ctx}
}

// Open opens remotePath. ReadOnly opens stream the object body through
// the teacher's awss3.File (a seekable, re-fetching reader); every
// other flag buffers writes in memory and performs a single whole-
// object PUT on Close, since S3 has no partial-write/append primitive
// and this module's write paths (CREATE_FROM_SELECT spill files) are
// written once and closed, never appended to piecemeal.
func (a *adapter) Open(ctx context.Context, remotePath string, flags fsadapter.OpenFlag, bufSize, blockSize, replication int) (fsadapter.NativeFile, error) {
	if flags == fsadapter.ReadOnly {
		f, err := awss3.Open(a.key, a.bucket, remotePath, true)
		if err != nil {
			return nil, err
		}
		return &readFile{f: f, name: remotePath}, nil
	}
	return &writeFile{bfs: a.bucketFS(ctx), name: remotePath}, nil
}

func (a *adapter) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := awss3.Stat(a.key, a.bucket, remotePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (a *adapter) GetFileStatus(ctx context.Context, remotePath string) (fsadapter.FileStatus, error) {
	bfs := a.bucketFS(ctx)
	f, err := bfs.Open(remotePath)
	if err != nil {
		return fsadapter.FileStatus{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fsadapter.FileStatus{}, err
	}
	return fsadapter.FileStatus{
		Path:    remotePath,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

func (a *adapter) ListStatus(ctx context.Context, dirPath string) ([]fsadapter.FileStatus, error) {
	entries, err := a.bucketFS(ctx).ReadDir(dirPath)
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
			Path:    path.Join(dirPath, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		})
	}
	return out, nil
}

// GetFileBlockLocations has no real analogue against object storage;
// S3 doesn't expose replica placement. It reports a single
// pseudo-location spanning the requested range so callers that always
// expect at least one entry (spec.md §6's "never empty on a successful
// call" note for HDFS) still get one, labeled with the bucket's region
// rather than a real host.
func (a *adapter) GetFileBlockLocations(ctx context.Context, remotePath string, offset, length int64) ([]fsadapter.BlockLocation, error) {
	return []fsadapter.BlockLocation{{
		Offset: offset,
		Length: length,
		Hosts:  []string{"s3:" + a.key.Region},
	}}, nil
}

// CreateDirectory writes a zero-byte marker object at dirPath+"/", the
// conventional way S3-compatible tooling represents an otherwise
// directory-less namespace as browsable -- the same convention the
// teacher's BucketFS.ReadDir relies on CommonPrefixes to reconstruct.
func (a *adapter) CreateDirectory(ctx context.Context, dirPath string) error {
	marker := strings.TrimSuffix(dirPath, "/") + "/"
	_, err := a.bucketFS(ctx).Put(marker, nil)
	return err
}

// Rename has no atomic analogue in S3; it performs a GET of the
// source object followed by a PUT at the destination key (see Copy)
// and a DELETE of the source.
func (a *adapter) Rename(ctx context.Context, from, to string) error {
	if err := a.Copy(ctx, from, to); err != nil {
		return err
	}
	return a.bucketFS(ctx).Remove(from)
}

// Move is identical to Rename: S3 has no notion of "same directory"
// that would make the two operations differ, since every key is just
// a flat string with slashes in it.
func (a *adapter) Move(ctx context.Context, from, to string) error {
	return a.Rename(ctx, from, to)
}

func (a *adapter) Delete(ctx context.Context, remotePath string, recursive bool) error {
	bfs := a.bucketFS(ctx)
	if !recursive {
		return bfs.Remove(remotePath)
	}
	entries, err := bfs.ReadDir(remotePath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for _, e := range entries {
		child := path.Join(remotePath, e.Name())
		if e.IsDir() {
			if err := a.Delete(ctx, child, true); err != nil {
				return err
			}
			continue
		}
		if err := bfs.Remove(child); err != nil {
			return err
		}
	}
	return bfs.Remove(remotePath)
}

// Copy reads the whole source object and re-uploads it at the
// destination key. The teacher's Uploader.CopyFrom performs a
// server-side range copy within a single multipart upload; that API
// doesn't generalize to "copy one arbitrary key to another arbitrary
// key" outside of the multipart-assembly context it was built for, so
// this takes the simpler GET-then-PUT path instead.
func (a *adapter) Copy(ctx context.Context, from, to string) error {
	f, err := awss3.Open(a.key, a.bucket, from, true)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	_, err = a.bucketFS(ctx).Put(to, data)
	return err
}

// Chown, Chmod, and SetReplication are no-ops: S3 has no POSIX
// ownership/permission model and no replication factor to configure.
func (a *adapter) Chown(ctx context.Context, path, owner, group string) error { return nil }
func (a *adapter) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	return nil
}
func (a *adapter) SetReplication(ctx context.Context, path string, replication int) error {
	return nil
}

// GetCapacity reports S3's effectively unbounded capacity.
func (a *adapter) GetCapacity(ctx context.Context) (int64, error) {
	return 1 << 60, nil
}

// GetUsed is not cheaply available for a bucket without a full
// recursive listing (S3 exposes no aggregate-size API); it reports 0
// rather than pay for a listing nobody asked for. Callers that need an
// accurate figure should sum ListStatus results themselves.
func (a *adapter) GetUsed(ctx context.Context) (int64, error) {
	return 0, nil
}

// GetDefaultBlockSize reports a conventional read-ahead size for S3
// range GETs rather than a real block size, since object storage has
// no block layout.
func (a *adapter) GetDefaultBlockSize() int64 {
	return 64 << 20
}

// readFile adapts *awss3.File (io.ReadCloser + io.Seeker) to
// fsadapter.NativeFile.
type readFile struct {
	f    *awss3.File
	name string
}

func (r *readFile) Read(p []byte) (int, error)                  { return r.f.Read(p) }
func (r *readFile) Seek(offset int64, whence int) (int64, error) { return r.f.Seek(offset, whence) }
func (r *readFile) Write(p []byte) (int, error) {
	return 0, errors.New("s3: file opened read-only")
}
func (r *readFile) Sync() error  { return nil }
func (r *readFile) Close() error { return r.f.Close() }
func (r *readFile) Name() string { return r.name }

// writeFile buffers every write in memory and performs one PUT when
// closed (and on each Sync). Seek moves only the position it reports;
// every Write appends to the end of the buffer regardless, which is
// all this module's write paths ever need (sequential spill-file
// writes followed by a single Close/upload).
type writeFile struct {
	bfs  *awss3.BucketFS
	name string
	buf  bytes.Buffer
	pos  int64
}

func (w *writeFile) Read(p []byte) (int, error) {
	return 0, errors.New("s3: file opened write-only")
}

func (w *writeFile) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	w.pos += int64(n)
	return n, err
}

func (w *writeFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		w.pos = offset
	case io.SeekCurrent:
		w.pos += offset
	case io.SeekEnd:
		w.pos = int64(w.buf.Len()) + offset
	default:
		return 0, errors.New("s3: invalid seek whence " + strconv.Itoa(whence))
	}
	return w.pos, nil
}

func (w *writeFile) Sync() error {
	_, err := w.bfs.Put(w.name, w.buf.Bytes())
	return err
}

func (w *writeFile) Close() error {
	return w.Sync()
}

func (w *writeFile) Name() string { return w.name }
