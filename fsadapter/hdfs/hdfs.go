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

// Package hdfs implements fsadapter.Adapter against a real Hadoop
// Distributed File System namenode, using the colinmarc/hdfs client
// for the wire protocol rather than hand-rolling one.
package hdfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/colinmarc/hdfs/v2"

	"github.com/impalatogo/dfscache/fsadapter"
)

type adapter struct {
	d      fsadapter.Descriptor
	client *hdfs.Client
}

// Dial connects to the namenode named by d.Host:d.Port. d.Credentials,
// when set, is passed as the client's user name under simple
// (username-only) auth; no Kerberos client is configured, so Kerberos
// authentication is not performed. When empty, no user name is set in
// the client options.
func Dial(ctx context.Context, d fsadapter.Descriptor) (fsadapter.Adapter, error) {
	opts := hdfs.ClientOptions{
		Addresses: []string{addr(d)},
	}
	if d.Credentials != "" {
		opts.User = d.Credentials
	}
	client, err := hdfs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &adapter{d: d, client: client}, nil
}

func addr(d fsadapter.Descriptor) string {
	if d.Port == 0 {
		return d.Host + ":8020"
	}
	return d.Host + ":" + itoa(d.Port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (a *adapter) Descriptor() fsadapter.Descriptor { return a.d }

func (a *adapter) Open(ctx context.Context, remotePath string, flags fsadapter.OpenFlag, bufSize, blockSize, replication int) (fsadapter.NativeFile, error) {
	switch flags {
	case fsadapter.ReadOnly:
		f, err := a.client.Open(remotePath)
		if err != nil {
			return nil, err
		}
		return &readFile{f: f, name: remotePath}, nil
	case fsadapter.Append:
		w, err := a.client.Append(remotePath)
		if err != nil {
			return nil, err
		}
		return &writeFile{w: w, name: remotePath}, nil
	default:
		if replication <= 0 {
			replication = 3
		}
		if blockSize <= 0 {
			blockSize = 128 << 20
		}
		w, err := a.client.CreateFile(remotePath, replication, int64(blockSize), 0644)
		if err != nil {
			return nil, err
		}
		return &writeFile{w: w, name: remotePath}, nil
	}
}

func (a *adapter) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := a.client.Stat(remotePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (a *adapter) GetFileStatus(ctx context.Context, remotePath string) (fsadapter.FileStatus, error) {
	fi, err := a.client.Stat(remotePath)
	if err != nil {
		return fsadapter.FileStatus{}, err
	}
	return toStatus(remotePath, fi), nil
}

func (a *adapter) ListStatus(ctx context.Context, dirPath string) ([]fsadapter.FileStatus, error) {
	entries, err := a.client.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}
	out := make([]fsadapter.FileStatus, 0, len(entries))
	for _, fi := range entries {
		out = append(out, toStatus(joinPath(dirPath, fi.Name()), fi))
	}
	return out, nil
}

func toStatus(p string, fi fs.FileInfo) fsadapter.FileStatus {
	return fsadapter.FileStatus{
		Path:    p,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}
}

func joinPath(dir, name string) string {
	if dir == "" || dir[len(dir)-1] == '/' {
		return dir + name
	}
	return dir + "/" + name
}

// GetFileBlockLocations reports a single location spanning the whole
// requested range. The colinmarc/hdfs client used here doesn't expose
// the namenode's block-location RPC publicly, so this can't report
// real per-block replica hosts the way a native HDFS client would;
// it's a placeholder until that client grows the call.
func (a *adapter) GetFileBlockLocations(ctx context.Context, remotePath string, offset, length int64) ([]fsadapter.BlockLocation, error) {
	return []fsadapter.BlockLocation{{Offset: offset, Length: length, Hosts: []string{a.d.Host}}}, nil
}

func (a *adapter) CreateDirectory(ctx context.Context, dirPath string) error {
	return a.client.MkdirAll(dirPath, 0755)
}

func (a *adapter) Rename(ctx context.Context, from, to string) error {
	return a.client.Rename(from, to)
}

// Move is the same client.Rename RPC as Rename: HDFS's rename already
// works across directories, so there's nothing a separate move path
// would do differently.
func (a *adapter) Move(ctx context.Context, from, to string) error {
	return a.client.Rename(from, to)
}

func (a *adapter) Delete(ctx context.Context, remotePath string, recursive bool) error {
	if !recursive {
		return a.client.Remove(remotePath)
	}
	return a.removeAll(remotePath)
}

func (a *adapter) removeAll(dirPath string) error {
	fi, err := a.client.Stat(dirPath)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return a.client.Remove(dirPath)
	}
	entries, err := a.client.ReadDir(dirPath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := a.removeAll(joinPath(dirPath, e.Name())); err != nil {
			return err
		}
	}
	return a.client.Remove(dirPath)
}

// Copy reads the source through the client and writes it back as a
// new file: HDFS has no server-side copy RPC, so every copy pays for
// a full read and a full write the same as it would over `hdfs dfs -cp`.
func (a *adapter) Copy(ctx context.Context, from, to string) error {
	src, err := a.client.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := a.client.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (a *adapter) Chown(ctx context.Context, path, owner, group string) error {
	return a.client.Chown(path, owner, group)
}

func (a *adapter) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	return a.client.Chmod(path, mode)
}

// SetReplication is a no-op: the colinmarc/hdfs client doesn't expose
// the namenode's setReplication RPC, only replication hints at create
// time (passed through Open's replication argument above).
func (a *adapter) SetReplication(ctx context.Context, path string, replication int) error {
	return nil
}

// GetCapacity and GetUsed return an error: the client wired here has
// no StatFs-equivalent call, so the namenode's cluster-capacity report
// is not reachable. GetDefaultBlockSize reports a fixed 128 MiB.
func (a *adapter) GetCapacity(ctx context.Context) (int64, error) {
	return 0, errors.New("hdfs: cluster capacity reporting not supported by this client")
}

func (a *adapter) GetUsed(ctx context.Context) (int64, error) {
	return 0, errors.New("hdfs: cluster usage reporting not supported by this client")
}

func (a *adapter) GetDefaultBlockSize() int64 {
	return 128 << 20
}

type readFile struct {
	f    *hdfs.FileReader
	name string
}

func (r *readFile) Read(p []byte) (int, error) { return r.f.Read(p) }
func (r *readFile) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, off)
}
func (r *readFile) Seek(offset int64, whence int) (int64, error) { return r.f.Seek(offset, whence) }
func (r *readFile) Write(p []byte) (int, error) {
	return 0, errors.New("hdfs: file opened read-only")
}
func (r *readFile) Sync() error  { return nil }
func (r *readFile) Close() error { return r.f.Close() }
func (r *readFile) Name() string { return r.name }

type writeFile struct {
	w    *hdfs.FileWriter
	name string
	pos  int64
}

func (w *writeFile) Read(p []byte) (int, error) {
	return 0, errors.New("hdfs: file opened write-only")
}
func (w *writeFile) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.pos += int64(n)
	return n, err
}

// Seek is unsupported: HDFS write streams are append-only.
func (w *writeFile) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && whence == io.SeekCurrent {
		return w.pos, nil
	}
	return w.pos, errors.New("hdfs: cannot seek an open write stream")
}

func (w *writeFile) Sync() error  { return w.w.Flush() }
func (w *writeFile) Close() error { return w.w.Close() }
func (w *writeFile) Name() string { return w.name }
