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

// Package loader implements the single-flight loader (spec.md §4.H):
// for every cache miss it elects exactly one producer to perform the
// transfer, while every other requester waits on the winning
// ManagedFile's condition variable.
//
// Grounded on the teacher's tenant/dcache/cache.go, which solves the
// same problem for query-segment mappings with a lockID/unlockID pair
// guarded by a single cache-wide mutex plus condvar. This loader
// pushes that election and wait down into the per-file condition
// variable already owned by cachefile.ManagedFile (so contention is
// per-file, not cache-wide) and leaves the "is there already an entry
// for this key" decision to cacheengine.Engine.Add, which plays the
// role of the teacher's rocache/inflight maps.
package loader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/impalatogo/dfscache/cacheengine"
	"github.com/impalatogo/dfscache/cachefile"
)

// Fetcher performs the actual transfer from a remote origin into a
// local temporary path, returning the final byte count. Implementations
// live in the registry/fsadapter layers, which have access to the
// routed fsbridge.Bridge and connpool.Pool for origin's descriptor;
// loader itself is agnostic to how bytes get onto disk.
type Fetcher interface {
	Fetch(ctx context.Context, origin cachefile.RemoteOrigin, tmpPath string) (size int64, err error)
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, origin cachefile.RemoteOrigin, tmpPath string) (int64, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, origin cachefile.RemoteOrigin, tmpPath string) (int64, error) {
	return f(ctx, origin, tmpPath)
}

// Logger is the minimal logging capability the loader needs, matching
// the teacher's own tenant/dcache.Logger shape so a *log.Logger or any
// equivalent structured logger can be passed through unmodified.
type Logger interface {
	Printf(f string, args ...interface{})
}

// Loader elects a single producer per ManagedFile and ensures every
// other requester observes the same terminal state.
type Loader struct {
	Engine   *cacheengine.Engine
	Fetcher  Fetcher
	Cooldown time.Duration
	Logger   Logger
}

// New constructs a Loader backed by engine, using fetcher to perform
// transfers and cooldown as the FAILED-state retry delay.
func New(engine *cacheengine.Engine, fetcher Fetcher, cooldown time.Duration, logger Logger) *Loader {
	return &Loader{Engine: engine, Fetcher: fetcher, Cooldown: cooldown, Logger: logger}
}

func (l *Loader) logf(format string, args ...interface{}) {
	if l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}

// Open implements spec.md §4.H's algorithm end to end: admit or find
// the ManagedFile for localPath, become its producer if this caller
// won admission (or a prior producer's FAILED cooldown has since
// elapsed), otherwise wait for the winning producer to reach a
// terminal state. ctx governs both the download (if this caller
// becomes producer) and the wait (if it doesn't).
func (l *Loader) Open(ctx context.Context, origin cachefile.RemoteOrigin, localPath string, nature cachefile.Nature) (*cachefile.ManagedFile, error) {
	f, admitted := l.Engine.Add(localPath, origin, nature)
	if admitted {
		return f, l.produce(ctx, f, localPath)
	}
	return l.awaitOrReclaim(ctx, f, localPath)
}

// awaitOrReclaim handles every non-admission outcome of Engine.Add:
// an already-READY file returns immediately, unless the scanner handle
// API has flagged it dirty (cachefile.ManagedFile.MarkDirty) since its
// last download, in which case TryBeginRedownload elects the caller as
// producer of a fresh transfer instead of serving the stale copy
// (spec.md §3: "next open triggers re-download"); a DOWNLOADING file is
// waited on; a FAILED file past its cooldown is reclaimed by whichever
// caller wins TryRestartFromFailure's race, electing a fresh producer
// without going through Engine.Add again (the index entry is reused in
// place, per invariant 1: at most one non-DELETED ManagedFile per key).
func (l *Loader) awaitOrReclaim(ctx context.Context, f *cachefile.ManagedFile, localPath string) (*cachefile.ManagedFile, error) {
	for {
		switch f.State() {
		case cachefile.Ready:
			if f.TryBeginRedownload() {
				return f, l.produce(ctx, f, localPath)
			}
			return f, nil
		case cachefile.Downloading:
			switch f.WaitReady(ctx.Done()) {
			case cachefile.Ready:
				return f, nil
			case cachefile.Downloading:
				// cancelled while still in flight
				return nil, ctx.Err()
			case cachefile.Failed, cachefile.Deleted:
				// fall through to re-check state below
			}
		case cachefile.Failed:
			if f.TryRestartFromFailure(time.Now()) {
				return f, l.produce(ctx, f, localPath)
			}
			// lost the reclaim race or cooldown not yet
			// elapsed; surface the recorded failure.
			return nil, f.FailError()
		case cachefile.Deleted:
			// the previous producer cancelled before any
			// reader attached; the index entry is stale.
			l.Engine.Discard(localPath)
			return nil, fmt.Errorf("loader: %s was cancelled before completion", localPath)
		case cachefile.Evicting:
			// still servable; treat like READY for openers.
			return f, nil
		}
	}
}

// produce runs the download for a file this caller has been elected
// producer of (cachefile.ManagedFile is already in, or was just
// transitioned to, DOWNLOADING). It downloads into a sibling .tmp
// file so a crash or cancellation mid-transfer never leaves a
// partially-written file at the final local path, then renames it
// into place atomically on success.
func (l *Loader) produce(ctx context.Context, f *cachefile.ManagedFile, localPath string) error {
	if f.State() == cachefile.New {
		f.BeginDownload()
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		f.FailDownload(err, l.Cooldown)
		return err
	}
	tmpPath := localPath + ".tmp." + uuid.NewString()
	size, err := l.Fetcher.Fetch(ctx, f.Origin, tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		if ctx.Err() != nil && f.RefCount() == 0 {
			f.CancelDownload()
			l.Engine.Discard(localPath)
			l.logf("loader: cancelled download of %s before any reader attached", localPath)
			return ctx.Err()
		}
		f.FailDownload(err, l.Cooldown)
		l.logf("loader: download of %s failed: %v", localPath, err)
		return err
	}
	sum, err := checksumFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		f.FailDownload(err, l.Cooldown)
		return err
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		f.FailDownload(err, l.Cooldown)
		return err
	}
	f.CompleteDownloadChecksum(size, sum)
	l.Engine.AccountReady(f)
	return nil
}

// checksumFile computes the blake2b-256 digest of path's contents,
// the same digest the teacher's FSEnv used to fingerprint a tenant
// root -- here fingerprinting a single downloaded file's bytes
// instead, so a re-opened cache entry can be checked for silent
// corruption against the value recorded at download time.
func checksumFile(path string) ([32]byte, error) {
	var zero [32]byte
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return zero, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return zero, err
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// SideTable registers CREATE_FROM_SELECT pairs (a local path being
// written by a query, and the remote origin it must eventually be
// uploaded to on close), keyed by local path, under a mutex dedicated
// to this table and distinct from the cache index lock (spec.md §5's
// lock-order rule: index -> file -> connection; this table is outside
// that chain entirely).
type SideTable struct {
	mu    sync.Mutex
	pairs map[string]cachefile.RemoteOrigin
}

// NewSideTable constructs an empty CREATE_FROM_SELECT side table.
func NewSideTable() *SideTable {
	return &SideTable{pairs: make(map[string]cachefile.RemoteOrigin)}
}

// Register associates localPath with its eventual upload target.
func (s *SideTable) Register(localPath string, remote cachefile.RemoteOrigin) {
	s.mu.Lock()
	s.pairs[localPath] = remote
	s.mu.Unlock()
}

// Lookup returns the upload target registered for localPath, if any.
func (s *SideTable) Lookup(localPath string) (cachefile.RemoteOrigin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.pairs[localPath]
	return r, ok
}

// Unregister drops localPath's entry, normally called once the
// upload triggered by closing the local handle has completed.
func (s *SideTable) Unregister(localPath string) {
	s.mu.Lock()
	delete(s.pairs, localPath)
	s.mu.Unlock()
}
