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

// Package fsbridge wraps every remote-filesystem primitive
// (exists, getFileStatus, listStatus, getFileBlockLocations) with
// the metadata cache (metacache) and the interruptible task executor
// (rexec), enforcing the retry/backoff schedule from spec.md §4.B.
//
// Retry schedule: initial timeout per attempt defaults to 20s, 5
// retries, delay before retry k (1-indexed) is 2*k*baseDelay with
// baseDelay defaulting to 2s -- an arithmetic-multiple backoff, not
// an exponential one, despite names like "EXP_DELAY_BASE" in the
// original source (see spec.md §9, Open Question (a): the original's
// retry counter starts its countdown at zero so its first retry uses
// zero backoff; this implementation starts k at 1 for every retry so
// every retry has a nonzero delay -- a deliberate correction, not a
// replication of that bug).
package fsbridge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/impalatogo/dfscache/cacheconfig"
	"github.com/impalatogo/dfscache/cacheerr"
	"github.com/impalatogo/dfscache/fsadapter"
	"github.com/impalatogo/dfscache/metacache"
	"github.com/impalatogo/dfscache/rexec"
)

// Bridge wraps one fsadapter.Adapter with caching, retry, and
// timeout enforcement. One Bridge is constructed per routed
// descriptor by the registry.
type Bridge struct {
	Adapter  fsadapter.Adapter
	Meta     *metacache.Cache
	Executor *rexec.Executor
	Logger   *log.Logger

	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// New builds a Bridge for adapter, sized from cfg's schedule for
// adapter's routing key.
func New(adapter fsadapter.Adapter, ex *rexec.Executor, cfg cacheconfig.Config, logger *log.Logger) *Bridge {
	timeout, retries, backoff := cfg.Schedule(adapter.Descriptor().RouteKey())
	return &Bridge{
		Adapter:  adapter,
		Meta:     metacache.New(),
		Executor: ex,
		Logger:   logger,
		Timeout:  timeout,
		Retries:  retries,
		Backoff:  backoff,
	}
}

func (b *Bridge) logf(format string, args ...interface{}) {
	if b.Logger != nil {
		b.Logger.Printf(format, args...)
	}
}

// runWithRetry executes op via b.Executor, retrying only on TIMEOUT
// or FAILURE outcomes (never on a successful false/negative result),
// following the arithmetic backoff schedule.
func (b *Bridge) runWithRetry(ctx context.Context, op string, fn rexec.Work) rexec.Result {
	var last rexec.Result
	for attempt := 0; attempt <= b.Retries; attempt++ {
		last = b.Executor.Run(ctx, b.Timeout, fn)
		if last.Outcome == rexec.OK {
			return last
		}
		b.logf("fsbridge: %s attempt %d/%d: %s: %v", op, attempt+1, b.Retries+1, last.Outcome, last.Err)
		if attempt == b.Retries {
			break
		}
		delay := time.Duration(2*(attempt+1)) * b.Backoff
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			last = rexec.Result{Outcome: rexec.TimedOut, Err: ctx.Err()}
			return last
		}
	}
	return last
}

func wrapOutcome(op, path string, r rexec.Result) error {
	switch r.Outcome {
	case rexec.OK:
		return nil
	case rexec.TimedOut:
		return cacheerr.New(cacheerr.KindTimeout, op, path, r.Err)
	default:
		return cacheerr.New(cacheerr.KindRemoteIO, op, path, r.Err)
	}
}

// Exists reports whether remotePath exists, consulting (and then
// updating) the metadata cache unless force is set.
func (b *Bridge) Exists(ctx context.Context, remotePath string, force bool) (bool, error) {
	if !force {
		switch b.Meta.ExistenceOf(remotePath) {
		case metacache.Exists:
			return true, nil
		case metacache.DoesNotExist:
			return false, nil
		}
	}
	r := b.runWithRetry(ctx, "exists", func(ctx context.Context) (interface{}, error) {
		return b.Adapter.Exists(ctx, remotePath)
	})
	if err := wrapOutcome("exists", remotePath, r); err != nil {
		b.Meta.PutExistence(remotePath, metacache.Unknown)
		return false, err
	}
	exists := r.Value.(bool)
	if exists {
		b.Meta.PutExistence(remotePath, metacache.Exists)
	} else {
		b.Meta.PutExistence(remotePath, metacache.DoesNotExist)
	}
	return exists, nil
}

// GetFileStatus stats remotePath, consulting (and then updating) the
// metadata cache unless force is set.
func (b *Bridge) GetFileStatus(ctx context.Context, remotePath string, force bool) (fsadapter.FileStatus, error) {
	if !force {
		if st, ok := b.Meta.Status(remotePath); ok {
			return st, nil
		}
	}
	r := b.runWithRetry(ctx, "getFileStatus", func(ctx context.Context) (interface{}, error) {
		return b.Adapter.GetFileStatus(ctx, remotePath)
	})
	if err := wrapOutcome("getFileStatus", remotePath, r); err != nil {
		return fsadapter.FileStatus{}, err
	}
	st := r.Value.(fsadapter.FileStatus)
	b.Meta.PutStatus(remotePath, st)
	return st, nil
}

// ListStatus lists dirPath, consulting (and then updating) the
// metadata cache unless force is set.
func (b *Bridge) ListStatus(ctx context.Context, dirPath string, force bool) ([]fsadapter.FileStatus, error) {
	if !force {
		if children, ok := b.Meta.Listing(dirPath); ok {
			return children, nil
		}
	}
	r := b.runWithRetry(ctx, "listStatus", func(ctx context.Context) (interface{}, error) {
		return b.Adapter.ListStatus(ctx, dirPath)
	})
	if err := wrapOutcome("listStatus", dirPath, r); err != nil {
		return nil, err
	}
	children := r.Value.([]fsadapter.FileStatus)
	b.Meta.PutListing(dirPath, children)
	return children, nil
}

// GetFileBlockLocations is read-through with the same retry/timeout
// policy; block locations are not cached in metacache since they can
// be large and are generally consulted only once per scan.
func (b *Bridge) GetFileBlockLocations(ctx context.Context, remotePath string, offset, length int64) ([]fsadapter.BlockLocation, error) {
	r := b.runWithRetry(ctx, "getFileBlockLocations", func(ctx context.Context) (interface{}, error) {
		return b.Adapter.GetFileBlockLocations(ctx, remotePath, offset, length)
	})
	if err := wrapOutcome("getFileBlockLocations", remotePath, r); err != nil {
		return nil, err
	}
	return r.Value.([]fsadapter.BlockLocation), nil
}

// GetFileSystem validates that the adapter's descriptor can be
// dialed, used by connpool when re-dialing a bad connection. It
// performs a lightweight existence check against the root path as
// its liveness probe.
func (b *Bridge) GetFileSystem(ctx context.Context) error {
	r := b.runWithRetry(ctx, "getFileSystem", func(ctx context.Context) (interface{}, error) {
		_, err := b.Adapter.Exists(ctx, "/")
		return nil, err
	})
	if r.Outcome != rexec.OK {
		return cacheerr.New(cacheerr.KindNotReachable, "getFileSystem", "", fmt.Errorf("%s: %w", r.Outcome, r.Err))
	}
	return nil
}
