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

package fsbridge

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/impalatogo/dfscache/cacheerr"
	"github.com/impalatogo/dfscache/fsadapter"
	"github.com/impalatogo/dfscache/metacache"
	"github.com/impalatogo/dfscache/rexec"
)

// hangingAdapter never returns from any call until its context is
// cancelled, simulating a stuck remote node.
type hangingAdapter struct {
	stubAdapter
	calls int
}

func (h *hangingAdapter) Exists(ctx context.Context, remotePath string) (bool, error) {
	h.calls++
	<-ctx.Done()
	return false, ctx.Err()
}

// stubAdapter implements fsadapter.Adapter with panics for anything
// not explicitly overridden by an embedding type in this test file.
type stubAdapter struct{}

func (stubAdapter) Descriptor() fsadapter.Descriptor { return fsadapter.Descriptor{} }
func (stubAdapter) Open(context.Context, string, fsadapter.OpenFlag, int, int, int) (fsadapter.NativeFile, error) {
	panic("not implemented")
}
func (stubAdapter) Exists(context.Context, string) (bool, error)                 { panic("not implemented") }
func (stubAdapter) GetFileStatus(context.Context, string) (fsadapter.FileStatus, error) {
	panic("not implemented")
}
func (stubAdapter) ListStatus(context.Context, string) ([]fsadapter.FileStatus, error) {
	panic("not implemented")
}
func (stubAdapter) GetFileBlockLocations(context.Context, string, int64, int64) ([]fsadapter.BlockLocation, error) {
	panic("not implemented")
}
func (stubAdapter) CreateDirectory(context.Context, string) error          { panic("not implemented") }
func (stubAdapter) Rename(context.Context, string, string) error           { panic("not implemented") }
func (stubAdapter) Delete(context.Context, string, bool) error             { panic("not implemented") }
func (stubAdapter) Copy(context.Context, string, string) error             { panic("not implemented") }
func (stubAdapter) Move(context.Context, string, string) error             { panic("not implemented") }
func (stubAdapter) Chown(context.Context, string, string, string) error    { panic("not implemented") }
func (stubAdapter) Chmod(context.Context, string, fs.FileMode) error       { panic("not implemented") }
func (stubAdapter) SetReplication(context.Context, string, int) error      { panic("not implemented") }
func (stubAdapter) GetCapacity(context.Context) (int64, error)             { panic("not implemented") }
func (stubAdapter) GetUsed(context.Context) (int64, error)                 { panic("not implemented") }
func (stubAdapter) GetDefaultBlockSize() int64                             { panic("not implemented") }

// TestTimeoutPropagation is spec scenario E4: timeout=100ms,
// retries=2, backoff=20ms against a stub that never replies. Expect
// Timeout within 100*3 + 20*(1+2) = ~360ms plus slack.
func TestTimeoutPropagation(t *testing.T) {
	a := &hangingAdapter{}
	b := &Bridge{
		Adapter:  a,
		Meta:     metacache.New(),
		Executor: rexec.New(4),
		Timeout:  100 * time.Millisecond,
		Retries:  2,
		Backoff:  20 * time.Millisecond,
	}
	start := time.Now()
	_, err := b.Exists(context.Background(), "/x", true)
	elapsed := time.Since(start)

	kind, ok := cacheerr.KindOf(err)
	if !ok || kind != cacheerr.KindTimeout {
		t.Fatalf("expected Timeout error, got %v", err)
	}
	budget := 100*3*time.Millisecond + 20*(1+2)*time.Millisecond
	slack := 500 * time.Millisecond
	if elapsed > budget+slack {
		t.Fatalf("timeout propagation too slow: %s (budget %s)", elapsed, budget)
	}
	if a.calls != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", a.calls)
	}
}

func TestExistsDoesNotRetryOnSuccessfulFalse(t *testing.T) {
	a := &countingFalseAdapter{}
	b := &Bridge{
		Adapter:  a,
		Meta:     metacache.New(),
		Executor: rexec.New(4),
		Timeout:  time.Second,
		Retries:  5,
		Backoff:  time.Millisecond,
	}
	exists, err := b.Exists(context.Background(), "/missing", true)
	if err != nil || exists {
		t.Fatalf("expected (false, nil), got (%v, %v)", exists, err)
	}
	if a.calls != 1 {
		t.Fatalf("expected exactly 1 call for a successful false, got %d", a.calls)
	}
}

type countingFalseAdapter struct {
	stubAdapter
	calls int
}

func (c *countingFalseAdapter) Exists(ctx context.Context, remotePath string) (bool, error) {
	c.calls++
	return false, nil
}

func TestGetFileStatusCachesAcrossCalls(t *testing.T) {
	a := &countingStatusAdapter{}
	b := &Bridge{
		Adapter:  a,
		Meta:     metacache.New(),
		Executor: rexec.New(4),
		Timeout:  time.Second,
		Retries:  1,
		Backoff:  time.Millisecond,
	}
	ctx := context.Background()
	st1, err := b.GetFileStatus(ctx, "/a/b", false)
	if err != nil {
		t.Fatal(err)
	}
	st2, err := b.GetFileStatus(ctx, "/a/b", false)
	if err != nil {
		t.Fatal(err)
	}
	if st1 != st2 {
		t.Fatalf("expected identical cached status, got %+v vs %+v", st1, st2)
	}
	if a.calls != 1 {
		t.Fatalf("expected exactly 1 remote call, got %d", a.calls)
	}
}

type countingStatusAdapter struct {
	stubAdapter
	calls int
}

func (c *countingStatusAdapter) GetFileStatus(ctx context.Context, p string) (fsadapter.FileStatus, error) {
	c.calls++
	return fsadapter.FileStatus{Path: p, Size: 123}, nil
}

func TestRemoteIOErrorSurfaced(t *testing.T) {
	wantErr := errors.New("disk fault")
	a := &failingAdapter{err: wantErr}
	b := &Bridge{
		Adapter:  a,
		Meta:     metacache.New(),
		Executor: rexec.New(4),
		Timeout:  time.Second,
		Retries:  1,
		Backoff:  time.Millisecond,
	}
	_, err := b.GetFileStatus(context.Background(), "/x", true)
	kind, ok := cacheerr.KindOf(err)
	if !ok || kind != cacheerr.KindRemoteIO {
		t.Fatalf("expected RemoteIOError, got %v", err)
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

type failingAdapter struct {
	stubAdapter
	err error
}

func (f *failingAdapter) GetFileStatus(ctx context.Context, p string) (fsadapter.FileStatus, error) {
	return fsadapter.FileStatus{}, f.err
}
