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

// Package registry implements the cache registry/facade (spec.md
// §4.I): the entry point a scanner (or the handle API built on top of
// it) uses to resolve filesystem descriptors, route find/add/delete
// calls to the weighted LRU engine, and register CREATE_FROM_SELECT
// side effects.
//
// The source models this as a process-wide singleton
// (CacheLayerRegistry). Per the redesign note in spec.md §9, this is
// an explicitly constructed service: New returns a *Registry the
// embedding process owns and threads through to callers, the same way
// the teacher's tenant.Manager is built once by its caller rather than
// reached via a package-level global. There is still exactly one
// instance per running process in practice -- the difference is that
// nothing in this package enforces that with init-order machinery.
package registry

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/impalatogo/dfscache/cacheconfig"
	"github.com/impalatogo/dfscache/cacheengine"
	"github.com/impalatogo/dfscache/cacheerr"
	"github.com/impalatogo/dfscache/cachefile"
	"github.com/impalatogo/dfscache/connpool"
	"github.com/impalatogo/dfscache/fsadapter"
	"github.com/impalatogo/dfscache/fsbridge"
	"github.com/impalatogo/dfscache/loader"
	"github.com/impalatogo/dfscache/pathns"
	"github.com/impalatogo/dfscache/rexec"
)

// defaultFailedCooldown is how long a FAILED ManagedFile's cooldown
// lasts before a new producer may be elected, distinct from the
// bridge's own per-call retry backoff (cacheconfig.DefaultBackoff):
// the bridge schedule governs retries *within* one download attempt,
// this governs how soon a *new* download attempt may start after one
// has already exhausted its retries and given up.
const defaultFailedCooldown = 30 * time.Second

// routed pairs a resolved descriptor with the connection pool and
// bridge built for it. One exists per distinct RouteKey ever seen.
type routed struct {
	descriptor fsadapter.Descriptor
	bridge     *fsbridge.Bridge
	pool       *connpool.Pool
}

// Registry is the cache's entry point. The zero value is not usable;
// construct with New.
type Registry struct {
	cfg     cacheconfig.Config
	dialers map[fsadapter.Type]fsadapter.Dialer
	logger  *log.Logger

	executor *rexec.Executor
	Engine   *cacheengine.Engine
	Loader   *loader.Loader
	side     *loader.SideTable

	mu  sync.Mutex
	byK map[string]*routed // RouteKey() -> routed
}

// New constructs a Registry. memLimitPercent, cacheRoot, timeslice and
// sizeHardLimit correspond to the four parameters spec.md §4.I names
// for one-time cache sizing (cacheConfigureSizeLimits / the
// cache_root/cache_size_hard_limit/cache_mem_limit_percent/
// cache_eviction_timeslice configuration keys in §6); dialers supplies
// one fsadapter.Dialer per fsadapter.Type this deployment supports --
// a Tachyon entry is expected to be fsadapter/tachyon's decorating
// dialer, which wraps whatever underlying adapter the descriptor would
// otherwise resolve to (spec.md §4.K), not a distinct transport of its
// own.
func New(cfg cacheconfig.Config, dialers map[fsadapter.Type]fsadapter.Dialer, logger *log.Logger) *Registry {
	cfg = cfg.WithDefaults()
	engine := cacheengine.New(cfg.SizeHardLimitBytes, cfg.EvictionTimeslice, logger)
	executor := rexec.New(0)
	r := &Registry{
		cfg:      cfg,
		dialers:  dialers,
		logger:   logger,
		executor: executor,
		Engine:   engine,
		side:     loader.NewSideTable(),
		byK:      make(map[string]*routed),
	}
	r.Loader = loader.New(engine, fetcher{r}, defaultFailedCooldown, logAdapter{logger})
	return r
}

// Start launches the engine's background eviction sweep. Stop
// releases it. Mirrors cacheInit()/teardown being idempotent and
// explicit rather than relying on process exit.
func (r *Registry) Start() { r.Engine.Start() }
func (r *Registry) Stop()  { r.Engine.Stop() }

func (r *Registry) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// ResolveDescriptor rewrites a "default" descriptor (host == "default"
// && port == 0) against the ambient fs_default_name configuration key
// and marks it Effective; any other descriptor is returned unchanged.
// This is the registry half of spec.md §3's "resolved lazily against
// the ambient configuration" rule; §4.B's bridge plays no part in the
// rewrite itself, only in the retry/caching policy applied once a
// concrete descriptor is in hand.
func (r *Registry) ResolveDescriptor(d fsadapter.Descriptor) (fsadapter.Descriptor, error) {
	if !d.IsDefault() {
		d.Effective = true
		return d, nil
	}
	if r.cfg.DefaultFSName == "" {
		return fsadapter.Descriptor{}, cacheerr.New(cacheerr.KindConfig, "resolveDescriptor", "default", fmt.Errorf("fs_default_name is not configured"))
	}
	resolved := fsadapter.Descriptor{
		DFSType:   d.DFSType,
		Host:      r.cfg.DefaultFSName,
		Port:      d.Port,
		Effective: true,
	}
	return resolved, nil
}

// RegisterFileSystem registers (or idempotently re-registers) a
// descriptor, dialing a connection pool and building the bridge it
// will be served through. Repeated calls for the same (dfsType, host)
// are no-ops (spec.md §6: "repeated calls for the same (dfsType, host)
// are no-ops"), matching a key already present in the routing map
// rather than re-dialing.
func (r *Registry) RegisterFileSystem(ctx context.Context, d fsadapter.Descriptor) error {
	resolved, err := r.ResolveDescriptor(d)
	if err != nil {
		return err
	}
	key := resolved.RouteKey()

	r.mu.Lock()
	if _, ok := r.byK[key]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	dial, ok := r.dialers[resolved.DFSType]
	if !ok {
		return cacheerr.New(cacheerr.KindConfig, "registerFileSystem", key, fmt.Errorf("no dialer registered for fsType %q", resolved.DFSType))
	}

	var bridge *fsbridge.Bridge
	rp := connpool.New(resolved, dial, func(ctx context.Context, a fsadapter.Adapter) error {
		return bridge.GetFileSystem(ctx)
	})
	lease, err := rp.Acquire(ctx)
	if err != nil {
		r.logf("registry: registerFileSystem %s: %v", key, err)
		return err
	}
	bridge = fsbridge.New(lease.Adapter(), r.executor, r.cfg, r.logger)
	lease.Release(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byK[key]; ok {
		// lost the race against a concurrent registration
		return nil
	}
	r.byK[key] = &routed{descriptor: resolved, bridge: bridge, pool: rp}
	return nil
}

// HasFileSystem reports whether a descriptor is already registered.
// Resolves spec.md §9's Open Question (c): the source's
// containsFileSystem calls contains(Path) (a value search) against a
// map that's keyed by Path -- a plain keyed lookup is what's
// intended, which is what this does.
func (r *Registry) HasFileSystem(d fsadapter.Descriptor) bool {
	resolved, err := r.ResolveDescriptor(d)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byK[resolved.RouteKey()]
	return ok
}

// RemoveFileSystem unregisters a descriptor, closing nothing already
// in flight (outstanding leases are released normally by their
// callers). Resolves spec.md §9's Open Question (b): the source's
// removeFileSystem calls remove(configuration) against a map keyed by
// Path -- wrong key entirely. This deletes by the same RouteKey every
// other lookup in the routing map uses.
func (r *Registry) RemoveFileSystem(d fsadapter.Descriptor) bool {
	resolved, err := r.ResolveDescriptor(d)
	if err != nil {
		return false
	}
	key := resolved.RouteKey()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byK[key]; !ok {
		return false
	}
	delete(r.byK, key)
	return true
}

// Bridge returns the retry/caching-wrapped bridge routed for d, for
// callers (the handle API) that need stat-like operations
// (getFileStatus/listStatus/getFileBlockLocations) rather than a raw
// connection.
func (r *Registry) Bridge(d fsadapter.Descriptor) (*fsbridge.Bridge, error) {
	rt, err := r.route(d)
	if err != nil {
		return nil, err
	}
	return rt.bridge, nil
}

// AcquireConnection leases a pooled connection for d, for callers (the
// handle API's fileOpen) that need a raw fsadapter.NativeFile rather
// than a bridge-mediated call -- namespace mutators, permission ops,
// and non-cached opens all go directly through a leased connection,
// per spec.md §4.J ("fileOpen leases a pooled connection").
func (r *Registry) AcquireConnection(ctx context.Context, d fsadapter.Descriptor) (*connpool.Lease, error) {
	rt, err := r.route(d)
	if err != nil {
		return nil, err
	}
	return rt.pool.Acquire(ctx)
}

// LocalPath returns the deterministic local cache path for
// (descriptor, remotePath, transform) without consulting or mutating
// the cache index, for callers that need to name a path before
// deciding whether to read through the cache.
func (r *Registry) LocalPath(d fsadapter.Descriptor, remotePath, transform string) (string, error) {
	resolved, err := r.ResolveDescriptor(d)
	if err != nil {
		return "", err
	}
	return pathns.Local(r.cfg.CacheRoot, string(resolved.DFSType), resolved.Host, resolved.Port, remotePath, transform), nil
}

func (r *Registry) route(d fsadapter.Descriptor) (*routed, error) {
	resolved, err := r.ResolveDescriptor(d)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	rt, ok := r.byK[resolved.RouteKey()]
	r.mu.Unlock()
	if !ok {
		return nil, cacheerr.New(cacheerr.KindConfig, "route", resolved.RouteKey(), fmt.Errorf("filesystem not registered"))
	}
	return rt, nil
}

// Find looks up the ManagedFile for (descriptor, remotePath,
// transform), without triggering a download. It is the entry point
// for spec.md's E1 scenario (cache hit, no bridge call).
func (r *Registry) Find(d fsadapter.Descriptor, remotePath, transform string) (*cachefile.ManagedFile, bool, error) {
	rt, err := r.route(d)
	if err != nil {
		return nil, false, err
	}
	local := pathns.Local(r.cfg.CacheRoot, string(rt.descriptor.DFSType), rt.descriptor.Host, rt.descriptor.Port, remotePath, transform)
	f, ok := r.Engine.Find(local)
	return f, ok, nil
}

// Add resolves or starts a download for (descriptor, remotePath,
// transform), blocking until the single-flight loader reaches a
// terminal state (spec.md §4.H). nature distinguishes an ordinary
// physical download from a CREATE_FROM_SELECT placeholder a write path
// is about to populate.
func (r *Registry) Add(ctx context.Context, d fsadapter.Descriptor, remotePath, transform string, nature cachefile.Nature) (*cachefile.ManagedFile, error) {
	rt, err := r.route(d)
	if err != nil {
		return nil, err
	}
	local := pathns.Local(r.cfg.CacheRoot, string(rt.descriptor.DFSType), rt.descriptor.Host, rt.descriptor.Port, remotePath, transform)
	origin := cachefile.RemoteOrigin{
		DFSType:      string(rt.descriptor.DFSType),
		Host:         rt.descriptor.Host,
		Port:         rt.descriptor.Port,
		RemotePath:   remotePath,
		TransformCmd: transform,
	}
	return r.Loader.Open(ctx, origin, local, nature)
}

// DeleteFile drops localPath from the cache index, physically
// unlinking it (subject to the pin rule in invariant 4) when physical
// is true.
func (r *Registry) DeleteFile(localPath string, physical bool) bool {
	return r.Engine.Remove(localPath, physical)
}

// DeletePath best-effort removes every cached entry whose local path
// falls under localPrefix.
func (r *Registry) DeletePath(localPrefix string) bool {
	return r.Engine.DeletePath(localPrefix)
}

// RegisterCreateFromSelect associates a local path being written by a
// CREATE_FROM_SELECT query with the remote sink it must be uploaded to
// on close, under the side table's own dedicated mutex (spec.md §5:
// "CREATE_FROM_SELECT registration is serialized on a dedicated mutex
// distinct from the cache index lock").
func (r *Registry) RegisterCreateFromSelect(localPath string, remote cachefile.RemoteOrigin) {
	r.side.Register(localPath, remote)
}

// LookupCreateFromSelect returns the remote sink registered for
// localPath, if any.
func (r *Registry) LookupCreateFromSelect(localPath string) (cachefile.RemoteOrigin, bool) {
	return r.side.Lookup(localPath)
}

// UnregisterCreateFromSelect drops localPath's registration. Per
// scenario E6, a second call for the same path is a no-op that the
// caller observes by Lookup no longer finding the entry; there is no
// separate boolean return here because SideTable.Unregister itself is
// unconditional -- callers that need the "did this call actually find
// something" signal should Lookup immediately beforehand.
func (r *Registry) UnregisterCreateFromSelect(localPath string) {
	r.side.Unregister(localPath)
}

// fetcher adapts a Registry into loader.Fetcher by leasing a pooled
// connection for the origin's descriptor and copying bytes from that
// leased connection's adapter.
type fetcher struct{ r *Registry }

func (f fetcher) Fetch(ctx context.Context, origin cachefile.RemoteOrigin, tmpPath string) (int64, error) {
	d := fsadapter.Descriptor{DFSType: fsadapter.Type(origin.DFSType), Host: origin.Host, Port: origin.Port, Effective: true}
	rt, err := f.r.route(d)
	if err != nil {
		return 0, err
	}
	lease, err := rt.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	ok := false
	defer func() { lease.Release(ok) }()

	remote, err := lease.Adapter().Open(ctx, origin.RemotePath, fsadapter.ReadOnly, 0, 0, 0)
	if err != nil {
		return 0, cacheerr.New(cacheerr.KindRemoteIO, "open", origin.RemotePath, err)
	}
	defer remote.Close()

	out, err := os.Create(tmpPath)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	src, closeSrc, err := decodeIfTransformed(remote, origin.TransformCmd)
	if err != nil {
		return 0, err
	}
	if closeSrc != nil {
		defer closeSrc()
	}

	n, err := io.Copy(out, src)
	if err != nil {
		return n, cacheerr.New(cacheerr.KindRemoteIO, "fetch", origin.RemotePath, err)
	}
	if err := out.Sync(); err != nil {
		return n, err
	}
	ok = true
	return n, nil
}

// decodeIfTransformed wraps remote in a decompressing reader when
// origin's transform names a supported codec, so on-disk cache content
// is always the materialized (decompressed) bytes a scan operator
// expects -- spec.md §4.F treats transform purely as a path-namespace
// discriminator, but a cache entry produced by a transform has to
// actually apply it somewhere, and the fetch path is the only place
// that sees both the compressed remote stream and the local sink.
// "zstd" is the only transform recognized today; any other non-empty
// value is treated as a configuration error rather than silently
// copied through uncompressed.
func decodeIfTransformed(remote io.Reader, transform string) (io.Reader, func(), error) {
	switch transform {
	case "":
		return remote, nil, nil
	case "zstd":
		dec, err := zstd.NewReader(remote)
		if err != nil {
			return nil, nil, cacheerr.New(cacheerr.KindRemoteIO, "zstd.NewReader", "", err)
		}
		return dec, dec.Close, nil
	default:
		return nil, nil, cacheerr.New(cacheerr.KindConfig, "decodeIfTransformed", "", fmt.Errorf("unsupported transform %q", transform))
	}
}

// logAdapter makes a *log.Logger satisfy loader.Logger without an
// import cycle through an anonymous interface at every call site.
type logAdapter struct{ l *log.Logger }

func (a logAdapter) Printf(format string, args ...interface{}) {
	if a.l != nil {
		a.l.Printf(format, args...)
	}
}
