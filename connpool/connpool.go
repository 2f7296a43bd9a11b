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

// Package connpool is the per-descriptor connection pool (spec.md
// §4.C): a demand-grown set of reusable adapter handles with scoped
// leasing, so a busy scan doesn't re-dial a remote filesystem for
// every open().
//
// The lease/release pairing here generalizes the teacher's
// tenant.Manager child-process leasing idiom (an availability channel
// used as a lightweight mutex, released on every exit path including
// panics via defer) from "one subprocess" to "N pooled connections".
package connpool

import (
	"context"
	"sync"

	"github.com/impalatogo/dfscache/cacheerr"
	"github.com/impalatogo/dfscache/fsadapter"
)

// State mirrors the Connection state machine from spec.md §3.
type State int

const (
	NonInitialized State = iota
	FreeInitialized
	BusyOK
	BusyBad
)

type conn struct {
	adapter fsadapter.Adapter
	state   State
	// redialing marks a connection a caller has already claimed for
	// the ping-or-dial I/O in tryRedial, guarded by Pool.mu the same
	// as state. It is not one of spec.md §3's four Connection states
	// (NON_INITIALIZED/FREE_INITIALIZED/BUSY_OK/BUSY_BAD) -- it exists
	// purely so a second concurrent tryRedial skips a candidate that's
	// mid-redial instead of racing to redial the same *conn twice.
	redialing bool
}

// Pool is a per-descriptor pool of fsadapter.Adapter connections.
// There is no hard cap on pool size; growth is demand-driven, and in
// practice bounded by the caller's own concurrency (usually the
// rexec.Executor's worker fan-out).
type Pool struct {
	descriptor fsadapter.Descriptor
	dial       fsadapter.Dialer
	ping       func(context.Context, fsadapter.Adapter) error

	mu    sync.Mutex
	conns []*conn
}

// New creates a Pool for descriptor. dial constructs a fresh adapter
// connection; ping validates that an existing-but-possibly-stale
// adapter is still reachable (corresponds to the bridge's
// getFileSystem call in spec.md §4.C step 2).
func New(d fsadapter.Descriptor, dial fsadapter.Dialer, ping func(context.Context, fsadapter.Adapter) error) *Pool {
	return &Pool{descriptor: d, dial: dial, ping: ping}
}

// Lease is a scoped handle on a pooled connection. Callers must call
// Release (directly or via defer) on every exit path, including
// errors, to return the connection to the pool.
type Lease struct {
	pool *Pool
	c    *conn
}

// Adapter returns the leased adapter.
func (l *Lease) Adapter() fsadapter.Adapter { return l.c.adapter }

// Release returns the connection to the pool. ok indicates whether
// the caller's use of the connection succeeded; a false value marks
// the connection BusyBad so the next Acquire re-dials it before
// handing it out again.
func (l *Lease) Release(ok bool) {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	if ok {
		l.c.state = FreeInitialized
	} else {
		l.c.state = BusyBad
	}
}

// Acquire implements the four-step algorithm from spec.md §4.C:
//  1. prefer a FREE_INITIALIZED connection;
//  2. else re-dial any non-FREE, non-BUSY_OK connection (e.g. BUSY_BAD);
//  3. else create a new connection and retry step 1;
//  4. if all of the above fail, return NotReachable.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if l := p.tryFree(); l != nil {
		return l, nil
	}
	if l := p.tryRedial(ctx); l != nil {
		return l, nil
	}
	if p.tryCreate(ctx) {
		if l := p.tryFree(); l != nil {
			return l, nil
		}
	}
	return nil, cacheerr.New(cacheerr.KindNotReachable, "acquire", p.descriptor.RouteKey(), nil)
}

func (p *Pool) tryFree() *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c.state == FreeInitialized {
			c.state = BusyOK
			return &Lease{pool: p, c: c}
		}
	}
	return nil
}

// tryRedial implements spec.md §4.C step 2: a BUSY_BAD (or otherwise
// non-free, non-busy-ok) connection is first given a chance to prove
// it's still reachable via ping before it's thrown away and replaced
// with a brand new dial. A connection that was merely flagged bad by a
// caller's Release(false) -- a single failed operation, not a dropped
// socket -- is worth keeping if ping says it still answers.
//
// The candidate is flagged redialing before p.mu is released for the
// ping/dial I/O, so a second concurrent Acquire's tryRedial can't pick
// the same *conn out from under this one and have both calls hand out
// a Lease wrapping it -- it skips a redialing candidate and falls
// through to tryCreate instead.
func (p *Pool) tryRedial(ctx context.Context) *Lease {
	p.mu.Lock()
	var candidate *conn
	for _, c := range p.conns {
		if c.state != FreeInitialized && c.state != BusyOK && !c.redialing {
			candidate = c
			candidate.redialing = true
			break
		}
	}
	p.mu.Unlock()
	if candidate == nil {
		return nil
	}

	if p.ping != nil && p.ping(ctx, candidate.adapter) == nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		candidate.state = BusyOK
		candidate.redialing = false
		return &Lease{pool: p, c: candidate}
	}

	a, err := p.dial(ctx, p.descriptor)
	if err != nil {
		p.mu.Lock()
		candidate.redialing = false
		p.mu.Unlock()
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	candidate.adapter = a
	candidate.state = BusyOK
	candidate.redialing = false
	return &Lease{pool: p, c: candidate}
}

func (p *Pool) tryCreate(ctx context.Context) bool {
	a, err := p.dial(ctx, p.descriptor)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = append(p.conns, &conn{adapter: a, state: FreeInitialized})
	return true
}

// Size returns the current number of pooled connections, live or
// otherwise. Intended for diagnostics and tests.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
