// Package reactor runs the sync core's session arena: spec.md §4.6's
// single-threaded cooperative reactor, translated into the Go idiom of one
// goroutine per session's blocking I/O feeding a single goroutine that owns
// all session-state mutation and the store's transaction guard (see
// DESIGN.md's Open Question resolution on the reactor's concurrency model).
// Grounded on node/p2p_runtime.go's PeerManager: a bounded, addressable peer
// set with an idle sweep, generalized from a ban-score-aware peer map to a
// handle-indexed session arena.
package reactor

import (
	"fmt"
	"net"
	"sync"
	"time"

	"netsync.dev/core/netsync"
)

// Handle addresses one live session in the arena. Stable for the session's
// lifetime; never reused while the arena is running.
type Handle uint64

// defaultMaxSessions bounds the arena, mirroring PeerRuntimeConfig.MaxPeers'
// default of 64 in node/p2p_runtime.go.
const defaultMaxSessions = 64

// defaultIdleTimeout is spec.md §5's "Per-session idle timeout (default:
// 21600 s)".
const defaultIdleTimeout = 21600 * time.Second

// entry is one arena slot: the session state machine, its transport, and
// the bookkeeping the eviction sweep needs.
type entry struct {
	session *netsync.Session
	conn    net.Conn
	lastIO  time.Time
	outbox  chan []byte
	cancel  func()

	// rbuf accumulates bytes read off conn until wire.Codec.Decode has a
	// complete frame. Only ever touched from the reactor goroutine.
	rbuf []byte
}

// Arena is the bounded, addressable set of live sessions. Its map is
// guarded by a mutex the way node/p2p_runtime.go's PeerManager guards its
// peer map — registration and eviction happen from multiple goroutines
// (the accept loop, the idle sweep, a session's own I/O goroutine on
// disconnect), but entry.session itself is only ever touched from the
// single reactor goroutine (see loop.go), never under this mutex.
type Arena struct {
	mu          sync.Mutex
	sessions    map[Handle]*entry
	nextHandle  Handle
	maxSessions int
	idleTimeout time.Duration
}

// Options configures an Arena at construction time.
type Options struct {
	MaxSessions int
	IdleTimeout time.Duration
}

// NewArena returns an empty Arena, applying spec.md §5's defaults for any
// zero-valued option.
func NewArena(opt Options) *Arena {
	if opt.MaxSessions <= 0 {
		opt.MaxSessions = defaultMaxSessions
	}
	if opt.IdleTimeout <= 0 {
		opt.IdleTimeout = defaultIdleTimeout
	}
	return &Arena{
		sessions:    make(map[Handle]*entry),
		maxSessions: opt.MaxSessions,
		idleTimeout: opt.IdleTimeout,
	}
}

// Add registers a new session, rejecting it once the arena is at capacity
// (spec.md §4.6's reactor runs "any number of active sessions" only up to
// an operator-imposed bound; node/p2p_runtime.go's AddPeer enforces the
// same MaxPeers cap).
func (a *Arena) Add(sess *netsync.Session, conn net.Conn, cancel func()) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) >= a.maxSessions {
		return 0, fmt.Errorf("reactor: arena at capacity (%d sessions)", a.maxSessions)
	}
	a.nextHandle++
	h := a.nextHandle
	a.sessions[h] = &entry{
		session: sess,
		conn:    conn,
		lastIO:  time.Now(),
		outbox:  make(chan []byte, 64),
		cancel:  cancel,
	}
	return h, nil
}

// Remove drops h from the arena and stops its reader goroutine. Its writer
// goroutine is left to drain whatever is still queued in outbox and close
// the connection itself once empty, so a final frame flushed in the same
// reactor iteration that calls Remove (an Error, or the last Bye) is not
// lost to a race against conn.Close. Safe to call more than once for the
// same handle.
func (a *Arena) Remove(h Handle) {
	a.mu.Lock()
	e, ok := a.sessions[h]
	if ok {
		delete(a.sessions, h)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	close(e.outbox)
}

// Get returns the entry for h, if still present.
func (a *Arena) get(h Handle) (*entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.sessions[h]
	return e, ok
}

// touch refreshes h's idle clock; called whenever the reactor processes a
// frame or flushes output for it.
func (a *Arena) touch(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.sessions[h]; ok {
		e.lastIO = time.Now()
	}
}

// Len reports the number of live sessions.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// idleHandles returns every handle whose last activity predates the idle
// timeout (spec.md §4.6 step 6: "For each session idle longer than the
// eviction timeout: disconnect").
func (a *Arena) idleHandles(now time.Time) []Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Handle
	for h, e := range a.sessions {
		if now.Sub(e.lastIO) > a.idleTimeout {
			out = append(out, h)
		}
	}
	return out
}
