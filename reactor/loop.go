package reactor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"netsync.dev/core/netsync"
	"netsync.dev/core/store"
	"netsync.dev/core/wire"
)

// readBufSize is the chunk size for each conn.Read, mirroring
// node/p2p_runtime.go's bufio.Reader default.
const readBufSize = 32 * 1024

// idleSweepInterval is how often the reactor goroutine checks every
// session's last-activity clock against the arena's idle timeout.
const idleSweepInterval = 30 * time.Second

// event is the single channel type every per-session I/O goroutine sends
// on; the reactor goroutine is the only reader and the only place session
// state is mutated, so nothing here needs its own lock.
type event struct {
	handle  Handle
	data    []byte // non-nil: raw bytes read off the wire
	err     error  // non-nil: the connection died (EOF or otherwise)
	greet   bool   // true: server-voice session just registered, send Greet
	flushed int    // >0: this many bytes were just written to the socket
}

// Reactor drives every registered session to completion. One instance owns
// exactly one goroutine that touches session state and the store's
// transaction guard; construct with NewReactor and run with Run.
type Reactor struct {
	arena  *Arena
	store  *store.Store
	log    *slog.Logger
	events chan event
}

// NewReactor returns a Reactor bound to store for its transaction guard and
// arena for session bookkeeping. log may be nil, in which case slog.Default
// is used (spec.md's ambient logging is structured throughout; the reactor
// is no exception).
func NewReactor(arena *Arena, st *store.Store, log *slog.Logger) *Reactor {
	if log == nil {
		log = slog.Default()
	}
	return &Reactor{arena: arena, store: st, log: log, events: make(chan event, 256)}
}

// Register adds sess/conn to the arena and starts its reader and writer
// goroutines,
// returning the handle the reactor will use to refer to it in logs. The
// caller is expected to have already completed (or be about to drive) the
// handshake; Register does not itself send Greet.
func (r *Reactor) Register(ctx context.Context, sess *netsync.Session, conn net.Conn) (Handle, error) {
	cctx, cancel := context.WithCancel(ctx)
	h, err := r.arena.Add(sess, conn, cancel)
	if err != nil {
		cancel()
		return 0, err
	}
	go r.readLoop(cctx, h, conn)
	go r.writeLoop(h, conn)
	return h, nil
}

// SendGreet queues the server-voice Hello for h to be produced on the
// reactor goroutine, where every other touch of sess's state happens.
// Callers register a freshly accepted server session and then call this
// instead of invoking Session.Greet directly.
func (r *Reactor) SendGreet(h Handle) {
	r.events <- event{handle: h, greet: true}
}

// readLoop is the one blocking-I/O goroutine per session that node/
// p2p_runtime.go's PeerSession.Run plays the equivalent role for: it only
// moves bytes, never touches session state, so nothing here races with the
// reactor goroutine.
func (r *Reactor) readLoop(ctx context.Context, h Handle, conn net.Conn) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case r.events <- event{handle: h, data: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case r.events <- event{handle: h, err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// writeLoop drains an entry's outbox (already-encoded frame bytes) onto the
// socket until Arena.Remove closes it, then closes conn. Encoding happens
// on the reactor goroutine, since it mutates the codec's MAC chain; this
// goroutine only ever writes bytes it's handed. It deliberately does not
// also select on ctx.Done: that would race against already-queued bytes
// still sitting in outbox (an Error frame, the final Bye) and could drop
// them, so outbox closing is the only exit signal.
//
// Each successful write is reported back to the reactor goroutine as a
// flushed event so it can call Session.NoteFlushed, releasing the transfer
// engine's back-pressure accounting (spec.md §4.4); nothing else is allowed
// to touch session state.
func (r *Reactor) writeLoop(h Handle, conn net.Conn) {
	e, ok := r.arena.get(h)
	if !ok {
		return
	}
	defer conn.Close()
	for buf := range e.outbox {
		n, err := conn.Write(buf)
		if err != nil {
			r.arena.Remove(h)
			return
		}
		r.events <- event{handle: h, flushed: n}
	}
}

// Run is the single reactor goroutine: it owns every session's state and
// the store's per-iteration transaction guard (spec.md §4.6). It returns
// when ctx is canceled.
func (r *Reactor) Run(ctx context.Context) error {
	sweep := time.NewTicker(idleSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			r.evictIdle()
		case ev := <-r.events:
			r.handleEvent(ev)
		}
	}
}

// handleEvent processes one I/O event under a single transaction guard
// (see txn.go): everything a single inbound chunk causes (zero or more
// decoded frames, replies, store mutations) commits atomically before the
// next event is considered.
func (r *Reactor) handleEvent(ev event) {
	e, ok := r.arena.get(ev.handle)
	if !ok {
		return
	}
	if ev.err != nil {
		r.finish(ev.handle, e, ev.err)
		return
	}
	if ev.greet {
		greet, err := e.session.Greet()
		if err != nil {
			r.log.Error("reactor: Greet", "handle", ev.handle, "err", err)
			r.finish(ev.handle, e, err)
			return
		}
		r.flush(ev.handle, e, []wire.Frame{greet})
		r.arena.touch(ev.handle)
		return
	}
	if ev.flushed > 0 {
		var out []wire.Frame
		r.withGuard(ev.handle, func() error {
			e.session.NoteFlushed(ev.flushed)
			if e.session.Armed() {
				drained, err := e.session.DrainSendQueue()
				if err != nil {
					r.log.Error("reactor: drain send queue", "handle", ev.handle, "err", err)
					return err
				}
				out = drained
			}
			idle, err := e.session.CheckIdle()
			if err != nil {
				r.log.Error("reactor: check idle", "handle", ev.handle, "err", err)
			} else {
				out = append(out, idle...)
			}
			r.flush(ev.handle, e, out)
			r.arena.touch(ev.handle)
			return nil
		})
		return
	}

	var sessionErr error
	r.withGuard(ev.handle, func() error {
		e.rbuf = append(e.rbuf, ev.data...)
		var out []wire.Frame
		for {
			f, n, err := e.session.RecvCodec.Decode(e.rbuf)
			if errors.Is(err, wire.ErrNeedMoreBytes) {
				break
			}
			if err != nil {
				sessionErr = err
				break
			}
			e.rbuf = e.rbuf[n:]

			more, herr := e.session.HandleFrame(f)
			out = append(out, more...)
			if herr != nil {
				sessionErr = herr
				break
			}
		}

		if sessionErr == nil {
			if e.session.Armed() {
				drained, err := e.session.DrainSendQueue()
				if err != nil {
					r.log.Error("reactor: drain send queue", "handle", ev.handle, "err", err)
				} else {
					out = append(out, drained...)
				}
			}
			idle, err := e.session.CheckIdle()
			if err != nil {
				r.log.Error("reactor: check idle", "handle", ev.handle, "err", err)
			} else {
				out = append(out, idle...)
			}
		}

		r.flush(ev.handle, e, out)
		r.arena.touch(ev.handle)
		return sessionErr
	})

	if sessionErr != nil {
		r.finish(ev.handle, e, sessionErr)
		return
	}
	if e.session.Failed() != nil {
		r.finish(ev.handle, e, e.session.Failed())
		return
	}
	// spec.md §4.2: Confirmed is terminal on both voices once reached, so
	// nothing further will traverse this connection.
	if e.session.State == netsync.StateConfirmed {
		r.finish(ev.handle, e, nil)
	}
}

// flush encodes and hands off every frame in out, in order, to the
// session's writer goroutine.
func (r *Reactor) flush(h Handle, e *entry, out []wire.Frame) {
	for _, f := range out {
		buf, err := e.session.SendCodec.Encode(f)
		if err != nil {
			r.log.Error("reactor: encode outbound frame", "handle", h, "command", f.Command, "err", err)
			continue
		}
		select {
		case e.outbox <- buf:
		default:
			r.log.Warn("reactor: outbox full, dropping session", "handle", h)
			r.finish(h, e, io.ErrClosedPipe)
			return
		}
	}
}

// finish logs the reason a session ended and removes it from the arena.
func (r *Reactor) finish(h Handle, e *entry, cause error) {
	if cause != nil && !errors.Is(cause, io.EOF) {
		r.log.Info("reactor: session ended", "handle", h, "cause", cause)
	} else {
		r.log.Info("reactor: session ended", "handle", h)
	}
	r.arena.Remove(h)
}

// evictIdle disconnects every session idle longer than the arena's timeout
// (spec.md §4.6 step 6, §5's 21600s default), rolling back any guard left
// open would be a bug in handleEvent's own bookkeeping since every guard is
// opened and closed within a single call.
func (r *Reactor) evictIdle() {
	for _, h := range r.arena.idleHandles(time.Now()) {
		e, ok := r.arena.get(h)
		if !ok {
			continue
		}
		r.log.Info("reactor: evicting idle session", "handle", h)
		r.finish(h, e, nil)
	}
}
