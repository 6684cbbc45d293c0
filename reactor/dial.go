package reactor

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"netsync.dev/core/netsync"
)

// DialOptions configures Dial's reconnect behavior.
type DialOptions struct {
	Network string // defaults to "tcp"

	// NewSession builds a fresh client-voice Session for each connection
	// attempt (a session is single-use: once it reaches StateConfirmed or
	// StateError it cannot be replayed onto a new socket).
	NewSession func() *netsync.Session

	// MaxElapsedTime bounds the whole reconnect loop; zero means retry
	// forever, matching a long-lived sync client that should ride out a
	// transient network partition.
	MaxElapsedTime time.Duration
}

// Dial connects to addr and registers a client-voice session, retrying
// with exponential backoff (grounded on node/p2p_runtime.go's reconnect
// loop, generalized from its fixed retry delay to the ecosystem's
// exponential-backoff library) until a connection succeeds or ctx is
// canceled. It returns after the first successful registration; the
// session then runs for as long as the connection stays up, same as any
// accepted inbound session.
func (r *Reactor) Dial(ctx context.Context, addr string, opt DialOptions) (Handle, error) {
	network := opt.Network
	if network == "" {
		network = "tcp"
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = opt.MaxElapsedTime
	bctx := backoff.WithContext(b, ctx)

	var h Handle
	var dialer net.Dialer
	op := func() error {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			r.log.Warn("reactor: dial failed, retrying", "addr", addr, "err", err)
			return err
		}
		sess := opt.NewSession()
		h, err = r.Register(ctx, sess, conn)
		if err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, bctx); err != nil {
		return 0, err
	}
	r.log.Info("reactor: connected", "handle", h, "addr", addr)
	return h, nil
}
