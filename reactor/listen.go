package reactor

import (
	"context"
	"net"

	"netsync.dev/core/netsync"
)

// Serve accepts connections on ln until ctx is canceled, registering one
// server-voice Session per connection and sending its opening Hello.
// newConfig builds the per-connection netsync.Config (so callers can vary
// OwnKeyName or Policy per listener without a closure per call site).
func (r *Reactor) Serve(ctx context.Context, ln net.Listener, newConfig func() netsync.Config) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		sess := netsync.NewServerSession(newConfig())
		h, err := r.Register(ctx, sess, conn)
		if err != nil {
			r.log.Warn("reactor: reject connection, arena full", "remote", conn.RemoteAddr(), "err", err)
			_ = conn.Close()
			continue
		}
		r.log.Info("reactor: accepted connection", "handle", h, "remote", conn.RemoteAddr())
		r.SendGreet(h)
	}
}
