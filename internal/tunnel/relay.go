package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/socksbridge/internal/pool"
)

// Direction names one half of a tunnel.
type Direction string

const (
	ClientToUpstream Direction = "client->upstream"
	UpstreamToClient Direction = "upstream->client"
)

// RelayStats counts the bytes copied in each direction.
type RelayStats struct {
	Upstream   int64 // client to upstream
	Downstream int64 // upstream to client
}

var copyBuffers = pool.NewBufferPool(32 * 1024)

// Relay copies bytes between client and upstream until both directions are
// done, then closes both connections.
//
// When one direction reaches EOF the write side of its destination is
// half-closed (if the connection supports CloseWrite) and the other
// direction keeps running. The first I/O error on either side is returned
// as a *RelayIOError and closes both connections to unblock the other
// direction. Canceling ctx closes both connections and returns ctx.Err().
//
// If idleTimeout is positive, the tunnel fails once neither side has read
// anything for that long.
func Relay(ctx context.Context, client, upstream net.Conn, idleTimeout time.Duration) (RelayStats, error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	if idleTimeout > 0 {
		timer := &idleTimer{timeout: idleTimeout, conns: []net.Conn{client, upstream}}
		timer.touch()
		client = &idleConn{Conn: client, timer: timer}
		upstream = &idleConn{Conn: upstream, timer: timer}
	}

	g, gctx := errgroup.WithContext(ctx)

	// Fires on the first error, on ctx cancellation, or once Wait returns.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	var stats RelayStats

	g.Go(func() error {
		n, err := pipe(upstream, client)
		stats.Upstream = n
		if err != nil {
			return &RelayIOError{Direction: ClientToUpstream, Err: err}
		}
		return nil
	})

	g.Go(func() error {
		n, err := pipe(client, upstream)
		stats.Downstream = n
		if err != nil {
			return &RelayIOError{Direction: UpstreamToClient, Err: err}
		}
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return stats, ctx.Err()
	}
	return stats, err
}

func pipe(dst, src net.Conn) (int64, error) {
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)

	n, err := io.CopyBuffer(dst, src, buf)
	if err != nil {
		return n, err
	}

	if cw, ok := dst.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
			return n, err
		}
	}
	return n, nil
}
