package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/die-net/socksbridge/internal/testutil"
)

type relayResult struct {
	stats RelayStats
	err   error
}

func startRelay(ctx context.Context, client, upstream net.Conn, idle time.Duration) <-chan relayResult {
	done := make(chan relayResult, 1)
	go func() {
		stats, err := Relay(ctx, client, upstream, idle)
		done <- relayResult{stats: stats, err: err}
	}()
	return done
}

func waitRelay(t *testing.T, done <-chan relayResult) relayResult {
	t.Helper()

	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
		return relayResult{}
	}
}

func TestRelayByteExactEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientPeer, clientSide := testutil.TCPPair(ctx, t)
	upSide, upPeer := testutil.TCPPair(ctx, t)

	go testutil.Echo(upPeer)

	done := startRelay(ctx, clientSide, upSide, 0)

	payload := make([]byte, 256*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := clientPeer.Write(payload)
		if err == nil {
			err = clientPeer.(*net.TCPConn).CloseWrite()
		}
		writeErr <- err
	}()

	got, err := io.ReadAll(clientPeer)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-writeErr; err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch: got %d bytes want %d", len(got), len(payload))
	}

	res := waitRelay(t, done)
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.stats.Upstream != int64(len(payload)) || res.stats.Downstream != int64(len(payload)) {
		t.Fatalf("unexpected stats %+v", res.stats)
	}
}

func TestRelayHalfClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientPeer, clientSide := testutil.TCPPair(ctx, t)
	upSide, upPeer := testutil.TCPPair(ctx, t)

	done := startRelay(ctx, clientSide, upSide, 0)

	if _, err := clientPeer.Write([]byte("request")); err != nil {
		t.Fatal(err)
	}
	if err := clientPeer.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	// The upstream sees the request followed by EOF...
	got, err := io.ReadAll(upPeer)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "request" {
		t.Fatalf("upstream got %q", got)
	}

	// ...and can still answer afterwards.
	if _, err := upPeer.Write([]byte("late response")); err != nil {
		t.Fatal(err)
	}
	_ = upPeer.Close()

	resp, err := io.ReadAll(clientPeer)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "late response" {
		t.Fatalf("client got %q", resp)
	}

	res := waitRelay(t, done)
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.stats.Upstream != 7 || res.stats.Downstream != 13 {
		t.Fatalf("unexpected stats %+v", res.stats)
	}
}

func TestRelayIdleTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, clientSide := testutil.TCPPair(ctx, t)
	upSide, _ := testutil.TCPPair(ctx, t)

	res := waitRelay(t, startRelay(ctx, clientSide, upSide, 50*time.Millisecond))

	var relayErr *RelayIOError
	if !errors.As(res.err, &relayErr) {
		t.Fatalf("expected *RelayIOError, got %v", res.err)
	}
	if !errors.Is(res.err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", res.err)
	}
	if Classify(res.err) != KindRelay {
		t.Fatalf("got kind %q", Classify(res.err))
	}
}

func TestRelayContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientPeer, clientSide := testutil.TCPPair(ctx, t)
	upSide, upPeer := testutil.TCPPair(ctx, t)

	relayCtx, relayCancel := context.WithCancel(ctx)
	done := startRelay(relayCtx, clientSide, upSide, 0)

	testutil.AssertEcho(t, clientPeer, upPeer, []byte("ping"))
	relayCancel()

	res := waitRelay(t, done)
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.err)
	}

	// Both peers observe the tunnel closing.
	if _, err := io.ReadAll(clientPeer); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(upPeer); err != nil {
		t.Fatal(err)
	}
}

func TestNewBufferedConn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, side := testutil.TCPPair(ctx, t)

	if c := NewBufferedConn(side, bufio.NewReader(side)); c != side {
		t.Fatal("expected conn unchanged when nothing is buffered")
	}

	br := bufio.NewReader(io.MultiReader(strings.NewReader("pending "), side))
	if _, err := br.Peek(1); err != nil {
		t.Fatal(err)
	}
	c := NewBufferedConn(side, br)

	if _, err := peer.Write([]byte("live")); err != nil {
		t.Fatal(err)
	}
	_ = peer.(*net.TCPConn).CloseWrite()

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pending live" {
		t.Fatalf("got %q", got)
	}

	if _, ok := c.(closeWriter); !ok {
		t.Fatal("buffered conn should support CloseWrite")
	}
}
