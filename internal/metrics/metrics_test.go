package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTunnelAccounting(t *testing.T) {
	t.Parallel()

	m := New()

	m.TunnelStarted()
	m.TunnelStarted()
	if got := promtestutil.ToFloat64(m.tunnelsActive); got != 2 {
		t.Fatalf("active=%v want 2", got)
	}

	m.TunnelFinished("closed", 10, 20)
	m.TunnelFinished("auth", 0, 0)

	if got := promtestutil.ToFloat64(m.tunnelsActive); got != 0 {
		t.Fatalf("active=%v want 0", got)
	}
	if got := promtestutil.ToFloat64(m.tunnelsTotal.WithLabelValues("closed")); got != 1 {
		t.Fatalf("closed=%v want 1", got)
	}
	if got := promtestutil.ToFloat64(m.tunnelsTotal.WithLabelValues("auth")); got != 1 {
		t.Fatalf("auth=%v want 1", got)
	}
	if got := promtestutil.ToFloat64(m.bytesTotal.WithLabelValues("upstream")); got != 10 {
		t.Fatalf("upstream bytes=%v want 10", got)
	}
	if got := promtestutil.ToFloat64(m.bytesTotal.WithLabelValues("downstream")); got != 20 {
		t.Fatalf("downstream bytes=%v want 20", got)
	}

	m.ConnectRejected()
	if got := promtestutil.ToFloat64(m.connectRejected); got != 1 {
		t.Fatalf("rejected=%v want 1", got)
	}

	m.ObserveHandshake(5 * time.Millisecond)
	if got := promtestutil.CollectAndCount(m.handshakeSeconds); got != 1 {
		t.Fatalf("handshake series=%d want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.TunnelStarted()
	m.TunnelFinished("closed", 1, 1)
	m.ConnectRejected()
	m.ObserveHandshake(time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d want 404", rec.Code)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.ConnectRejected()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "socksbridge_connect_rejected_total 1") {
		t.Fatalf("metrics output missing rejected counter:\n%s", body)
	}
}
