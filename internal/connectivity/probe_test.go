package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func newHealthServer(healthy *atomic.Bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
}

func noKeepAliveClient() *http.Client {
	return &http.Client{Timeout: time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
}

func TestProbeStartChecksSynchronously(t *testing.T) {
	defer goleak.VerifyNone(t)

	var healthy atomic.Bool
	healthy.Store(true)
	server := newHealthServer(&healthy)
	defer server.Close()

	probe := NewProbe(server.URL+"/", time.Hour, noKeepAliveClient(), nil)
	probe.Start(context.Background())
	defer probe.Stop()

	if !probe.Online() {
		t.Fatal("expected probe online right after Start")
	}
}

func TestProbePublishesTransitions(t *testing.T) {
	defer goleak.VerifyNone(t)

	var healthy atomic.Bool
	healthy.Store(true)
	server := newHealthServer(&healthy)
	defer server.Close()

	probe := NewProbe(server.URL, time.Hour, noKeepAliveClient(), nil)
	var seen []bool
	unsubscribe := probe.Subscribe(func(online bool) { seen = append(seen, online) })
	defer unsubscribe()

	ctx := context.Background()
	probe.Check(ctx)
	healthy.Store(false)
	probe.Check(ctx)
	probe.Check(ctx)
	healthy.Store(true)
	probe.Check(ctx)

	want := []bool{true, false, true}
	if len(seen) != len(want) {
		t.Fatalf("seen %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen %v, want %v", seen, want)
		}
	}
}

func TestProbeUnreachableIsOffline(t *testing.T) {
	defer goleak.VerifyNone(t)

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	probe := NewProbe(url, time.Hour, noKeepAliveClient(), nil)
	if probe.Check(context.Background()) {
		t.Fatal("expected closed server to be offline")
	}
}

func TestProbeDrivesObserver(t *testing.T) {
	defer goleak.VerifyNone(t)

	var healthy atomic.Bool
	server := newHealthServer(&healthy)
	defer server.Close()

	probe := NewProbe(server.URL, 10*time.Millisecond, noKeepAliveClient(), nil)
	probe.Start(context.Background())
	defer probe.Stop()

	drainer := newFakeDrainer()
	observer := NewObserver(probe, drainer, nil)
	observer.Start(context.Background())
	defer observer.Close()
	assertNoDrain(t, drainer)

	healthy.Store(true)
	waitForDrains(t, drainer, 1)
}
