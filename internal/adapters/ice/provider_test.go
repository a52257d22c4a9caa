package ice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewProvider(srv.URL, "test-key")
	return p, srv
}

func TestServersMergesFetchedWithStatic(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apiKey") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"urls":"turn:turn.example.com:3478","username":"u","credential":"c"}]`))
	})

	servers := p.Servers(context.Background())
	want := len(staticSTUNServers) + 1 + len(staticRelayServers)
	if len(servers) != want {
		t.Fatalf("got %d servers, want %d", len(servers), want)
	}
	found := false
	for _, s := range servers {
		for _, u := range s.URLs {
			if u == "turn:turn.example.com:3478" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("fetched server missing from merged set")
	}
}

func TestServersCachesWithinTTL(t *testing.T) {
	var calls int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`[{"urls":["turn:turn.example.com:3478"]}]`))
	})
	base := time.Now()
	p.now = func() time.Time { return base }

	p.Servers(context.Background())
	p.Servers(context.Background())
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("fresh cache refetched: %d calls", n)
	}

	p.now = func() time.Time { return base.Add(cacheTTL + time.Second) }
	p.Servers(context.Background())
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("stale cache not refetched: %d calls", n)
	}
}

func TestServersFallbackOnError(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	servers := p.Servers(context.Background())
	if len(servers) != len(FallbackServers()) {
		t.Fatalf("expected fallback set, got %d servers", len(servers))
	}
}

func TestServersFallbackOnEmptyBody(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	servers := p.Servers(context.Background())
	if len(servers) != len(FallbackServers()) {
		t.Fatalf("expected fallback set, got %d servers", len(servers))
	}
}

func TestFallbackIncludesRelay(t *testing.T) {
	hasRelay := false
	for _, s := range FallbackServers() {
		if s.Username != "" && s.Credential != nil {
			hasRelay = true
		}
	}
	if !hasRelay {
		t.Fatal("fallback set has no relay credentials")
	}
}

func TestURLListSingleString(t *testing.T) {
	var u urlList
	if err := u.UnmarshalJSON([]byte(`"stun:s.example.com"`)); err != nil {
		t.Fatal(err)
	}
	if len(u) != 1 || u[0] != "stun:s.example.com" {
		t.Fatalf("unexpected urls: %v", u)
	}
}
