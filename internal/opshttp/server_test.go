package opshttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/getbananas/getbananas-web/internal/health"
	"github.com/getbananas/getbananas-web/internal/log"
)

// test helpers

func startOps(t *testing.T, opts Options) *Server {
	t.Helper()
	opts.Addr = "127.0.0.1:0"
	s, err := Start(context.Background(), log.Nop(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func opsGet(t *testing.T, s *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + s.Addr().String() + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

// serveFrom runs the ops handler for a request from remoteAddr.
func serveFrom(h http.Handler, remoteAddr, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, http.NoBody)
	req.RemoteAddr = remoteAddr
	h.ServeHTTP(rec, req)
	return rec
}

// lifecycle

func TestStart_GracefulShutdown(t *testing.T) {
	s := startOps(t, Options{Health: health.Fixed(true, "")})
	if code, _ := opsGet(t, s, "/-/healthy"); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get("http://" + s.Addr().String() + "/-/healthy"); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	s := startOps(t, Options{})
	if _, err := Start(context.Background(), log.Nop(), Options{Addr: s.Addr().String()}); err == nil {
		t.Fatal("expected error for port conflict")
	}
}

// endpoints

func TestEndpoints(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("http_requests_total 1\n"))
	})
	tests := []struct {
		name     string
		opts     Options
		path     string
		wantCode int
		wantBody string
	}{
		{"healthy", Options{Health: health.Fixed(true, "")}, "/-/healthy", 200, "ok"},
		{"unhealthy", Options{Health: health.Fixed(false, "worker stopped")}, "/-/healthy", 503, "worker stopped"},
		{"ready", Options{Readiness: health.Fixed(true, "")}, "/-/ready", 200, "ready"},
		{"not ready", Options{Readiness: health.Fixed(false, "draining")}, "/-/ready", 503, "draining"},
		{"metrics", Options{Metrics: metrics}, "/metrics", 200, "http_requests_total"},
		{"metrics absent", Options{}, "/metrics", 404, ""},
		{"pprof enabled", Options{EnablePprof: true}, "/debug/pprof/", 200, "goroutine"},
		{"pprof disabled", Options{}, "/debug/pprof/", 404, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := startOps(t, tt.opts)
			code, body := opsGet(t, s, tt.path)
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d", code, tt.wantCode)
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Fatalf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestHandler_RecoversPanics(t *testing.T) {
	panics := 0
	boom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("metrics exploded") })
	h := Handler(log.Nop(), Options{Metrics: boom, OnPanic: func() { panics++ }})

	rec := serveFrom(h, "127.0.0.1:5000", "/metrics")
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status = %d panics = %d", rec.Code, panics)
	}
}

// requireNonPublicNetwork

func TestRequireNonPublicNetwork(t *testing.T) {
	tests := []struct {
		addr string
		want int
	}{
		{"127.0.0.1:12345", http.StatusOK},
		{"[::1]:12345", http.StatusOK},
		{"10.0.0.1:8080", http.StatusOK},
		{"172.16.0.1:8080", http.StatusOK},
		{"192.168.1.1:8080", http.StatusOK},
		{"169.254.1.1:8080", http.StatusOK},
		{"[fd00::1]:8080", http.StatusOK},
		{"[::ffff:10.0.0.1]:12345", http.StatusOK},
		{"8.8.8.8:12345", http.StatusForbidden},
		{"1.1.1.1:443", http.StatusForbidden},
		{"203.0.113.1:80", http.StatusForbidden},
		{"[2001:db8::1]:443", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:12345", http.StatusForbidden},
		{"not-an-address", http.StatusForbidden},
		{"", http.StatusForbidden},
		{"999.999.999.999:8080", http.StatusForbidden},
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("allowed"))
	})
	h := requireNonPublicNetwork(log.Nop(), inner)

	for _, tt := range tests {
		rec := serveFrom(h, tt.addr, "/-/healthy")
		if rec.Code != tt.want {
			t.Errorf("RemoteAddr %q: status = %d, want %d", tt.addr, rec.Code, tt.want)
		}
	}
}
