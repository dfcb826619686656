// Package opshttp serves the admin listener: health, readiness, metrics and
// optional pprof. It only answers loopback and private network peers.
package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"sync"
	"time"

	"github.com/getbananas/getbananas-web/internal/health"
	"github.com/getbananas/getbananas-web/internal/httpmw"
	"github.com/getbananas/getbananas-web/internal/log"
	"github.com/getbananas/getbananas-web/internal/xerrors"
)

// Server is a running ops listener.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	L    log.Logger
	once sync.Once
}

// Addr is the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Stop gracefully shuts the listener down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) (retErr error) {
	s.once.Do(func() {
		s.L.Info(ctx, "ops http server shutting down")
		c, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		retErr = s.srv.Shutdown(c)
	})
	return retErr
}

// Handler builds the ops mux without binding a listener.
func Handler(L log.Logger, opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/-/healthy", health.HealthzHandler(opts.Health))
	mux.Handle("/-/ready", health.ReadyzHandler(opts.Readiness))

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	// pprof (or shadow with 404s)
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	return httpmw.Chain(mux,
		func(next http.Handler) http.Handler { return requireNonPublicNetwork(L, next) },
		httpmw.Recover(L, opts.OnPanic),
	)
}

// RegisterPprof mounts the net/http/pprof handlers on mux.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// Start admin HTTP server with /metrics, /-/healthy, /-/ready, pprof debug endpoints
func Start(ctx context.Context, L log.Logger, opts Options) (*Server, error) {
	if L == nil {
		L = log.Nop()
	}
	addr := opts.Addr
	if addr == "" {
		port := opts.Port
		if port == 0 {
			port = 9000
		}
		addr = fmt.Sprintf(":%d", port)
	}

	srv := &http.Server{
		Handler:           Handler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profile defaults to 30s of sampling
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	s := &Server{srv: srv, ln: ln, L: L}
	go func() {
		L.Info(ctx, "ops http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()
	return s, nil
}

// requireNonPublicNetwork rejects peers outside loopback, private and
// link-local ranges. The ops port is never meant to face the internet.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ap, err := netip.ParseAddrPort(r.RemoteAddr)
		if err != nil {
			L.Warn(r.Context(), "ops request with unparseable remote address", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip := ap.Addr().Unmap()
		if !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
			L.Warn(r.Context(), "ops request from public address rejected",
				"client.address", ip.String(),
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
