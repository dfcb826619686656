package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/getbananas/getbananas-web/internal/httpmw"
	"github.com/getbananas/getbananas-web/internal/log"
	"github.com/getbananas/getbananas-web/internal/otelx"
	"github.com/getbananas/getbananas-web/internal/xerrors"
)

// maxBodyBytes caps request bodies. The site only serves GET.
const maxBodyBytes = 1024

// Pipeline declares the public middleware order, outermost first.
//
// The security event layer sits outside recover so a recovered panic is
// still seen as a 500, and outside the security headers so the event
// records the final status. The rate limiter runs after head normalization
// so HEAD and GET share a budget.
func Pipeline(opts *Options) httpmw.Stack {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	csp := opts.CSP
	if csp == nil {
		csp = httpmw.DefaultCSP()
	}

	s := httpmw.Stack{
		{Name: "client_ip", Wrap: httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: opts.TrustedHops})},
		{Name: "request_id", Wrap: httpmw.RequestID("X-Request-Id")},
		{Name: "security_events"},
		{Name: "security_headers", Wrap: httpmw.SecurityHeaders(csp)},
		{Name: "recover", Wrap: httpmw.Recover(L, opts.OnPanic)},
		{Name: "head", Wrap: httpmw.HeadNormalizer},
		{Name: "rate_limit"},
		{Name: "tracing", Wrap: otelx.Middleware("http.server")},
		{Name: "metrics"},
		{Name: "request_logger", Wrap: httpmw.WithLogger(L)},
	}
	if opts.Events != nil {
		s[2].Wrap = opts.Events.Middleware
	}
	if opts.Limiter != nil {
		s[6].Wrap = opts.Limiter.Middleware
	}
	if opts.Metrics != nil {
		s[8].Wrap = opts.Metrics.Middleware
	}
	return s
}

// Router returns the chi router the pipeline wraps.
func Router(opts *Options) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"text/plain",
		"application/xml",
		"image/svg+xml",
	))
	// names the span and logger after the matched route
	r.Use(httpmw.AnnotateRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxBodyBytes))

	if opts.Routes != nil {
		opts.Routes(r)
	}
	return r
}

// NewHandler builds the public handler: the pipeline around the router.
// main() owns *http.Server so it can do graceful shutdown
func NewHandler(opts *Options) http.Handler {
	return Pipeline(opts).Then(Router(opts))
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start the public HTTP server.
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}

	go func() {
		L.Info(ctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
