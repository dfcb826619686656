package httpserver

import (
	"github.com/go-chi/chi/v5"

	"github.com/getbananas/getbananas-web/internal/httpmw"
	"github.com/getbananas/getbananas-web/internal/log"
	"github.com/getbananas/getbananas-web/internal/metrics"
	"github.com/getbananas/getbananas-web/internal/ratelimit"
	"github.com/getbananas/getbananas-web/internal/secevent"
)

type Options struct {
	Logger log.Logger
	Port   int

	// TrustedHops is the number of reverse proxies in front of the server.
	TrustedHops int
	// CSP defaults to httpmw.DefaultCSP.
	CSP httpmw.CSP

	// Optional layers, skipped when nil.
	Limiter *ratelimit.Limiter
	Events  *secevent.Recorder
	Metrics *metrics.ServerMetrics

	// Routes mounts the application on the router.
	Routes  func(chi.Router)
	OnPanic func()
}
