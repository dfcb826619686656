package opshttp

import (
	"net/http"

	"github.com/getbananas/getbananas-web/internal/health"
)

type Options struct {
	// Port defaults to 9000
	Port int
	// Addr overrides Port when set, e.g. "127.0.0.1:0" in tests
	Addr        string
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic is called for every recovered panic, typically a prometheus counter
	OnPanic func()
}
