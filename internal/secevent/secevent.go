// Package secevent records one security event per request and hands it to an
// asynchronous sink. It sits outside every layer that can end a request so
// rate limits, errors, panics and client aborts are all seen exactly once.
package secevent

import (
	"errors"
	"net/http"
	"time"

	"github.com/getbananas/getbananas-web/internal/httpmw"
)

// Event is the record shipped to the sink. It carries no query string,
// user agent or other client supplied free text.
type Event struct {
	Time      time.Time      `json:"_time"`
	Site      string         `json:"site"`
	ClientIP  string         `json:"client_ip"`
	Method    string         `json:"method"`
	Path      string         `json:"path"`
	Route     string         `json:"route,omitempty"`
	Status    int            `json:"status"`
	Outcome   httpmw.Outcome `json:"outcome"`
	LatencyMS float64        `json:"latency_ms"`
	RequestID string         `json:"request_id,omitempty"`
}

// Sink accepts events without blocking. false means the event was dropped.
type Sink interface {
	Enqueue(v any) bool
}

type Options struct {
	// Site identifies this deployment in a shared dataset
	Site string
	Sink Sink
	// Now defaults to time.Now
	Now func() time.Time
	// OnEvent runs once per event, after classification
	OnEvent func(httpmw.Outcome)
}

type Recorder struct {
	site    string
	sink    Sink
	now     func() time.Time
	onEvent func(httpmw.Outcome)
}

// New returns a Recorder. A nil Sink discards events, OnEvent still runs.
func New(opts Options) *Recorder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		site:    opts.Site,
		sink:    opts.Sink,
		now:     opts.Now,
		onEvent: opts.OnEvent,
	}
}

// Middleware emits exactly one Event per request once the inner chain has
// returned or panicked. Panics are re-raised after the event is queued.
// It installs the outcome slot and chi routing context inner layers write to.
func (rc *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := rc.now()
		r = httpmw.WithRouteContext(r.WithContext(httpmw.WithOutcome(r.Context())))
		sw := httpmw.NewStatusRecorder(w)

		done := false
		defer func() {
			var rec any
			if !done {
				rec = recover()
			}
			rc.emit(r, sw.Status(), start, rec, !done)
			if rec != nil {
				panic(rec)
			}
		}()

		next.ServeHTTP(sw, r)
		done = true
	})
}

func (rc *Recorder) emit(r *http.Request, status int, start time.Time, rec any, panicked bool) {
	ctx := r.Context()
	outcome := Classify(r, status, rec, panicked)
	if status == 0 && !panicked && outcome != httpmw.OutcomeAborted {
		// handler returned without writing, net/http sends 200
		status = http.StatusOK
	}

	ev := Event{
		Time:      start.UTC(),
		Site:      rc.site,
		ClientIP:  httpmw.ClientIPFromContext(ctx),
		Method:    r.Method,
		Path:      r.URL.Path,
		Route:     httpmw.RoutePattern(ctx),
		Status:    status,
		Outcome:   outcome,
		LatencyMS: float64(rc.now().Sub(start).Microseconds()) / 1000,
		RequestID: httpmw.RequestIDFromContext(ctx),
	}
	if rc.onEvent != nil {
		rc.onEvent(outcome)
	}
	if rc.sink != nil {
		rc.sink.Enqueue(ev)
	}
}

// Classify maps a finished request to its outcome. A rate limit mark wins,
// then client aborts, then server errors.
func Classify(r *http.Request, status int, rec any, panicked bool) httpmw.Outcome {
	if httpmw.OutcomeFromContext(r.Context()) == httpmw.OutcomeRateLimited {
		return httpmw.OutcomeRateLimited
	}
	if panicked {
		if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			return httpmw.OutcomeAborted
		}
		return httpmw.OutcomeError
	}
	if r.Context().Err() != nil {
		return httpmw.OutcomeAborted
	}
	if status >= http.StatusInternalServerError {
		return httpmw.OutcomeError
	}
	return httpmw.OutcomeAllowed
}
