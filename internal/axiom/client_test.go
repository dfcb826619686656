package axiom

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/getbananas/getbananas-web/internal/log"
)

type testEvent struct {
	Time time.Time `json:"_time"`
	Seq  int       `json:"seq"`
}

type ingestRequest struct {
	Path    string
	Header  http.Header
	Records []map[string]any
}

// fakeIngest is an Axiom ingest endpoint. respond picks the status for the
// nth request (1-based); nil always answers 200.
type fakeIngest struct {
	mu       sync.Mutex
	requests []ingestRequest
	calls    atomic.Int32
	respond  func(n int, w http.ResponseWriter) int
	srv      *httptest.Server
}

func newFakeIngest(t *testing.T, respond func(n int, w http.ResponseWriter) int) *fakeIngest {
	t.Helper()
	f := &fakeIngest{respond: respond}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(f.calls.Add(1))
		status := http.StatusOK
		if f.respond != nil {
			status = f.respond(n, w)
		}
		if status == http.StatusOK {
			recs, err := decodeNDJSON(r.Body)
			if err != nil {
				t.Errorf("decode ingest body: %v", err)
			}
			f.mu.Lock()
			f.requests = append(f.requests, ingestRequest{Path: r.URL.Path, Header: r.Header.Clone(), Records: recs})
			f.mu.Unlock()
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIngest) received() []ingestRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ingestRequest(nil), f.requests...)
}

func (f *fakeIngest) records() []map[string]any {
	var out []map[string]any
	for _, r := range f.received() {
		out = append(out, r.Records...)
	}
	return out
}

func decodeNDJSON(r io.Reader) ([]map[string]any, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var out []map[string]any
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

type fakeSpool struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (s *fakeSpool) Archive(_ context.Context, body []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.bodies = append(s.bodies, append([]byte(nil), body...))
	return fmt.Sprintf("dead/%d.ndjson.gz", len(s.bodies)), nil
}

func (s *fakeSpool) archived() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.bodies...)
}

type fakeMetrics struct {
	enqueued, dropped, retries atomic.Int64
	mu                         sync.Mutex
	batches                    map[string]int
}

func (m *fakeMetrics) IncEnqueued() { m.enqueued.Add(1) }
func (m *fakeMetrics) IncDropped()  { m.dropped.Add(1) }
func (m *fakeMetrics) IncRetries()  { m.retries.Add(1) }
func (m *fakeMetrics) ObserveBatch(result string, events int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batches == nil {
		m.batches = map[string]int{}
	}
	m.batches[result] += events
}

func newTestClient(t *testing.T, endpoint string, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Endpoint:      endpoint,
		Dataset:       "security",
		Token:         "xaat-test",
		BatchSize:     10,
		FlushInterval: time.Hour,
		InitialDelay:  time.Millisecond,
		MaxRetries:    3,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func closeClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{"missing token", func(o *Options) { o.Token = " " }, "token"},
		{"missing dataset", func(o *Options) { o.Dataset = "" }, "dataset"},
		{"relative endpoint", func(o *Options) { o.Endpoint = "/ingest" }, "endpoint"},
		{"non http endpoint", func(o *Options) { o.Endpoint = "ftp://axiom" }, "endpoint"},
		{"bad policy", func(o *Options) { o.DropPolicy = "drop-all" }, "drop policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{Endpoint: "https://api.axiom.co", Dataset: "security", Token: "t"}
			tt.mutate(&opts)
			c, err := New(opts)
			if err == nil {
				_ = c.Close(context.Background())
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestClient_DeliversGzipNDJSONBatch(t *testing.T) {
	ingest := newFakeIngest(t, nil)
	c := newTestClient(t, ingest.srv.URL+"/", func(o *Options) { o.BatchSize = 3 })

	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		if !c.Enqueue(testEvent{Time: ts, Seq: i}) {
			t.Fatalf("Enqueue %d refused", i)
		}
	}
	waitFor(t, "batch delivery", func() bool { return c.Stats().Delivered == 3 })

	reqs := ingest.received()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Path != "/v1/datasets/security/ingest" {
		t.Fatalf("path = %q", req.Path)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer xaat-test" {
		t.Fatalf("Authorization = %q", got)
	}
	if req.Header.Get("Content-Encoding") != "gzip" || req.Header.Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("headers = %v", req.Header)
	}
	if len(req.Records) != 3 {
		t.Fatalf("records = %d", len(req.Records))
	}
	for i, rec := range req.Records {
		if rec["_time"] != "2026-05-01T08:00:00Z" || rec["seq"] != float64(i+1) {
			t.Fatalf("record %d = %v", i, rec)
		}
	}
}

func TestClient_FlushIntervalSendsPartialBatch(t *testing.T) {
	ingest := newFakeIngest(t, nil)
	c := newTestClient(t, ingest.srv.URL, func(o *Options) {
		o.BatchSize = 100
		o.FlushInterval = 20 * time.Millisecond
	})
	c.Enqueue(testEvent{Seq: 1})
	waitFor(t, "timed flush", func() bool { return len(ingest.records()) == 1 })
}

func TestClient_CloseDrainsQueue(t *testing.T) {
	ingest := newFakeIngest(t, nil)
	m := &fakeMetrics{}
	c := newTestClient(t, ingest.srv.URL, func(o *Options) {
		o.BatchSize = 4
		o.Metrics = m
	})
	for i := 0; i < 10; i++ {
		c.Enqueue(testEvent{Seq: i})
	}
	closeClient(t, c)

	if got := len(ingest.records()); got != 10 {
		t.Fatalf("delivered records = %d, want 10", got)
	}
	if c.Enqueue(testEvent{Seq: 99}) {
		t.Fatal("Enqueue after Close should be refused")
	}
	st := c.Stats()
	if st.Enqueued != 10 || st.Delivered != 10 || st.Dropped != 1 || st.QueueDepth != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if m.enqueued.Load() != 10 || m.dropped.Load() != 1 || m.batches["delivered"] != 10 {
		t.Fatalf("metrics enqueued=%d dropped=%d batches=%v", m.enqueued.Load(), m.dropped.Load(), m.batches)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// blockedClient returns a client whose worker is stuck delivering event 0,
// leaving a queue of size 2 for the test to fill.
func TestClient_CheckFailsAfterClose(t *testing.T) {
	ingest := newFakeIngest(t, nil)
	c := newTestClient(t, ingest.srv.URL, nil)

	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("Check before Close = %v, want nil", err)
	}
	closeClient(t, c)
	if err := c.Check(context.Background()); err == nil {
		t.Fatal("Check after Close = nil, want an error")
	}
}

// fieldLogger accumulates the fields bound through With.
type fieldLogger struct {
	log.Logger
	fields *[]any
}

func (l fieldLogger) With(kv ...any) log.Logger {
	*l.fields = append(*l.fields, kv...)
	return l
}

func TestNew_TagsLoggerOnce(t *testing.T) {
	ingest := newFakeIngest(t, nil)
	var fields []any
	base := fieldLogger{Logger: log.Nop(), fields: &fields}

	newTestClient(t, ingest.srv.URL, func(o *Options) { o.Logger = base })

	var components []any
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] == "component" {
			components = append(components, fields[i+1])
		}
	}
	if len(components) != 1 || components[0] != "axiom" {
		t.Fatalf("component fields = %v, want [axiom]", components)
	}
	if fields[len(fields)-1] != "security" {
		t.Errorf("dataset field missing from %v", fields)
	}
}

func blockedClient(t *testing.T, policy DropPolicy) (*Client, *fakeIngest, func()) {
	t.Helper()
	release := make(chan struct{})
	ingest := newFakeIngest(t, func(n int, w http.ResponseWriter) int {
		if n == 1 {
			<-release
		}
		return http.StatusOK
	})
	c := newTestClient(t, ingest.srv.URL, func(o *Options) {
		o.BatchSize = 1
		o.QueueSize = 2
		o.DropPolicy = policy
	})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	c.Enqueue(testEvent{Seq: 0})
	waitFor(t, "first request in flight", func() bool { return ingest.calls.Load() == 1 })
	return c, ingest, unblock
}

func seqs(recs []map[string]any) []int {
	out := make([]int, 0, len(recs))
	for _, r := range recs {
		out = append(out, int(r["seq"].(float64)))
	}
	return out
}

func TestClient_DropNewestWhenFull(t *testing.T) {
	c, ingest, release := blockedClient(t, DropNewest)

	if !c.Enqueue(testEvent{Seq: 1}) || !c.Enqueue(testEvent{Seq: 2}) {
		t.Fatal("queue should accept two events")
	}
	if c.Enqueue(testEvent{Seq: 3}) {
		t.Fatal("full queue should refuse under drop-newest")
	}
	if st := c.Stats(); st.Dropped != 1 || st.QueueDepth != 2 {
		t.Fatalf("stats = %+v", st)
	}

	release()
	closeClient(t, c)
	if got := fmt.Sprint(seqs(ingest.records())); got != "[0 1 2]" {
		t.Fatalf("delivered seqs = %s", got)
	}
}

func TestClient_DropOldestWhenFull(t *testing.T) {
	c, ingest, release := blockedClient(t, DropOldest)

	c.Enqueue(testEvent{Seq: 1})
	c.Enqueue(testEvent{Seq: 2})
	if !c.Enqueue(testEvent{Seq: 3}) {
		t.Fatal("drop-oldest should accept the newest event")
	}
	if st := c.Stats(); st.Dropped != 1 || st.Enqueued != 4 {
		t.Fatalf("stats = %+v", st)
	}

	release()
	closeClient(t, c)
	if got := fmt.Sprint(seqs(ingest.records())); got != "[0 2 3]" {
		t.Fatalf("delivered seqs = %s", got)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	ingest := newFakeIngest(t, func(n int, w http.ResponseWriter) int {
		if n <= 2 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	c := newTestClient(t, ingest.srv.URL, nil)
	c.Enqueue(testEvent{Seq: 1})
	closeClient(t, c)

	st := c.Stats()
	if st.Delivered != 1 || st.Retries != 2 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestClient_HonoursRetryAfter(t *testing.T) {
	ingest := newFakeIngest(t, func(n int, w http.ResponseWriter) int {
		if n == 1 {
			w.Header().Set("Retry-After", "1")
			return http.StatusTooManyRequests
		}
		return http.StatusOK
	})
	c := newTestClient(t, ingest.srv.URL, nil)

	start := time.Now()
	c.Enqueue(testEvent{Seq: 1})
	closeClient(t, c)

	if c.Stats().Delivered != 1 {
		t.Fatalf("stats = %+v", c.Stats())
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Fatalf("retry did not wait for Retry-After, elapsed %v", elapsed)
	}
}

func TestClient_PermanentFailureIsArchived(t *testing.T) {
	ingest := newFakeIngest(t, func(int, http.ResponseWriter) int { return http.StatusUnauthorized })
	spool := &fakeSpool{}
	m := &fakeMetrics{}
	c := newTestClient(t, ingest.srv.URL, func(o *Options) {
		o.Spool = spool
		o.Metrics = m
	})
	c.Enqueue(testEvent{Seq: 7})
	closeClient(t, c)

	if n := ingest.calls.Load(); n != 1 {
		t.Fatalf("auth failure should not retry, got %d attempts", n)
	}
	if st := c.Stats(); st.Failed != 1 || st.Delivered != 0 || st.Retries != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if m.batches["failed"] != 1 {
		t.Fatalf("failed batches metric = %v", m.batches)
	}

	bodies := spool.archived()
	if len(bodies) != 1 {
		t.Fatalf("archived batches = %d", len(bodies))
	}
	recs, err := decodeNDJSON(bytes.NewReader(bodies[0]))
	if err != nil {
		t.Fatalf("decode archived body: %v", err)
	}
	if got := fmt.Sprint(seqs(recs)); got != "[7]" {
		t.Fatalf("archived seqs = %s", got)
	}
}

func TestClient_ExhaustedRetriesWithoutSpool(t *testing.T) {
	ingest := newFakeIngest(t, func(int, http.ResponseWriter) int { return http.StatusInternalServerError })
	c := newTestClient(t, ingest.srv.URL, func(o *Options) { o.MaxRetries = 3 })
	c.Enqueue(testEvent{Seq: 1})
	closeClient(t, c)

	if n := ingest.calls.Load(); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
	if st := c.Stats(); st.Failed != 1 || st.Retries != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestClient_SendReturnsDeliveryError(t *testing.T) {
	ingest := newFakeIngest(t, func(int, http.ResponseWriter) int { return http.StatusForbidden })
	c := newTestClient(t, ingest.srv.URL, nil)

	body, n, err := encodeBatch([]any{testEvent{Seq: 1}})
	if err != nil || n != 1 {
		t.Fatalf("encodeBatch: n=%d err=%v", n, err)
	}
	err = c.send(context.Background(), body)

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("error %T is not a DeliveryError: %v", err, err)
	}
	if de.Status != http.StatusForbidden || de.Attempts != 1 {
		t.Fatalf("DeliveryError = %+v", de)
	}
	if !strings.Contains(de.Error(), "403") {
		t.Fatalf("message %q lacks status", de.Error())
	}
}

func TestEncodeBatch_SkipsUnencodableValues(t *testing.T) {
	body, n, err := encodeBatch([]any{testEvent{Seq: 1}, make(chan int), testEvent{Seq: 2}})
	if err != nil {
		t.Fatalf("encodeBatch: %v", err)
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	recs, err := decodeNDJSON(bytes.NewReader(body))
	if err != nil || len(recs) != 2 {
		t.Fatalf("records = %v err = %v", recs, err)
	}
}

func TestClient_CloseHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	ingest := newFakeIngest(t, func(int, http.ResponseWriter) int {
		<-release
		return http.StatusOK
	})
	c := newTestClient(t, ingest.srv.URL, func(o *Options) { o.BatchSize = 1 })
	t.Cleanup(func() { close(release) })

	c.Enqueue(testEvent{Seq: 1})
	waitFor(t, "request in flight", func() bool { return ingest.calls.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want deadline exceeded", err)
	}
}

func TestClient_ConcurrentEnqueueAndClose(t *testing.T) {
	ingest := newFakeIngest(t, nil)
	c := newTestClient(t, ingest.srv.URL, func(o *Options) {
		o.QueueSize = 64
		o.BatchSize = 16
	})

	const producers, perProducer = 8, 200
	var accepted atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if c.Enqueue(testEvent{Seq: p*perProducer + i}) {
					accepted.Add(1)
				}
			}
		}(p)
	}
	time.Sleep(5 * time.Millisecond)
	closeClient(t, c)
	wg.Wait()

	st := c.Stats()
	if st.Enqueued+st.Dropped != producers*perProducer {
		t.Fatalf("unaccounted events: %+v", st)
	}
	if uint64(len(ingest.records()))+st.Failed != st.Enqueued {
		t.Fatalf("delivered %d + failed %d != enqueued %d", len(ingest.records()), st.Failed, st.Enqueued)
	}
	if int64(st.Enqueued) != accepted.Load() {
		t.Fatalf("enqueued %d != accepted %d", st.Enqueued, accepted.Load())
	}
}
