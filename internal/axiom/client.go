package axiom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/getbananas/getbananas-web/internal/log"
	"github.com/getbananas/getbananas-web/internal/xerrors"
)

// DropPolicy selects which event is discarded when the queue is full.
type DropPolicy string

const (
	DropNewest DropPolicy = "drop-newest"
	DropOldest DropPolicy = "drop-oldest"
)

const (
	defaultQueueSize     = 4096
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultMaxRetries    = 5
	defaultMaxElapsed    = 2 * time.Minute
	defaultInitialDelay  = 500 * time.Millisecond
	defaultHTTPTimeout   = 15 * time.Second
	spoolTimeout         = 30 * time.Second
	userAgent            = "getbananas-web/axiom"
)

// Metrics receives delivery counters. internal/metrics implements it.
type Metrics interface {
	IncEnqueued()
	IncDropped()
	IncRetries()
	ObserveBatch(result string, events int, d time.Duration)
}

// Spool archives batches that could not be delivered.
type Spool interface {
	Archive(ctx context.Context, body []byte) (string, error)
}

type Options struct {
	// Endpoint is the API base, e.g. https://api.axiom.co
	Endpoint string
	Dataset  string
	Token    string

	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	DropPolicy    DropPolicy

	// MaxRetries bounds the number of attempts per batch, MaxElapsed the total time.
	MaxRetries   int
	MaxElapsed   time.Duration
	InitialDelay time.Duration

	// SendRate is the maximum ingest requests per second, zero means unpaced
	SendRate float64

	HTTPClient *http.Client
	Spool      Spool
	Logger     log.Logger
	Metrics    Metrics
}

// DeliveryError is returned for a batch that exhausted its retries or hit a
// permanent failure. Status is zero when no response was received.
type DeliveryError struct {
	Status   int
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("axiom ingest failed after %d attempt(s) with status %d: %v", e.Attempts, e.Status, e.Err)
	}
	return fmt.Sprintf("axiom ingest failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Stats is a point-in-time view of the client counters.
type Stats struct {
	Enqueued   uint64
	Dropped    uint64
	Delivered  uint64
	Failed     uint64
	Retries    uint64
	QueueDepth int
}

type Client struct {
	ingestURL     string
	token         string
	batchSize     int
	flushInterval time.Duration
	policy        DropPolicy
	maxRetries    int
	maxElapsed    time.Duration
	initialDelay  time.Duration

	http    *http.Client
	limiter *rate.Limiter
	spool   Spool
	logger  log.Logger
	metrics Metrics

	// mu guards closed against the close of queue
	mu     sync.RWMutex
	closed bool
	queue  chan any

	closeOnce sync.Once
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	enqueued  atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
}

// New validates opts and starts the delivery worker.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, xerrors.New("axiom token is required")
	}
	if strings.TrimSpace(opts.Dataset) == "" {
		return nil, xerrors.New("axiom dataset is required")
	}
	u, err := url.Parse(opts.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, xerrors.Newf("invalid axiom endpoint %q", opts.Endpoint)
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	switch opts.DropPolicy {
	case "":
		opts.DropPolicy = DropNewest
	case DropNewest, DropOldest:
	default:
		return nil, xerrors.Newf("invalid drop policy %q", opts.DropPolicy)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = defaultMaxElapsed
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = defaultInitialDelay
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	limit := rate.Inf
	if opts.SendRate > 0 {
		limit = rate.Limit(opts.SendRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ingestURL:     strings.TrimRight(opts.Endpoint, "/") + "/v1/datasets/" + url.PathEscape(opts.Dataset) + "/ingest",
		token:         opts.Token,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		policy:        opts.DropPolicy,
		maxRetries:    opts.MaxRetries,
		maxElapsed:    opts.MaxElapsed,
		initialDelay:  opts.InitialDelay,
		http:          opts.HTTPClient,
		limiter:       rate.NewLimiter(limit, 1),
		spool:         opts.Spool,
		logger:        opts.Logger.With("component", "axiom", "dataset", opts.Dataset),
		metrics:       opts.Metrics,
		queue:         make(chan any, opts.QueueSize),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
	go c.run()
	return c, nil
}

// Enqueue offers v for delivery without blocking. It reports whether v was
// queued; a false return has already been counted as a drop.
func (c *Client) Enqueue(v any) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		c.drop()
		return false
	}

	select {
	case c.queue <- v:
		c.accept()
		return true
	default:
	}

	if c.policy == DropOldest {
		select {
		case <-c.queue:
			c.drop()
		default:
		}
		select {
		case c.queue <- v:
			c.accept()
			return true
		default:
		}
	}

	c.drop()
	return false
}

func (c *Client) accept() {
	c.enqueued.Add(1)
	if c.metrics != nil {
		c.metrics.IncEnqueued()
	}
}

func (c *Client) drop() {
	c.dropped.Add(1)
	if c.metrics != nil {
		c.metrics.IncDropped()
	}
}

func (c *Client) Stats() Stats {
	return Stats{
		Enqueued:   c.enqueued.Load(),
		Dropped:    c.dropped.Load(),
		Delivered:  c.delivered.Load(),
		Failed:     c.failed.Load(),
		Retries:    c.retries.Load(),
		QueueDepth: len(c.queue),
	}
}

// QueueDepth is the number of events waiting for the worker.
func (c *Client) QueueDepth() int { return len(c.queue) }

// Check fails once the client stops accepting events. It satisfies health.Probe.
func (c *Client) Check(context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return xerrors.New("event sink closed")
	}
	return nil
}

// Close stops intake and waits for the worker to drain and flush the queue.
// If ctx ends first, in-flight delivery is abandoned and ctx.Err is returned.
// Close may be called more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.queue)
		c.mu.Unlock()
	})

	select {
	case <-c.done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
}

func (c *Client) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	batch := make([]any, 0, c.batchSize)
	for {
		select {
		case v, ok := <-c.queue:
			if !ok {
				if len(batch) > 0 {
					c.flush(batch)
				}
				return
			}
			batch = append(batch, v)
			if len(batch) >= c.batchSize {
				c.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				c.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (c *Client) flush(batch []any) {
	start := time.Now()

	body, n, err := encodeBatch(batch)
	if err != nil {
		c.logger.Error(c.ctx, err, "axiom batch encoding failed", "events", len(batch))
		c.fail(len(batch), start)
		return
	}
	if n < len(batch) {
		c.logger.Warn(c.ctx, "axiom events skipped during encoding", "skipped", len(batch)-n)
		c.failed.Add(uint64(len(batch) - n))
	}
	if n == 0 {
		return
	}

	if err := c.send(c.ctx, body); err != nil {
		c.fail(n, start)
		c.logger.Warn(c.ctx, "axiom batch delivery failed", "events", n, "err", err)
		c.archive(body, n)
		return
	}

	c.delivered.Add(uint64(n))
	if c.metrics != nil {
		c.metrics.ObserveBatch("delivered", n, time.Since(start))
	}
}

func (c *Client) fail(n int, start time.Time) {
	c.failed.Add(uint64(n))
	if c.metrics != nil {
		c.metrics.ObserveBatch("failed", n, time.Since(start))
	}
}

func (c *Client) archive(body []byte, n int) {
	if c.spool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), spoolTimeout)
	defer cancel()

	key, err := c.spool.Archive(ctx, body)
	if err != nil {
		c.logger.Error(ctx, err, "axiom dead-letter archive failed", "events", n)
		return
	}
	c.logger.Info(ctx, "axiom batch archived to dead-letter spool", "events", n, "key", key)
}

// encodeBatch writes batch as gzip-compressed NDJSON. Values that cannot be
// marshalled are skipped; n is the number of lines written.
func encodeBatch(batch []any) (body []byte, n int, err error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for _, v := range batch {
		line, mErr := json.Marshal(v)
		if mErr != nil {
			continue
		}
		line = append(line, '\n')
		if _, err := zw.Write(line); err != nil {
			return nil, 0, xerrors.Wrap(err, "write event")
		}
		n++
	}
	if err := zw.Close(); err != nil {
		return nil, 0, xerrors.Wrap(err, "close gzip writer")
	}
	return buf.Bytes(), n, nil
}

// send posts one compressed batch, retrying transient failures.
func (c *Client) send(ctx context.Context, body []byte) error {
	var (
		attempts   int
		lastStatus int
	)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialDelay
	eb.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		status, retryAfter, err := c.post(ctx, body)
		lastStatus = status
		if err == nil {
			return struct{}{}, nil
		}
		switch {
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(err)
		case status == http.StatusTooManyRequests && retryAfter > 0:
			return struct{}{}, backoff.RetryAfter(retryAfter)
		case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(c.maxRetries)),
		backoff.WithMaxElapsedTime(c.maxElapsed),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.retries.Add(1)
			if c.metrics != nil {
				c.metrics.IncRetries()
			}
			c.logger.Debug(ctx, "axiom ingest retry scheduled", "attempt", attempts, "delay", d, "err", err)
		}),
	)
	if err != nil {
		return &DeliveryError{Status: lastStatus, Attempts: attempts, Err: err}
	}
	return nil
}

// post performs a single ingest request. retryAfter is the server's
// Retry-After in seconds, zero when absent.
func (c *Client) post(ctx context.Context, body []byte) (status, retryAfter int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ingestURL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, xerrors.Wrap(err, "build ingest request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, 0, xerrors.Wrap(err, "ingest request")
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, 0, nil
	}
	if s, perr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); perr == nil && s > 0 {
		retryAfter = s
	}
	return resp.StatusCode, retryAfter, xerrors.Newf("ingest returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
}
