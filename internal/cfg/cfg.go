package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/getbananas/getbananas-web/internal/log"
)

// Drop policies for the event queue.
const (
	DropNewest = "drop-newest"
	DropOldest = "drop-oldest"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TrustedHops int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// site
	SiteName string
	SiteURL  string
	CSPFile  string

	// rate limiting
	RateLimitMax        int
	RateLimitWindow     time.Duration
	RateLimitGrace      time.Duration
	RateLimitMaxClients int

	// security events
	EnableEvents            bool
	AxiomURL                string
	AxiomDataset            string
	AxiomToken              string
	AxiomTokenSSMParam      string
	AxiomTokenKMSCiphertext string
	EventQueueSize          int
	EventBatchSize          int
	EventFlushInterval      time.Duration
	EventDropPolicy         string
	EventMaxRetries         int
	EventSendRate           float64
	DeadLetterS3Bucket      string
	DeadLetterS3Prefix      string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of us whose X-Forwarded-For we trust (0..8)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.SiteName, "site-name", "getbananas", "site identifier attached to every security event")
	fs.StringVar(&c.SiteURL, "site-url", "https://941getbananas.com", "canonical site URL used in sitemap.xml")
	fs.StringVar(&c.CSPFile, "csp-file", "", "optional YAML file overriding Content-Security-Policy sources")

	fs.IntVar(&c.RateLimitMax, "rate-limit-max", 60, "requests allowed per client per window")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", time.Minute, "rate limit window length")
	fs.DurationVar(&c.RateLimitGrace, "rate-limit-grace", 0, "idle time before a client bucket is evicted (0 = 3x window)")
	fs.IntVar(&c.RateLimitMaxClients, "rate-limit-max-clients", 100000, "max tracked clients before new clients are rejected")

	fs.BoolVar(&c.EnableEvents, "enable-events", true, "Ship security events to Axiom (set false for local runs without a token)")
	fs.StringVar(&c.AxiomURL, "axiom-url", "https://api.axiom.co", "Axiom API base URL")
	fs.StringVar(&c.AxiomDataset, "axiom-dataset", "", "Axiom dataset for security events")
	fs.StringVar(&c.AxiomToken, "axiom-token", "", "Axiom API token (prefer the ssm or kms variants)")
	fs.StringVar(&c.AxiomTokenSSMParam, "axiom-token-ssm-param", "", "SSM SecureString parameter holding the Axiom token")
	fs.StringVar(&c.AxiomTokenKMSCiphertext, "axiom-token-kms-ciphertext", "", "base64 KMS ciphertext of the Axiom token")
	fs.IntVar(&c.EventQueueSize, "event-queue-size", 4096, "buffered security events before the drop policy applies")
	fs.IntVar(&c.EventBatchSize, "event-batch-size", 100, "max events per ingest request")
	fs.DurationVar(&c.EventFlushInterval, "event-flush-interval", 5*time.Second, "max time an event waits before a partial batch is sent")
	fs.StringVar(&c.EventDropPolicy, "event-drop-policy", DropNewest, "drop-newest|drop-oldest when the event queue is full")
	fs.IntVar(&c.EventMaxRetries, "event-max-retries", 5, "delivery attempts per batch (1..20)")
	fs.Float64Var(&c.EventSendRate, "event-send-rate", 5, "max ingest requests per second")
	fs.StringVar(&c.DeadLetterS3Bucket, "deadletter-s3-bucket", "", "s3 bucket for batches that could not be delivered")
	fs.StringVar(&c.DeadLetterS3Prefix, "deadletter-s3-prefix", "getbananas-web/security-events", "s3 prefix (key) for dead-lettered batches")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, redact(f.Name, envVal))
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, redact(f.Name, envVal), err)
			}
		}
	})
}

// EnvKey maps a flag name to its environment variable.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

func redact(name, val string) string {
	if strings.Contains(name, "token") && val != "" {
		return "[redacted]"
	}
	return val
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_HOPS %d (must be 0..8)", c.TrustedHops))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if !isHTTPURL(c.PyroServer) {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Site
	if strings.TrimSpace(c.SiteName) == "" {
		errs = append(errs, fmt.Errorf("SITE_NAME is required"))
	}
	if !isHTTPURL(c.SiteURL) {
		errs = append(errs, fmt.Errorf("SITE_URL must be an http(s) URL (got %q)", c.SiteURL))
	}
	if _, err := LoadCSP(c.CSPFile); err != nil {
		errs = append(errs, fmt.Errorf("invalid CSP_FILE %q: %w", c.CSPFile, err))
	}

	// Rate limiting
	if c.RateLimitMax < 1 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_MAX %d (must be >= 1)", c.RateLimitMax))
	}
	if c.RateLimitWindow < time.Second {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_WINDOW %s (must be >= 1s)", c.RateLimitWindow))
	}
	if c.RateLimitGrace < 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_GRACE %s (must be >= 0)", c.RateLimitGrace))
	} else if c.RateLimitGrace > 0 && c.RateLimitGrace < c.RateLimitWindow {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_GRACE %s must not be shorter than RATE_LIMIT_WINDOW %s", c.RateLimitGrace, c.RateLimitWindow))
	}
	if c.RateLimitMaxClients < 1 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_MAX_CLIENTS %d (must be >= 1)", c.RateLimitMaxClients))
	}

	if c.EnableEvents {
		errs = append(errs, validateEvents(c)...)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateEvents(c App) []error {
	var errs []error
	if !isHTTPURL(c.AxiomURL) {
		errs = append(errs, fmt.Errorf("AXIOM_URL must be an http(s) URL (got %q)", c.AxiomURL))
	}
	if c.AxiomDataset == "" {
		errs = append(errs, fmt.Errorf("AXIOM_DATASET required when ENABLE_EVENTS=true"))
	}

	sources := 0
	for _, s := range []string{c.AxiomToken, c.AxiomTokenSSMParam, c.AxiomTokenKMSCiphertext} {
		if s != "" {
			sources++
		}
	}
	switch {
	case sources == 0:
		errs = append(errs, fmt.Errorf("one of AXIOM_TOKEN, AXIOM_TOKEN_SSM_PARAM or AXIOM_TOKEN_KMS_CIPHERTEXT required when ENABLE_EVENTS=true"))
	case sources > 1:
		errs = append(errs, fmt.Errorf("AXIOM_TOKEN, AXIOM_TOKEN_SSM_PARAM and AXIOM_TOKEN_KMS_CIPHERTEXT are mutually exclusive"))
	}

	if c.EventQueueSize < 1 {
		errs = append(errs, fmt.Errorf("invalid EVENT_QUEUE_SIZE %d (must be >= 1)", c.EventQueueSize))
	}
	if c.EventBatchSize < 1 || c.EventBatchSize > 10000 {
		errs = append(errs, fmt.Errorf("invalid EVENT_BATCH_SIZE %d (must be 1..10000)", c.EventBatchSize))
	}
	if c.EventFlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid EVENT_FLUSH_INTERVAL %s (must be > 0)", c.EventFlushInterval))
	}
	if c.EventDropPolicy != DropNewest && c.EventDropPolicy != DropOldest {
		errs = append(errs, fmt.Errorf("invalid EVENT_DROP_POLICY %q (must be %s|%s)", c.EventDropPolicy, DropNewest, DropOldest))
	}
	if c.EventMaxRetries < 1 || c.EventMaxRetries > 20 {
		errs = append(errs, fmt.Errorf("invalid EVENT_MAX_RETRIES %d (must be 1..20)", c.EventMaxRetries))
	}
	if c.EventSendRate <= 0 {
		errs = append(errs, fmt.Errorf("invalid EVENT_SEND_RATE %g (must be > 0)", c.EventSendRate))
	}
	if c.DeadLetterS3Bucket != "" && strings.Trim(c.DeadLetterS3Prefix, "/") == "" {
		errs = append(errs, fmt.Errorf("DEADLETTER_S3_PREFIX required when DEADLETTER_S3_BUCKET is set"))
	}
	return errs
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
