package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/getbananas/getbananas-web/internal/axiom"
	"github.com/getbananas/getbananas-web/internal/cfg"
	"github.com/getbananas/getbananas-web/internal/health"
	"github.com/getbananas/getbananas-web/internal/httpmw"
	"github.com/getbananas/getbananas-web/internal/opshttp"
	"github.com/getbananas/getbananas-web/internal/ratelimit"
	"github.com/getbananas/getbananas-web/internal/secevent"
	"github.com/getbananas/getbananas-web/internal/secrets"
	"github.com/getbananas/getbananas-web/internal/sitehttp"
	"github.com/getbananas/getbananas-web/internal/xerrors"

	"github.com/getbananas/getbananas-web/internal/httpserver"
	"github.com/getbananas/getbananas-web/internal/log"
	"github.com/getbananas/getbananas-web/internal/metrics"
	"github.com/getbananas/getbananas-web/internal/otelx"
	"github.com/getbananas/getbananas-web/internal/prof"
	v "github.com/getbananas/getbananas-web/internal/version"
)

const (
	envPrefix = "GETBANANAS_"
	// time for the load balancer to notice /-/ready failing before we stop accepting
	drainPeriod = 60 * time.Second
	// queued security events get this long to reach Axiom on shutdown
	eventFlushTimeout = 15 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%s)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion, vi.Dirty(),
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix GETBANANAS_ and validate
	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging, levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stdout, but flushes buffered backends if we ever swap
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"site_url", conf.SiteURL,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"enable_events", conf.EnableEvents,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"rate_limit_max", conf.RateLimitMax,
		"rate_limit_window", conf.RateLimitWindow,
		"axiom_dataset", conf.AxiomDataset,
		"event_drop_policy", conf.EventDropPolicy,
		"deadletter_s3_bucket", conf.DeadLetterS3Bucket,
	)

	// Setup metrics early so every component can report into it
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// security event delivery, a nil sink discards events but still counts them
	var (
		sink      secevent.Sink
		eventSink *axiom.Client
	)
	if conf.EnableEvents {
		// the sink tags its own component
		eventSink, err = newEventSink(ctx, lg, conf, m)
		if err != nil {
			L.Error(ctx, err, "failed to start security event sink")
			os.Exit(1)
		}
		m.RegisterQueueDepth(eventSink.QueueDepth)
		sink = eventSink
	}
	events := secevent.New(secevent.Options{
		Site:    conf.SiteName,
		Sink:    sink,
		OnEvent: m.ObserveSecurityEvent,
	})

	// Setup rate limiter for the public listener. The sweeper outlives the
	// signal context and stops once the site listener is shut down.
	limiterCtx, stopLimiter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLimiter()
	limiter, err := ratelimit.New(limiterCtx,
		ratelimit.WithLimit(conf.RateLimitMax, conf.RateLimitWindow),
		ratelimit.WithGrace(conf.RateLimitGrace),
		ratelimit.WithMaxClients(conf.RateLimitMaxClients),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(string) {
			m.IncRateLimitDenied()
		}),
		// only log the first denial per client per window
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "client.address", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create rate limiter")
		os.Exit(1)
	}
	m.RegisterActiveBuckets(limiter.Len)

	csp := httpmw.DefaultCSP()
	overrides, err := cfg.LoadCSP(conf.CSPFile)
	if err != nil {
		L.Error(ctx, err, "failed to load CSP overrides", "csp_file", conf.CSPFile)
		os.Exit(1)
	}
	if overrides != nil {
		csp = csp.Override(overrides)
	}

	site, err := sitehttp.New(sitehttp.Options{SiteURL: conf.SiteURL})
	if err != nil {
		L.Error(ctx, err, "failed to create site")
		os.Exit(1)
	}

	// start site http server
	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:      L,
		Port:        conf.HTTPPort,
		TrustedHops: conf.TrustedHops,
		CSP:         csp,
		Limiter:     limiter,
		Events:      events,
		Metrics:     m,
		Routes:      site.RegisterRoutes,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// setup toggle for server shutdown
	var gate health.ShutdownGate
	probes := []health.Probe{health.Named("shutdown", gate.Probe())}
	if eventSink != nil {
		probes = append(probes, health.Named("events", eventSink))
	}
	readiness := health.All(probes...)

	// start admin/ops listener to serve metrics, health checks and pprof
	// we reject requests from public ips in middleware to prevent accidental
	// exposure if a security group or load balancer is ever misconfigured
	ops, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = ops.Stop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain_period", drainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}
	stopLimiter()

	// the site is closed, nothing enqueues after this point
	if eventSink != nil {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), eventFlushTimeout)
		if err := eventSink.Close(flushCtx); err != nil {
			L.Error(context.Background(), err, "security event sink shutdown")
		}
		cancelFlush()
		st := eventSink.Stats()
		L.Info(context.Background(), "security event sink closed",
			"enqueued", st.Enqueued,
			"delivered", st.Delivered,
			"dropped", st.Dropped,
			"failed", st.Failed,
			"retries", st.Retries,
		)
	}

	if err := ops.Stop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// newEventSink resolves the Axiom token and starts the delivery client. AWS
// config is only loaded when the token or the dead letter bucket needs it.
func newEventSink(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) (*axiom.Client, error) {
	var awsCfg *aws.Config
	if conf.AxiomTokenSSMParam != "" || conf.AxiomTokenKMSCiphertext != "" || conf.DeadLetterS3Bucket != "" {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
		awsCfg = &c
	}

	resolver := &secrets.Resolver{AWSConfig: awsCfg}
	token, err := resolver.Resolve(ctx, secrets.Source{
		Literal:       conf.AxiomToken,
		SSMParam:      conf.AxiomTokenSSMParam,
		KMSCiphertext: conf.AxiomTokenKMSCiphertext,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "resolve axiom token")
	}

	var spool axiom.Spool
	if conf.DeadLetterS3Bucket != "" {
		s, err := axiom.NewS3Spool(s3.NewFromConfig(*awsCfg), conf.DeadLetterS3Bucket, conf.DeadLetterS3Prefix)
		if err != nil {
			return nil, err
		}
		spool = s
	}

	return axiom.New(axiom.Options{
		Endpoint:      conf.AxiomURL,
		Dataset:       conf.AxiomDataset,
		Token:         token,
		QueueSize:     conf.EventQueueSize,
		BatchSize:     conf.EventBatchSize,
		FlushInterval: conf.EventFlushInterval,
		DropPolicy:    axiom.DropPolicy(conf.EventDropPolicy),
		MaxRetries:    conf.EventMaxRetries,
		SendRate:      conf.EventSendRate,
		Spool:         spool,
		Logger:        L,
		Metrics:       m,
	})
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
