package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/keithlinneman/instancehub/internal/bundle"
	"github.com/keithlinneman/instancehub/internal/cfg"
	"github.com/keithlinneman/instancehub/internal/health"
	"github.com/keithlinneman/instancehub/internal/httpmw"
	"github.com/keithlinneman/instancehub/internal/httpserver"
	"github.com/keithlinneman/instancehub/internal/instancehttp"
	"github.com/keithlinneman/instancehub/internal/log"
	"github.com/keithlinneman/instancehub/internal/metrics"
	"github.com/keithlinneman/instancehub/internal/opshttp"
	"github.com/keithlinneman/instancehub/internal/otelx"
	"github.com/keithlinneman/instancehub/internal/prof"
	"github.com/keithlinneman/instancehub/internal/ratelimit"
	"github.com/keithlinneman/instancehub/internal/source"
	v "github.com/keithlinneman/instancehub/internal/version"
)

const appName = "instancehub"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Parse config from flags, then env (INSTANCEHUB_*), then the optional -config file
	conf, err := cfg.Load(flag.CommandLine, os.Args[1:], func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	vi := v.Get()
	if conf.ShowVersion {
		fmt.Printf("%s %s\n", appName, vi)
		os.Exit(0)
	}

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog, kept so a buffered backend flushes on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"public_base_url", conf.PublicBaseURL,
		"source_dir", conf.SourceDir,
		"extract_dir", conf.ExtractDir,
		"hash_algorithm", conf.HashAlgorithm,
		"source_s3_bucket", conf.SourceS3Bucket,
		"source_s3_prefix", conf.SourceS3Prefix,
		"source_ssm_param", conf.SourceSSMParam,
		"rate_limit_rps", conf.RateLimitRPS,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	// Setup metrics first so profiling state can be recorded
	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", &vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName + ".server",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
		stopProf = func() {}
	}
	m.SetProfilingActive(err == nil && conf.EnablePyroscope)

	// Setup otel for tracing
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	// Bundle pipeline: registry, processor and the startup run over source-dir
	reg := bundle.NewRegistry()
	processor, err := bundle.NewProcessor(bundle.ProcessorOptions{
		ExtractRoot: conf.ExtractDir,
		BaseURL:     conf.PublicBaseURL,
		Algorithm:   conf.HashAlgorithm,
		Limits:      conf.Limits(),
		HashTimeout: conf.HashReadTimeout,
		Logger:      L.With("component", "bundle"),
		Metrics:     m,
		Registry:    reg,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create bundle processor")
		os.Exit(1)
	}
	startup, err := bundle.NewStartup(bundle.StartupOptions{
		SourceDir:   conf.SourceDir,
		ExtractRoot: conf.ExtractDir,
		Processor:   processor,
		Registry:    reg,
		Logger:      L.With("component", "startup"),
		Metrics:     m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create startup orchestrator")
		os.Exit(1)
	}

	var syncer *source.S3Syncer
	if conf.SourceS3Bucket != "" {
		syncer, err = source.NewS3Syncer(ctx, source.Options{
			Bucket:    conf.SourceS3Bucket,
			Prefix:    strings.TrimSuffix(conf.SourceS3Prefix, "/"),
			SSMParam:  conf.SourceSSMParam,
			SourceDir: conf.SourceDir,
			Logger:    L.With("component", "source"),
			Metrics:   m,
		})
		if err != nil {
			// local archives are still served
			L.Error(ctx, err, "failed to create s3 source, continuing with local archives")
		}
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// ready once startup processing has finished and until shutdown begins
	readiness := health.All(
		gate.Probe(),
		health.Named("startup", health.CheckFunc(reg.ReadyErr)),
	)

	var rateLimitMW func(next http.Handler) http.Handler
	if conf.RateLimitRPS > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			// increment prometheus counter on each denied request
			ratelimit.WithOnDenied(func(ip string) {
				m.IncRateLimitDenied()
			}),
			// only log the first time an ip is denied each time it is cleaned from the bucket
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			// launchers fetch whole instances file by file
			ratelimit.WithSkip(ratelimit.SkipPrefixes("/-/", "/download/")),
		)
		rateLimitMW = limiter.Middleware
	}

	api := instancehttp.NewAPI(reg, L.With("component", "api"), conf.PublicBaseURL)

	// start public http server
	appHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  rateLimitMW,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Security:     httpmw.SecurityOptions{HSTS: strings.HasPrefix(conf.PublicBaseURL, "https://")},
		Build:        vi,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start public http listener")
		os.Exit(1)
	}

	// start admin/ops listener to serve metrics, health checks and pprof
	// requests from public addresses are rejected in middleware in case the
	// port is ever exposed by mistake
	opsHTTPStop, err := opshttp.Start(ctx, &opshttp.Options{
		Port:        conf.AdminPort,
		Logger:      L.With("component", "ops"),
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		_ = appHTTPStop(context.Background())
		os.Exit(1)
	}

	// listeners are up before processing so probes answer 503 while bundles
	// are extracted and hashed
	startupDone := make(chan struct{})
	go func() {
		defer close(startupDone)
		if syncer != nil {
			res, err := syncer.Sync(ctx)
			if err != nil {
				L.Error(ctx, err, "source sync failed, processing local archives", "result", res.String())
			} else {
				L.Info(ctx, "source sync complete", "result", res.String())
			}
		}
		sum, err := startup.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			L.Error(ctx, err, "startup processing aborted")
		}
		L.Info(ctx, "startup processing complete",
			"discovered", sum.Discovered,
			"processed", sum.Processed,
			"failed", sum.Failed,
			"duration", sum.Duration,
		)
		// notify systemd once the instances are servable
		if err := notifySystemd(); err != nil {
			// log and dont exit, worst case systemd will kill the process after timeout
			L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
		}
	}()

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed", "drain_period", conf.DrainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// processing polls ctx between archives and while hashing
	<-startupDone

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
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
