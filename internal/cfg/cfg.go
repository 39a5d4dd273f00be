// Package cfg binds the server configuration to flags, with environment
// variables and an optional YAML file filling whatever the command line
// left unset.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/instancehub/internal/bundle"
	"github.com/keithlinneman/instancehub/internal/cryptoutil"
	"github.com/keithlinneman/instancehub/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names: -source-dir reads
// INSTANCEHUB_SOURCE_DIR.
const EnvPrefix = "INSTANCEHUB_"

type App struct {
	ConfigFile  string
	ShowVersion bool

	HTTPPort         int
	AdminPort        int
	PublicBaseURL    string
	TrustedProxyHops int
	DrainPeriod      time.Duration

	SourceDir         string
	ExtractDir        string
	HashAlgorithm     string
	HashReadTimeout   time.Duration
	MaxFileSize       int64
	MaxExtractSize    int64
	MaxArchiveEntries int

	SourceS3Bucket string
	SourceS3Prefix string
	SourceSSMParam string

	RateLimitRPS   float64
	RateLimitBurst int

	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	EnableTracing bool
	OTLPEndpoint  string
	OTLPInsecure  bool
	TraceSample   float64

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnablePprof     bool
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "YAML file of flag-name: value pairs")
	fs.BoolVar(&c.ShowVersion, "V", false, "print version and exit")

	fs.IntVar(&c.HTTPPort, "http-port", 3000, "public listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.PublicBaseURL, "public-base-url", "http://localhost:3000", "URL prefix written into manifest download urls")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the public port (0 ignores X-Forwarded-For)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 15*time.Second, "time between failing readiness and stopping listeners on shutdown")

	fs.StringVar(&c.SourceDir, "source-dir", "instances", "directory scanned for *.zip bundles")
	fs.StringVar(&c.ExtractDir, "extract-dir", "extracted", "directory receiving extracted trees and manifests")
	fs.StringVar(&c.HashAlgorithm, "hash-algorithm", cryptoutil.SHA1, "manifest digest: "+strings.Join(cryptoutil.Algorithms, "|"))
	fs.DurationVar(&c.HashReadTimeout, "hash-read-timeout", 0, "per-file hashing deadline (0 disables)")
	fs.Int64Var(&c.MaxFileSize, "max-file-size", bundle.DefaultMaxFileSize, "largest single archive entry in bytes")
	fs.Int64Var(&c.MaxExtractSize, "max-extract-size", bundle.DefaultMaxTotalSize, "largest total extracted size per bundle in bytes")
	fs.IntVar(&c.MaxArchiveEntries, "max-archive-entries", bundle.DefaultMaxEntries, "most entries accepted in one archive")

	fs.StringVar(&c.SourceS3Bucket, "source-s3-bucket", "", "s3 bucket to sync bundles from before startup (empty disables)")
	fs.StringVar(&c.SourceS3Prefix, "source-s3-prefix", "", "s3 key prefix holding bundles")
	fs.StringVar(&c.SourceSSMParam, "source-ssm-param", "", "ssm parameter holding the release id under the prefix")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 20, "per-client requests per second (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 100, "per-client burst size")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", false, "disable TLS for the OTLP exporter")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
}

func envKey(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// It returns the names of the flags it set.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) map[string]bool {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	applied := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		key := envKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
			return
		}
		applied[f.Name] = true
	})
	return applied
}

// FillFromFile reads a YAML mapping of flag names to values and applies
// each one whose flag was neither passed on the CLI nor in skip. Unknown
// keys and values the flag rejects are errors.
func FillFromFile(fs *flag.FlagSet, path string, skip map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file %s: %w", filepath.Base(path), err)
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if name == "config" {
			errs = append(errs, fmt.Errorf("config file: key %q is not allowed", name))
			continue
		}
		if fs.Lookup(name) == nil {
			errs = append(errs, fmt.Errorf("config file: unknown key %q", name))
			continue
		}
		if explicit[name] || skip[name] {
			continue
		}
		val, err := scalar(raw[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("config file: key %q: %w", name, err))
			continue
		}
		if err := fs.Set(name, val); err != nil {
			errs = append(errs, fmt.Errorf("config file: key %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func scalar(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(t), nil
	default:
		return "", fmt.Errorf("want a scalar, got %T", v)
	}
}

// Load parses args into a fresh App on fs and applies env then file.
// logf receives non-fatal notes about ignored env values.
func Load(fs *flag.FlagSet, args []string, logf func(string, ...any)) (App, error) {
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	applied := FillFromEnv(fs, EnvPrefix, logf)
	if c.ConfigFile != "" {
		if err := FillFromFile(fs, c.ConfigFile, applied); err != nil {
			return c, err
		}
	}
	return c, nil
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if !validPort(c.HTTPPort) {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if !validPort(c.AdminPort) {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if u, err := url.Parse(c.PublicBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an http(s) URL (got %q)", c.PublicBaseURL))
	} else if u.RawQuery != "" || u.Fragment != "" {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must not carry a query or fragment (got %q)", c.PublicBaseURL))
	}

	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 16 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..16 (got %d)", c.TrustedProxyHops))
	}
	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must not be negative (got %s)", c.DrainPeriod))
	}

	// Directories
	if c.SourceDir == "" {
		errs = append(errs, fmt.Errorf("SOURCE_DIR is required"))
	}
	if c.ExtractDir == "" {
		errs = append(errs, fmt.Errorf("EXTRACT_DIR is required"))
	}
	if c.SourceDir != "" && filepath.Clean(c.SourceDir) == filepath.Clean(c.ExtractDir) {
		errs = append(errs, fmt.Errorf("SOURCE_DIR and EXTRACT_DIR must differ (both %q)", c.SourceDir))
	}

	// Hashing and limits
	if !slices.Contains(cryptoutil.Algorithms, cryptoutil.NormalizeAlgorithm(c.HashAlgorithm)) {
		errs = append(errs, fmt.Errorf("invalid HASH_ALGORITHM %q (want one of %s)", c.HashAlgorithm, strings.Join(cryptoutil.Algorithms, ", ")))
	}
	if c.HashReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("HASH_READ_TIMEOUT must not be negative (got %s)", c.HashReadTimeout))
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_FILE_SIZE must be positive (got %d)", c.MaxFileSize))
	}
	if c.MaxExtractSize < c.MaxFileSize {
		errs = append(errs, fmt.Errorf("MAX_EXTRACT_SIZE %d is below MAX_FILE_SIZE %d", c.MaxExtractSize, c.MaxFileSize))
	}
	if c.MaxArchiveEntries < 1 {
		errs = append(errs, fmt.Errorf("MAX_ARCHIVE_ENTRIES must be at least 1 (got %d)", c.MaxArchiveEntries))
	}

	// Source sync
	if c.SourceS3Bucket == "" && (c.SourceS3Prefix != "" || c.SourceSSMParam != "") {
		errs = append(errs, fmt.Errorf("SOURCE_S3_BUCKET is required when SOURCE_S3_PREFIX or SOURCE_SSM_PARAM is set"))
	}

	// Rate limiting
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative (got %v)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when rate limiting (got %d)", c.RateLimitBurst))
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
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	return errors.Join(errs...)
}

// Limits returns the extraction limits from c.
func (c App) Limits() bundle.Limits {
	return bundle.Limits{
		MaxFileSize:  c.MaxFileSize,
		MaxTotalSize: c.MaxExtractSize,
		MaxEntries:   c.MaxArchiveEntries,
	}
}
