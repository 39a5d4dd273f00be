package cfg

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/instancehub/internal/bundle"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) (*flag.FlagSet, *App) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c := &App{}
	Register(fs, c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return fs, c
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "instancehub.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRegister_Defaults(t *testing.T) {
	_, c := newTestConfig(t, nil)

	checks := []struct {
		name string
		ok   bool
	}{
		{"HTTPPort", c.HTTPPort == 3000},
		{"AdminPort", c.AdminPort == 9000},
		{"PublicBaseURL", c.PublicBaseURL == "http://localhost:3000"},
		{"SourceDir", c.SourceDir == "instances"},
		{"ExtractDir", c.ExtractDir == "extracted"},
		{"HashAlgorithm", c.HashAlgorithm == "sha1"},
		{"HashReadTimeout", c.HashReadTimeout == 0},
		{"MaxFileSize", c.MaxFileSize == bundle.DefaultMaxFileSize},
		{"MaxExtractSize", c.MaxExtractSize == bundle.DefaultMaxTotalSize},
		{"MaxArchiveEntries", c.MaxArchiveEntries == bundle.DefaultMaxEntries},
		{"TrustedProxyHops", c.TrustedProxyHops == 0},
		{"DrainPeriod", c.DrainPeriod == 15*time.Second},
		{"SourceS3Bucket", c.SourceS3Bucket == ""},
		{"RateLimitRPS", c.RateLimitRPS == 20},
		{"RateLimitBurst", c.RateLimitBurst == 100},
		{"LogJSON", c.LogJSON},
		{"LogLevel", c.LogLevel == "info"},
		{"StacktraceLevel", c.StacktraceLevel == "error"},
		{"IncludeErrorLinks", c.IncludeErrorLinks},
		{"EnablePprof", c.EnablePprof},
		{"EnableTracing", !c.EnableTracing},
		{"EnablePyroscope", !c.EnablePyroscope},
		{"ShowVersion", !c.ShowVersion},
	}
	for _, ck := range checks {
		if !ck.ok {
			t.Errorf("%s: unexpected default", ck.name)
		}
	}
	if err := Validate(*c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	_, c := newTestConfig(t, []string{
		"-http-port=8080",
		"-source-dir=/srv/in",
		"-extract-dir=/srv/out",
		"-public-base-url=https://cdn.example.com/packs",
		"-hash-algorithm=blake3",
		"-hash-read-timeout=30s",
		"-max-file-size=1024",
		"-rate-limit-rps=0",
		"-V",
	})
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d", c.HTTPPort)
	}
	if c.SourceDir != "/srv/in" || c.ExtractDir != "/srv/out" {
		t.Errorf("dirs = %q %q", c.SourceDir, c.ExtractDir)
	}
	if c.PublicBaseURL != "https://cdn.example.com/packs" {
		t.Errorf("PublicBaseURL = %q", c.PublicBaseURL)
	}
	if c.HashAlgorithm != "blake3" || c.HashReadTimeout != 30*time.Second {
		t.Errorf("hashing = %q %v", c.HashAlgorithm, c.HashReadTimeout)
	}
	if c.MaxFileSize != 1024 || c.RateLimitRPS != 0 || !c.ShowVersion {
		t.Errorf("unexpected %+v", c)
	}
}

func TestFillFromEnv(t *testing.T) {
	t.Setenv("INSTANCEHUB_SOURCE_DIR", "/env/in")
	t.Setenv("INSTANCEHUB_HTTP_PORT", "4000")
	t.Setenv("INSTANCEHUB_RATE_LIMIT_BURST", "not-a-number")

	fs, c := newTestConfig(t, []string{"-http-port=5000"})
	var notes []string
	applied := FillFromEnv(fs, EnvPrefix, func(f string, a ...any) { notes = append(notes, f) })

	if c.SourceDir != "/env/in" {
		t.Errorf("SourceDir = %q, want env value", c.SourceDir)
	}
	if c.HTTPPort != 5000 {
		t.Errorf("HTTPPort = %d, cli should win over env", c.HTTPPort)
	}
	if c.RateLimitBurst != 100 {
		t.Errorf("RateLimitBurst = %d, invalid env should leave the default", c.RateLimitBurst)
	}
	if !applied["source-dir"] || applied["http-port"] || applied["rate-limit-burst"] {
		t.Errorf("applied = %v", applied)
	}
	if len(notes) != 2 {
		t.Errorf("notes = %v, want override and invalid notes", notes)
	}
}

func TestFillFromFile_Precedence(t *testing.T) {
	path := writeConfig(t, `
http-port: 7000
admin-port: 7001
source-dir: /file/in
extract-dir: /file/out
hash-read-timeout: 5s
rate-limit-rps: 2.5
log-json: false
`)
	t.Setenv("INSTANCEHUB_SOURCE_DIR", "/env/in")

	c, err := Load(flag.NewFlagSet("test", flag.ContinueOnError),
		[]string{"-config=" + path, "-http-port=8000"}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.HTTPPort != 8000 {
		t.Errorf("HTTPPort = %d, cli should win", c.HTTPPort)
	}
	if c.SourceDir != "/env/in" {
		t.Errorf("SourceDir = %q, env should win over file", c.SourceDir)
	}
	if c.AdminPort != 7001 || c.ExtractDir != "/file/out" {
		t.Errorf("file values not applied: %d %q", c.AdminPort, c.ExtractDir)
	}
	if c.HashReadTimeout != 5*time.Second || c.RateLimitRPS != 2.5 || c.LogJSON {
		t.Errorf("typed file values not applied: %v %v %v", c.HashReadTimeout, c.RateLimitRPS, c.LogJSON)
	}
	if c.PublicBaseURL != "http://localhost:3000" {
		t.Errorf("PublicBaseURL = %q, want default", c.PublicBaseURL)
	}
}

func TestFillFromFile_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "no-such-flag: 1\n", `unknown key "no-such-flag"`},
		{"nested config", "config: other.yaml\n", `key "config" is not allowed`},
		{"bad value", "http-port: eighty\n", `key "http-port"`},
		{"non scalar", "source-dir: [a, b]\n", "want a scalar"},
		{"bad yaml", "http-port: [\n", "parse config file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs, _ := newTestConfig(t, nil)
			wantErrContains(t, FillFromFile(fs, writeConfig(t, tc.body), nil), tc.want)
		})
	}

	fs, _ := newTestConfig(t, nil)
	wantErrContains(t, FillFromFile(fs, filepath.Join(t.TempDir(), "missing.yaml"), nil), "read config file")
}

func validApp(t *testing.T) App {
	t.Helper()
	_, c := newTestConfig(t, nil)
	return *c
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*App)
		want   string
	}{
		{"http port", func(c *App) { c.HTTPPort = 0 }, "invalid HTTP_PORT"},
		{"admin port", func(c *App) { c.AdminPort = 70000 }, "invalid ADMIN_PORT"},
		{"same ports", func(c *App) { c.AdminPort = c.HTTPPort }, "must differ"},
		{"base url scheme", func(c *App) { c.PublicBaseURL = "ftp://host" }, "PUBLIC_BASE_URL"},
		{"base url query", func(c *App) { c.PublicBaseURL = "http://host/?a=b" }, "query or fragment"},
		{"proxy hops", func(c *App) { c.TrustedProxyHops = -1 }, "TRUSTED_PROXY_HOPS"},
		{"drain period", func(c *App) { c.DrainPeriod = -time.Second }, "DRAIN_PERIOD"},
		{"source dir", func(c *App) { c.SourceDir = "" }, "SOURCE_DIR is required"},
		{"same dirs", func(c *App) { c.ExtractDir = "./instances" }, "SOURCE_DIR and EXTRACT_DIR must differ"},
		{"algorithm", func(c *App) { c.HashAlgorithm = "md5" }, "invalid HASH_ALGORITHM"},
		{"timeout", func(c *App) { c.HashReadTimeout = -time.Second }, "HASH_READ_TIMEOUT"},
		{"file size", func(c *App) { c.MaxFileSize = 0 }, "MAX_FILE_SIZE"},
		{"extract size", func(c *App) { c.MaxExtractSize = c.MaxFileSize - 1 }, "MAX_EXTRACT_SIZE"},
		{"entries", func(c *App) { c.MaxArchiveEntries = 0 }, "MAX_ARCHIVE_ENTRIES"},
		{"prefix without bucket", func(c *App) { c.SourceS3Prefix = "bundles" }, "SOURCE_S3_BUCKET is required"},
		{"negative rps", func(c *App) { c.RateLimitRPS = -1 }, "RATE_LIMIT_RPS"},
		{"zero burst", func(c *App) { c.RateLimitBurst = 0 }, "RATE_LIMIT_BURST"},
		{"log level", func(c *App) { c.LogLevel = "loud" }, "invalid LOG_LEVEL"},
		{"error links", func(c *App) { c.MaxErrorLinks = 65 }, "MAX_ERROR_LINKS"},
		{"trace sample", func(c *App) { c.TraceSample = 1.5 }, "invalid TRACE_SAMPLE"},
		{"otlp missing", func(c *App) { c.EnableTracing = true }, "OTLP_ENDPOINT required"},
		{"otlp format", func(c *App) { c.EnableTracing = true; c.OTLPEndpoint = "otel" }, "host:port"},
		{"pyro missing", func(c *App) { c.EnablePyroscope = true; c.PyroTenantID = "t" }, "PYRO_SERVER required"},
		{"pyro tenant", func(c *App) { c.EnablePyroscope = true; c.PyroServer = "https://pyro:4040" }, "PYRO_TENANT required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validApp(t)
			tc.mutate(&c)
			wantErrContains(t, Validate(c), tc.want)
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	c := validApp(t)
	c.HTTPPort = 0
	c.HashAlgorithm = "md5"
	c.LogLevel = "loud"
	err := Validate(c)
	for _, sub := range []string{"HTTP_PORT", "HASH_ALGORITHM", "LOG_LEVEL"} {
		wantErrContains(t, err, sub)
	}
}

func TestValidate_RateLimitDisabledIgnoresBurst(t *testing.T) {
	c := validApp(t)
	c.RateLimitRPS = 0
	c.RateLimitBurst = 0
	if err := Validate(c); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLimits(t *testing.T) {
	c := validApp(t)
	c.MaxFileSize, c.MaxExtractSize, c.MaxArchiveEntries = 10, 20, 3
	if got := c.Limits(); got != (bundle.Limits{MaxFileSize: 10, MaxTotalSize: 20, MaxEntries: 3}) {
		t.Fatalf("Limits = %+v", got)
	}
}
