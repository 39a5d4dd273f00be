package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStartup(t *testing.T, dir string, rm *recordingMetrics) (*Startup, *Registry) {
	t.Helper()
	reg := NewRegistry()
	p, err := NewProcessor(ProcessorOptions{
		ExtractRoot: filepath.Join(dir, "extracted"),
		BaseURL:     "http://localhost:3000",
		Registry:    reg,
	})
	if err != nil {
		t.Fatal(err)
	}
	opts := StartupOptions{
		SourceDir:   filepath.Join(dir, "instances"),
		ExtractRoot: filepath.Join(dir, "extracted"),
		Processor:   p,
		Registry:    reg,
	}
	if rm != nil {
		opts.Metrics = rm
	}
	s, err := NewStartup(opts)
	if err != nil {
		t.Fatal(err)
	}
	return s, reg
}

func TestNewStartup_Validate(t *testing.T) {
	_, err := NewStartup(StartupOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"SourceDir", "ExtractRoot", "Processor", "Registry"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestRun_CreatesDirectories(t *testing.T) {
	dir := t.TempDir()
	s, reg := newTestStartup(t, dir, nil)
	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Discovered != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, d := range []string{"instances", "extracted"} {
		if fi, err := os.Stat(filepath.Join(dir, d)); err != nil || !fi.IsDir() {
			t.Fatalf("%s not created: %v", d, err)
		}
	}
	if reg.Phase() != PhaseReady {
		t.Fatal("phase should be ready after Run")
	}
}

func TestRun_IsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "instances")
	writeFile(t, filepath.Join(src, "broken.zip"), []byte("PK\x03\x04 definitely not a zip"))
	writeFile(t, filepath.Join(src, "pack.zip"), packZip(t))

	rm := &recordingMetrics{}
	s, reg := newTestStartup(t, dir, rm)
	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Discovered != 2 || sum.Processed != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if _, ok := reg.Lookup("pack"); !ok {
		t.Fatal("good bundle should be published")
	}
	if _, ok := reg.Lookup("broken"); ok {
		t.Fatal("corrupt bundle must not be published")
	}
	f := reg.Failures()
	if len(f) != 1 || f[0].Name != "broken" || !strings.Contains(f[0].Error, "archive corrupt") {
		t.Fatalf("failures = %+v", f)
	}
	if strings.Join(rm.phases, ",") != "initializing,ready" {
		t.Fatalf("phases = %v", rm.phases)
	}
}

func TestListArchives_Filter(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b.ZIP", "a.zip", "c.Zip", "notes.txt", "zip"} {
		writeFile(t, filepath.Join(dir, n), []byte("x"))
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.zip"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := ListArchives(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range got {
		names = append(names, filepath.Base(p))
	}
	if strings.Join(names, ",") != "a.zip,b.ZIP,c.Zip" {
		t.Fatalf("archives = %v", names)
	}
}

func TestListArchives_FollowsSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, filepath.Join(t.TempDir(), "real.zip"), []byte("x"))
	links := map[string]string{
		"linked.zip":   target,
		"dangling.zip": filepath.Join(dir, "missing"),
		"dir.zip":      t.TempDir(),
	}
	for name, to := range links {
		if err := os.Symlink(to, filepath.Join(dir, name)); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}
	}
	got, err := ListArchives(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || filepath.Base(got[0]) != "linked.zip" {
		t.Fatalf("archives = %v, want only linked.zip", got)
	}
}

// pack.json.zip would extract to extracted/pack.json/, the manifest path
// of pack.zip.
func TestRun_ManifestPathCollision(t *testing.T) {
	for _, tc := range []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{"non-empty", packZip},
		{"empty", func(t *testing.T) []byte { return makeZip(t) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "instances")
			writeFile(t, filepath.Join(src, "pack.json.zip"), tc.data(t))
			writeFile(t, filepath.Join(src, "pack.zip"), packZip(t))

			s, reg := newTestStartup(t, dir, nil)
			sum, err := s.Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if sum.Processed != 1 || sum.Failed != 1 {
				t.Fatalf("summary = %+v", sum)
			}
			if _, ok := reg.Lookup("pack.json"); ok {
				t.Fatal("pack.json must not be published")
			}
			inst, ok := reg.Lookup("pack")
			if !ok || inst.FileCount != 2 {
				t.Fatalf("pack = %+v, %v", inst, ok)
			}
			fi, err := os.Stat(filepath.Join(dir, "extracted", "pack.json"))
			if err != nil || !fi.Mode().IsRegular() {
				t.Fatalf("pack.json should be the pack manifest: %v", err)
			}
			fails := reg.Failures()
			if len(fails) != 1 || !strings.Contains(fails[0].Error, ".json") {
				t.Fatalf("failures = %+v", fails)
			}
		})
	}
}

func TestRun_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "instances")
	writeFile(t, filepath.Join(src, "pack.ZIP"), packZip(t))
	writeFile(t, filepath.Join(src, "pack.zip"), makeZip(t, zipEntry{Name: "other.txt", Body: "x"}))

	s, reg := newTestStartup(t, dir, nil)
	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Processed != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	// sorted order: pack.ZIP wins
	inst, ok := reg.Lookup("pack")
	if !ok || inst.FileCount != 2 {
		t.Fatalf("pack = %+v, %v", inst, ok)
	}
}

type stubProcessor struct {
	calls  []string
	cancel context.CancelFunc
}

func (s *stubProcessor) Process(ctx context.Context, archive string) (*Manifest, error) {
	s.calls = append(s.calls, filepath.Base(archive))
	if s.cancel != nil {
		s.cancel()
	}
	return &Manifest{}, nil
}

func TestRun_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	for _, n := range []string{"a.zip", "b.zip", "c.zip"} {
		writeFile(t, filepath.Join(src, n), []byte("x"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stub := &stubProcessor{cancel: cancel}
	reg := NewRegistry()
	s, err := NewStartup(StartupOptions{SourceDir: src, ExtractRoot: filepath.Join(dir, "out"), Processor: stub, Registry: reg})
	if err != nil {
		t.Fatal(err)
	}

	sum, err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(stub.calls) != 1 || sum.Processed != 1 {
		t.Fatalf("calls = %v summary = %+v", stub.calls, sum)
	}
	if reg.Phase() != PhaseReady {
		t.Fatal("phase should be ready even when cancelled")
	}
}

func TestRun_SourceDirIsFile(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, filepath.Join(dir, "instances"), []byte("not a dir"))
	s, err := NewStartup(StartupOptions{SourceDir: src, ExtractRoot: filepath.Join(dir, "out"), Processor: &stubProcessor{}, Registry: NewRegistry()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrIO) {
		t.Fatalf("err = %v, want ErrIO", err)
	}
}
