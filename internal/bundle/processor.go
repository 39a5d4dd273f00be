package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/instancehub/internal/cryptoutil"
	"github.com/keithlinneman/instancehub/internal/log"
	"github.com/keithlinneman/instancehub/internal/xerrors"
)

type ProcessorOptions struct {
	// ExtractRoot receives <instance>/ trees and <instance>.json manifests
	ExtractRoot string
	BaseURL     string
	Algorithm   string
	Limits      Limits
	HashTimeout time.Duration

	Logger   log.Logger
	Metrics  Metrics
	Registry *Registry
}

func (o *ProcessorOptions) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	o.Algorithm = cryptoutil.NormalizeAlgorithm(o.Algorithm)
	o.Limits.setDefaults()
}

func (o *ProcessorOptions) validate() error {
	var errs []error
	if o.ExtractRoot == "" {
		errs = append(errs, xerrors.New("ExtractRoot is required"))
	}
	if o.BaseURL == "" {
		errs = append(errs, xerrors.New("BaseURL is required"))
	}
	if _, err := cryptoutil.NewHash(o.Algorithm); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Processor turns one archive into a published instance.
type Processor struct {
	opts   ProcessorOptions
	logger log.Logger
	tracer trace.Tracer
}

func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(opts.ExtractRoot)
	if err != nil {
		return nil, xerrors.Wrap(err, "resolve extract root")
	}
	opts.ExtractRoot = root
	return &Processor{
		opts:   opts,
		logger: opts.Logger,
		tracer: otel.Tracer("instancehub/bundle"),
	}, nil
}

func (p *Processor) Registry() *Registry { return p.opts.Registry }

// InstanceName derives the instance name from an archive path: the base
// name without its extension. The result must be a single safe path
// segment. Names ending in .json are refused since <name>/ would sit on
// another instance's manifest path.
func InstanceName(archivePath string) (string, error) {
	base := filepath.Base(archivePath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	switch {
	case name == "" || name == "." || name == "..":
		return "", fmt.Errorf("invalid instance name %q from %s", name, archivePath)
	case strings.HasPrefix(name, "."):
		return "", fmt.Errorf("instance name %q must not start with a dot", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return "", fmt.Errorf("instance name %q contains a separator or NUL", name)
	case strings.EqualFold(filepath.Ext(name), manifestExt):
		return "", fmt.Errorf("instance name %q must not end in %s", name, manifestExt)
	}
	return name, nil
}

// Process extracts archivePath, builds and persists its manifest, and
// publishes the instance. On failure nothing is published for the name
// and no manifest document for it remains on disk.
func (p *Processor) Process(ctx context.Context, archivePath string) (m *Manifest, err error) {
	name, err := InstanceName(archivePath)
	if err != nil {
		return nil, err
	}
	if _, ok := p.opts.Registry.Lookup(name); ok {
		return nil, fmt.Errorf("%s: %w", name, ErrAlreadyPublished)
	}

	ctx, span := p.tracer.Start(ctx, "bundle.process", trace.WithAttributes(
		attribute.String("bundle.instance", name),
		attribute.String("bundle.archive", archivePath),
	))
	start := time.Now()
	defer func() {
		result := resultLabel(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "bundle processing failed")
		} else {
			span.SetAttributes(attribute.Int("bundle.files", len(m.Files)))
		}
		span.End()
		p.opts.Metrics.ObserveBundleProcess(result, time.Since(start))
	}()

	L := p.logger.With("instance", name)
	root := p.opts.ExtractRoot
	dst := filepath.Join(root, name)
	manifestPath := filepath.Join(root, name+manifestExt)

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, ioError("mkdir", root, err)
	}
	// a document from an earlier run must not outlive a failed reprocess
	if err := removeManifest(manifestPath); err != nil {
		return nil, err
	}

	staging, err := os.MkdirTemp(root, ".staging-"+name+"-")
	if err != nil {
		return nil, ioError("mkdir", root, err)
	}
	defer os.RemoveAll(staging)

	n, err := extractZip(ctx, archivePath, staging, p.opts.Limits)
	if err != nil {
		return nil, err
	}
	L.Debug(ctx, "archive extracted", "files", n, "staging", staging)

	if err := os.RemoveAll(dst); err != nil {
		return nil, ioError("remove", dst, err)
	}
	if err := os.Rename(staging, dst); err != nil {
		return nil, ioError("rename", dst, err)
	}

	m, err = BuildManifest(ctx, dst, name, ManifestOptions{
		BaseURL:     p.opts.BaseURL,
		Algorithm:   p.opts.Algorithm,
		HashTimeout: p.opts.HashTimeout,
	})
	if err != nil {
		return nil, err
	}

	doc, err := m.Document()
	if err != nil {
		return nil, ioError("encode", manifestPath, err)
	}
	if err := writeFileAtomic(manifestPath, doc); err != nil {
		return nil, err
	}

	inst := newInstance(m, dst, manifestPath, doc, cryptoutil.SHA256Hex(doc))
	p.opts.Registry.Publish(inst)
	p.opts.Metrics.AddHashed(inst.FileCount, inst.TotalSize)
	p.opts.Metrics.SetInstancesPublished(p.opts.Registry.Len())

	L.Info(ctx, "instance published",
		"files", inst.FileCount,
		"bytes", inst.TotalSize,
		"algorithm", inst.Algorithm,
		"duration", time.Since(start).String(),
	)
	return m, nil
}

// resultLabel maps err onto the bounded result label used in metrics.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrArchiveCorrupt):
		return "archive_corrupt"
	case errors.Is(err, ErrIO):
		return "io"
	}
	return "error"
}

// removeManifest deletes a stale manifest document at path. Anything other
// than a regular file there is left alone and reported.
func removeManifest(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return ioError("stat", path, err)
	}
	if !fi.Mode().IsRegular() {
		return ioError("remove", path, fmt.Errorf("manifest path is not a regular file (%s)", fi.Mode().Type()))
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioError("remove", path, err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return ioError("create", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ioError("write", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ioError("sync", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return ioError("close", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return ioError("chmod", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return ioError("rename", path, err)
	}
	return nil
}
