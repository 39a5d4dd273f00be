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

	"github.com/keithlinneman/instancehub/internal/log"
	"github.com/keithlinneman/instancehub/internal/xerrors"
)

const (
	archiveExt  = ".zip"
	manifestExt = ".json"
)

// BundleProcessor processes a single archive. *Processor implements it.
type BundleProcessor interface {
	Process(ctx context.Context, archivePath string) (*Manifest, error)
}

type StartupOptions struct {
	SourceDir   string
	ExtractRoot string
	Processor   BundleProcessor
	Registry    *Registry
	Logger      log.Logger
	Metrics     Metrics
}

// Summary reports one startup run.
type Summary struct {
	Discovered int
	Processed  int
	Failed     int
	Duration   time.Duration
}

// Startup runs the initialization phase: directory setup, then every
// archive in SourceDir processed one at a time.
type Startup struct {
	opts StartupOptions
}

func NewStartup(opts StartupOptions) (*Startup, error) {
	var errs []error
	if opts.SourceDir == "" {
		errs = append(errs, xerrors.New("SourceDir is required"))
	}
	if opts.ExtractRoot == "" {
		errs = append(errs, xerrors.New("ExtractRoot is required"))
	}
	if opts.Processor == nil {
		errs = append(errs, xerrors.New("Processor is required"))
	}
	if opts.Registry == nil {
		errs = append(errs, xerrors.New("Registry is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Startup{opts: opts}, nil
}

// ListArchives returns the *.zip files directly inside dir, matched
// case-insensitively, in sorted order. Symlinks count when they resolve
// to a regular file.
func ListArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioError("readdir", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !strings.EqualFold(filepath.Ext(e.Name()), archiveExt) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		switch {
		case e.Type().IsRegular():
		case e.Type()&fs.ModeSymlink != 0:
			fi, err := os.Stat(p)
			if err != nil || !fi.Mode().IsRegular() {
				continue
			}
		default:
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Run processes every archive. A failing archive is logged, recorded in
// the registry and skipped. Only directory setup failures and ctx
// cancellation are returned. The registry phase is Ready when Run returns.
func (s *Startup) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	reg := s.opts.Registry
	L := s.opts.Logger
	var sum Summary

	reg.SetPhase(PhaseInitializing)
	s.opts.Metrics.SetStartupPhase(PhaseInitializing.String())
	defer func() {
		reg.SetPhase(PhaseReady)
		s.opts.Metrics.SetStartupPhase(PhaseReady.String())
	}()

	for _, dir := range []string{s.opts.SourceDir, s.opts.ExtractRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return sum, ioError("mkdir", dir, err)
		}
	}

	archives, err := ListArchives(s.opts.SourceDir)
	if err != nil {
		return sum, err
	}
	sum.Discovered = len(archives)
	L.Info(ctx, "startup processing", "source_dir", s.opts.SourceDir, "archives", len(archives))

	seen := make(map[string]string, len(archives))
	for _, archive := range archives {
		if err := ctx.Err(); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}

		name, err := InstanceName(archive)
		if err == nil {
			if prev, dup := seen[name]; dup {
				err = fmt.Errorf("%s: %w (already processed from %s)", name, ErrAlreadyPublished, filepath.Base(prev))
			}
		}
		if err == nil {
			seen[name] = archive
			_, err = s.opts.Processor.Process(ctx, archive)
		}
		if err != nil {
			sum.Failed++
			if name == "" {
				name = filepath.Base(archive)
			}
			reg.RecordFailure(name, err)
			L.Error(ctx, err, "bundle processing failed", "archive", archive, "instance", name)
			continue
		}
		sum.Processed++
	}

	sum.Duration = time.Since(start)
	L.Info(ctx, "startup processing complete",
		"processed", sum.Processed,
		"failed", sum.Failed,
		"duration", sum.Duration.String(),
	)
	return sum, nil
}
