// Package source pulls bundle archives from S3 into the local source
// directory before startup processing. An optional SSM parameter selects
// the release prefix to pull from.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/instancehub/internal/log"
	"github.com/keithlinneman/instancehub/internal/xerrors"
)

// S3API is the subset of *s3.Client used by the syncer.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SSMAPI is the subset of *ssm.Client used by the syncer.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Metrics receives per-object sync outcomes.
type Metrics interface {
	IncSourceSyncObject(result string)
}

type nopMetrics struct{}

func (nopMetrics) IncSourceSyncObject(string) {}

type Options struct {
	Bucket string
	// Prefix is the key prefix holding archives, without a trailing slash
	Prefix string
	// SSMParam, when set, names a parameter holding the release id;
	// archives are then read from <Prefix>/<release>/
	SSMParam string
	// SourceDir receives the downloaded archives
	SourceDir string

	Logger  log.Logger
	Metrics Metrics

	// clients default to ones built from AWSConfig or the default chain
	S3        S3API
	SSM       SSMAPI
	AWSConfig *aws.Config
}

type SyncResult struct {
	Release    string
	Listed     int
	Downloaded int
	Skipped    int
	Failed     int
}

type S3Syncer struct {
	opts   Options
	logger log.Logger
}

func NewS3Syncer(ctx context.Context, opts Options) (*S3Syncer, error) {
	var errs []error
	if opts.Bucket == "" {
		errs = append(errs, xerrors.New("Bucket is required"))
	}
	if opts.SourceDir == "" {
		errs = append(errs, xerrors.New("SourceDir is required"))
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

	if opts.S3 == nil || (opts.SSMParam != "" && opts.SSM == nil) {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		if opts.S3 == nil {
			opts.S3 = s3.NewFromConfig(awsCfg)
		}
		if opts.SSM == nil {
			opts.SSM = ssm.NewFromConfig(awsCfg)
		}
	}

	return &S3Syncer{opts: opts, logger: opts.Logger}, nil
}

// Release reads the current release id from SSM.
func (s *S3Syncer) Release(ctx context.Context) (string, error) {
	out, err := s.opts.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", s.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", s.opts.SSMParam)
	}
	rel := strings.TrimSpace(*out.Parameter.Value)
	if rel == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", s.opts.SSMParam)
	}
	if strings.Contains(rel, "/") || rel == "." || rel == ".." {
		return "", xerrors.Newf("SSM parameter %s holds an invalid release id %q", s.opts.SSMParam, rel)
	}
	return rel, nil
}

// listPrefix is the key prefix archives are listed under, "" or ending in "/".
func listPrefix(prefix, release string) string {
	var parts []string
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	if release != "" {
		parts = append(parts, release)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "/") + "/"
}

// Sync downloads every .zip object directly under the listing prefix.
// Failures on single objects are counted and logged, listing and SSM
// failures are returned.
func (s *S3Syncer) Sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	if s.opts.SSMParam != "" {
		rel, err := s.Release(ctx)
		if err != nil {
			return res, err
		}
		res.Release = rel
	}
	prefix := listPrefix(s.opts.Prefix, res.Release)

	if err := os.MkdirAll(s.opts.SourceDir, 0o755); err != nil {
		return res, xerrors.Wrapf(err, "create source dir %s", s.opts.SourceDir)
	}

	s.logger.Info(ctx, "syncing bundle archives",
		"bucket", s.opts.Bucket,
		"prefix", prefix,
		"release", res.Release,
	)

	pager := s3.NewListObjectsV2Paginator(s.opts.S3, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.opts.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return res, xerrors.Wrapf(err, "list s3://%s/%s", s.opts.Bucket, prefix)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.EqualFold(path.Ext(key), ".zip") {
				continue
			}
			res.Listed++
			result, err := s.syncObject(ctx, key, aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified))
			s.opts.Metrics.IncSourceSyncObject(result)
			switch {
			case err != nil:
				res.Failed++
				s.logger.Error(ctx, err, "archive sync failed", "key", key)
			case result == "skipped":
				res.Skipped++
			default:
				res.Downloaded++
			}
		}
	}

	s.logger.Info(ctx, "bundle archive sync complete",
		"listed", res.Listed,
		"downloaded", res.Downloaded,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	return res, nil
}

func (s *S3Syncer) syncObject(ctx context.Context, key string, size int64, modified time.Time) (string, error) {
	base := path.Base(key)
	if base == "" || strings.HasPrefix(base, ".") || strings.ContainsAny(base, `\`+"\x00") {
		return "error", xerrors.Newf("unsafe archive name in key %q", key)
	}
	dst := filepath.Join(s.opts.SourceDir, base)

	if upToDate(dst, size, modified) {
		return "skipped", nil
	}

	out, err := s.opts.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "error", xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.opts.Bucket, key)
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(s.opts.SourceDir, ".download-*")
	if err != nil {
		return "error", xerrors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "error", xerrors.Wrapf(err, "download %s", key)
	}
	if size > 0 && n != size {
		return "error", xerrors.Newf("short download of %s: got %d bytes, listed %d", key, n, size)
	}
	if !modified.IsZero() {
		if err := os.Chtimes(tmpPath, modified, modified); err != nil {
			return "error", xerrors.Wrapf(err, "set mtime on %s", tmpPath)
		}
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "error", xerrors.Wrapf(err, "rename %s", dst)
	}

	s.logger.Info(ctx, "downloaded bundle archive", "key", key, "bytes", n, "path", dst)
	return "downloaded", nil
}

// upToDate reports whether dst already matches the listed object.
func upToDate(dst string, size int64, modified time.Time) bool {
	fi, err := os.Stat(dst)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	return fi.Size() == size && !fi.ModTime().Before(modified)
}

func (r SyncResult) String() string {
	return fmt.Sprintf("listed=%d downloaded=%d skipped=%d failed=%d", r.Listed, r.Downloaded, r.Skipped, r.Failed)
}
