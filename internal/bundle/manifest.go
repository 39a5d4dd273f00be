package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/keithlinneman/instancehub/internal/cryptoutil"
)

// FileDescriptor is one manifest entry. Field order matches the
// persisted document.
type FileDescriptor struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
	Path string `json:"path"`
}

type Manifest struct {
	Instance  string
	Algorithm string
	Files     []FileDescriptor
}

// TotalSize sums the size of every file.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// Document renders the persisted form: a JSON array indented with two
// spaces and terminated by a newline. An empty manifest renders as [].
func (m *Manifest) Document() ([]byte, error) {
	files := m.Files
	if files == nil {
		files = []FileDescriptor{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseDocument decodes a persisted manifest document.
func ParseDocument(data []byte) ([]FileDescriptor, error) {
	var files []FileDescriptor
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, err
	}
	return files, nil
}

type ManifestOptions struct {
	// BaseURL prefixes every download URL, e.g. http://localhost:3000
	BaseURL string
	// Algorithm is a cryptoutil algorithm name, sha1 when empty
	Algorithm string
	// HashTimeout bounds the hashing of a single file, 0 disables it
	HashTimeout time.Duration
}

// BuildURL returns the download URL for rel inside instance. Each path
// segment is escaped on its own so "/" separators survive.
func BuildURL(base, instance, rel string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	b.WriteString("/download/")
	b.WriteString(url.PathEscape(instance))
	for _, seg := range strings.Split(rel, "/") {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}

// relPath returns file relative to root in slash form, rejecting anything
// that would resolve outside root.
func relPath(root, file string) (string, error) {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path escapes root")
	}
	return rel, nil
}

// BuildManifest walks root and describes every regular file. Any walk or
// hash failure aborts the whole build.
func BuildManifest(ctx context.Context, root, instance string, opts ManifestOptions) (*Manifest, error) {
	alg := cryptoutil.NormalizeAlgorithm(opts.Algorithm)
	if _, err := cryptoutil.NewHash(alg); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, ioError("manifest", root, err)
	}
	paths, err := Walk(abs)
	if err != nil {
		return nil, err
	}

	m := &Manifest{Instance: instance, Algorithm: alg, Files: make([]FileDescriptor, 0, len(paths))}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, ioError("manifest", abs, err)
		}
		rel, err := relPath(abs, p)
		if err != nil {
			return nil, ioError("manifest", p, err)
		}
		size, digest, err := hashWithTimeout(ctx, p, alg, opts.HashTimeout)
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, FileDescriptor{
			URL:  BuildURL(opts.BaseURL, instance, rel),
			Size: size,
			Hash: digest,
			Path: rel,
		})
	}
	return m, nil
}

func hashWithTimeout(ctx context.Context, path, alg string, d time.Duration) (int64, string, error) {
	if d <= 0 {
		return HashFile(ctx, path, alg)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return HashFile(ctx, path, alg)
}
