package bundle

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

const (
	DefaultMaxFileSize  int64 = 4 << 30  // 4GiB
	DefaultMaxTotalSize int64 = 32 << 30 // 32GiB
	DefaultMaxEntries         = 200000
)

// Limits guard extraction against decompression bombs. Zero fields take
// the defaults.
type Limits struct {
	MaxFileSize  int64
	MaxTotalSize int64
	MaxEntries   int
}

func (l *Limits) setDefaults() {
	if l.MaxFileSize <= 0 {
		l.MaxFileSize = DefaultMaxFileSize
	}
	if l.MaxTotalSize <= 0 {
		l.MaxTotalSize = DefaultMaxTotalSize
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultMaxEntries
	}
}

// sanitizeEntryName normalizes a zip entry name to a clean relative slash
// path. It returns "" for entries that name the archive root.
func sanitizeEntryName(name string) (string, error) {
	n := strings.ReplaceAll(name, `\`, "/")
	if strings.ContainsRune(n, 0) {
		return "", fmt.Errorf("NUL byte in entry name %q", name)
	}
	if path.IsAbs(n) || (len(n) >= 2 && n[1] == ':') {
		return "", fmt.Errorf("absolute path in archive: %s", name)
	}
	for _, seg := range strings.Split(n, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path traversal in archive: %s", name)
		}
	}
	clean := path.Clean(n)
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

// within reports whether target is dst or below it.
func within(dst, target string) bool {
	d := filepath.Clean(dst)
	t := filepath.Clean(target)
	return t == d || strings.HasPrefix(t, d+string(os.PathSeparator))
}

// extractZip writes the regular files and directories of the archive at
// src into dst, which must exist. It returns the number of files written.
// Every failure is reported as ErrArchiveCorrupt.
func extractZip(ctx context.Context, src, dst string, lim Limits) (int, error) {
	lim.setDefaults()

	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, corruptError("open", src, err)
	}
	defer zr.Close()

	if len(zr.File) > lim.MaxEntries {
		return 0, corruptError("extract", src, fmt.Errorf("archive has %d entries, limit %d", len(zr.File), lim.MaxEntries))
	}

	var total int64
	files := 0
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, corruptError("extract", src, err)
		}
		name, err := sanitizeEntryName(f.Name)
		if err != nil {
			return files, corruptError("extract", src, err)
		}
		if name == "" {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(name))
		if !within(dst, target) {
			return files, corruptError("extract", src, fmt.Errorf("path escapes destination: %s", f.Name))
		}

		mode := f.Mode()
		switch {
		case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, corruptError("mkdir", target, err)
			}
			continue
		case mode&fs.ModeSymlink != 0, !mode.IsRegular():
			continue
		}

		if f.UncompressedSize64 > uint64(lim.MaxFileSize) {
			return files, corruptError("extract", src, fmt.Errorf("%s declares %d bytes, limit %d", name, f.UncompressedSize64, lim.MaxFileSize))
		}
		n, err := writeEntry(f, target, lim.MaxFileSize)
		if err != nil {
			return files, corruptError("extract", src, fmt.Errorf("%s: %w", name, err))
		}
		total += n
		if total > lim.MaxTotalSize {
			return files, corruptError("extract", src, fmt.Errorf("extracted size exceeds limit %d", lim.MaxTotalSize))
		}
		files++
	}
	return files, nil
}

// writeEntry copies one entry to target, reading at most max bytes.
// The zip reader verifies the CRC when the entry is fully read.
func writeEntry(f *zip.File, target string, max int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	perm := f.Mode().Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, io.LimitReader(rc, max+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if n > max {
		return n, fmt.Errorf("entry exceeds %d bytes", max)
	}
	return n, nil
}
