package bundle

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

type zipEntry struct {
	Name    string
	Body    string
	Mode    fs.FileMode
	Stored  bool
	Symlink string
}

// makeZip builds an archive in memory from entries, in the given order.
func makeZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.Name, Method: zip.Deflate}
		if e.Stored {
			hdr.Method = zip.Store
		}
		switch {
		case e.Symlink != "":
			hdr.SetMode(fs.ModeSymlink | 0o777)
		case e.Mode != 0:
			hdr.SetMode(e.Mode)
		default:
			hdr.SetMode(0o644)
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("create %q: %v", e.Name, err)
		}
		body := e.Body
		if e.Symlink != "" {
			body = e.Symlink
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("write %q: %v", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func sha1hex(data []byte) string {
	h := sha1.Sum(data)
	return hex.EncodeToString(h[:])
}

// packZip is the two-file launcher bundle used across tests.
func packZip(t *testing.T) []byte {
	return makeZip(t,
		zipEntry{Name: "mods/a.jar", Body: "0123456789"},
		zipEntry{Name: "config/b.txt", Body: "abc"},
	)
}

func newTestProcessor(t *testing.T, extractRoot string) *Processor {
	t.Helper()
	p, err := NewProcessor(ProcessorOptions{
		ExtractRoot: extractRoot,
		BaseURL:     "http://localhost:3000",
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return p
}
