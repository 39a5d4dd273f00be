package bundle

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/keithlinneman/instancehub/internal/cryptoutil"
)

const hashBufSize = 32 << 10

// ctxReader fails the next Read once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// HashFile streams the file at path through alg and returns the number of
// bytes read with the lowercase hex digest. The byte count must equal the
// size reported by the open descriptor, so a file that changes while it is
// read fails instead of producing a mismatched size and hash.
func HashFile(ctx context.Context, path, alg string) (int64, string, error) {
	h, err := cryptoutil.NewHash(alg)
	if err != nil {
		return 0, "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, "", ioError("open", path, err)
	}
	defer f.Close()

	// unblock a stuck read once ctx expires
	stop := context.AfterFunc(ctx, func() { _ = f.Close() })
	defer stop()

	fi, err := f.Stat()
	if err != nil {
		return 0, "", ioError("stat", path, err)
	}
	if !fi.Mode().IsRegular() {
		return 0, "", ioError("hash", path, fmt.Errorf("not a regular file (%s)", fi.Mode().Type()))
	}

	n, err := io.CopyBuffer(h, ctxReader{ctx: ctx, r: f}, make([]byte, hashBufSize))
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
		}
		return 0, "", ioError("read", path, err)
	}
	if n != fi.Size() {
		return 0, "", ioError("hash", path, fmt.Errorf("size changed during read: stat %d bytes, read %d", fi.Size(), n))
	}
	return n, cryptoutil.HexDigest(h), nil
}
