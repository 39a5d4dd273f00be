package bundle

import (
	"errors"

	"github.com/keithlinneman/instancehub/internal/xerrors"
)

// Error kinds. Match with errors.Is.
var (
	ErrIO             = errors.New("io error")
	ErrArchiveCorrupt = errors.New("archive corrupt")
	ErrNotFound       = errors.New("not found")
)

// ErrAlreadyPublished is returned when an instance name is processed twice.
var ErrAlreadyPublished = errors.New("instance already published")

// Error describes a failure on a single path during processing.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op
	if e.Path != "" {
		s += " " + e.Path
	}
	s += ": " + e.Kind.Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

func ioError(op, path string, err error) error {
	return &Error{Kind: ErrIO, Op: op, Path: path, Err: xerrors.EnsureTrace(err)}
}

func corruptError(op, path string, err error) error {
	return &Error{Kind: ErrArchiveCorrupt, Op: op, Path: path, Err: xerrors.EnsureTrace(err)}
}
