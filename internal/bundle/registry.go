package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Phase int32

const (
	PhaseInitializing Phase = iota
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	}
	return "unknown"
}

// Instance is a published bundle. It is immutable once published.
type Instance struct {
	Name         string
	Root         string
	ManifestPath string
	// Document is the persisted manifest, served as is
	Document []byte
	// DocumentDigest is the hex SHA-256 of Document
	DocumentDigest string
	Algorithm      string
	FileCount      int
	TotalSize      int64
	ProcessedAt    time.Time

	files map[string]FileDescriptor
}

// File returns the descriptor for a manifest path.
func (i *Instance) File(rel string) (FileDescriptor, bool) {
	fd, ok := i.files[rel]
	return fd, ok
}

// Open opens the manifest-listed file rel through an os.Root on the
// instance tree, so neither ".." nor symlinks reach outside it. The caller
// closes the file. Unlisted, missing and non-regular files are ErrNotFound.
func (i *Instance) Open(rel string) (*os.File, FileDescriptor, error) {
	fd, ok := i.File(rel)
	if !ok {
		return nil, FileDescriptor{}, &Error{Kind: ErrNotFound, Op: "open", Path: rel}
	}
	root, err := os.OpenRoot(i.Root)
	if err != nil {
		return nil, fd, openError(rel, err)
	}
	defer root.Close()

	native := filepath.FromSlash(rel)
	li, err := root.Lstat(native)
	if err != nil {
		return nil, fd, openError(rel, err)
	}
	if !li.Mode().IsRegular() {
		return nil, fd, &Error{Kind: ErrNotFound, Op: "open", Path: rel,
			Err: fmt.Errorf("not a regular file (%s)", li.Mode().Type())}
	}
	f, err := root.Open(native)
	if err != nil {
		return nil, fd, openError(rel, err)
	}
	return f, fd, nil
}

func openError(rel string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &Error{Kind: ErrNotFound, Op: "open", Path: rel, Err: err}
	}
	return ioError("open", rel, err)
}

func newInstance(m *Manifest, root, manifestPath string, doc []byte, digest string) *Instance {
	idx := make(map[string]FileDescriptor, len(m.Files))
	for _, f := range m.Files {
		idx[f.Path] = f
	}
	return &Instance{
		Name:           m.Instance,
		Root:           root,
		ManifestPath:   manifestPath,
		Document:       doc,
		DocumentDigest: digest,
		Algorithm:      m.Algorithm,
		FileCount:      len(m.Files),
		TotalSize:      m.TotalSize(),
		ProcessedAt:    time.Now().UTC(),
		files:          idx,
	}
}

// Failure records a bundle that could not be processed.
type Failure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type registryState struct {
	instances map[string]*Instance
	failures  map[string]string
}

// Registry is the set of instances the HTTP layer may serve. Reads are
// lock-free loads of an immutable snapshot; writers copy and swap.
type Registry struct {
	mu    sync.Mutex
	state atomic.Pointer[registryState]
	phase atomic.Int32
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.state.Store(&registryState{
		instances: map[string]*Instance{},
		failures:  map[string]string{},
	})
	return r
}

func (r *Registry) update(fn func(next *registryState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.state.Load()
	next := &registryState{
		instances: make(map[string]*Instance, len(cur.instances)+1),
		failures:  make(map[string]string, len(cur.failures)),
	}
	for k, v := range cur.instances {
		next.instances[k] = v
	}
	for k, v := range cur.failures {
		next.failures[k] = v
	}
	fn(next)
	r.state.Store(next)
}

// Publish makes inst visible and clears any failure recorded for its name.
func (r *Registry) Publish(inst *Instance) {
	r.update(func(s *registryState) {
		s.instances[inst.Name] = inst
		delete(s.failures, inst.Name)
	})
}

func (r *Registry) Lookup(name string) (*Instance, bool) {
	inst, ok := r.state.Load().instances[name]
	return inst, ok
}

// Get is Lookup with ErrNotFound for names that are not published.
func (r *Registry) Get(name string) (*Instance, error) {
	if inst, ok := r.Lookup(name); ok {
		return inst, nil
	}
	return nil, &Error{Kind: ErrNotFound, Op: "lookup", Path: name}
}

// List returns published instances sorted by name.
func (r *Registry) List() []*Instance {
	s := r.state.Load()
	out := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int { return len(r.state.Load().instances) }

// RecordFailure notes that name failed to process. Published instances
// are left untouched.
func (r *Registry) RecordFailure(name string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r.update(func(s *registryState) { s.failures[name] = msg })
}

// Failures returns recorded failures sorted by name.
func (r *Registry) Failures() []Failure {
	s := r.state.Load()
	out := make([]Failure, 0, len(s.failures))
	for name, msg := range s.failures {
		out = append(out, Failure{Name: name, Error: msg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) SetPhase(p Phase) { r.phase.Store(int32(p)) }

func (r *Registry) Phase() Phase { return Phase(r.phase.Load()) }

// ReadyErr is a readiness check: nil once startup processing has finished.
func (r *Registry) ReadyErr(context.Context) error {
	if r.Phase() != PhaseReady {
		return errors.New("startup processing in progress")
	}
	return nil
}
