// Package instancehttp serves published instances: their manifest
// documents, a listing, and the files each manifest describes.
package instancehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/instancehub/internal/bundle"
	"github.com/keithlinneman/instancehub/internal/log"
	"github.com/keithlinneman/instancehub/internal/pathutil"
)

// Registry is the read side of bundle.Registry.
type Registry interface {
	Get(name string) (*bundle.Instance, error)
	List() []*bundle.Instance
	Failures() []bundle.Failure
	Phase() bundle.Phase
}

type API struct {
	reg     Registry
	logger  log.Logger
	baseURL string
}

// NewAPI returns the instance API. baseURL prefixes manifest_url in the
// listing.
func NewAPI(reg Registry, logger log.Logger, baseURL string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		reg:     reg,
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// RegisterRoutes attaches the instance endpoints to r.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/instances", api.HandleList)
	r.Get("/instances/{instance}", api.HandleManifest)
	r.Head("/instances/{instance}", api.HandleManifest)
	r.Get("/download/{instance}/*", api.HandleDownload)
	r.Head("/download/{instance}/*", api.HandleDownload)
}

// HandleList serves the startup phase, published instances and failures.
func (api *API) HandleList(w http.ResponseWriter, r *http.Request) {
	insts := api.reg.List()
	resp := ListResponse{
		Phase:     api.reg.Phase().String(),
		Instances: make([]InstanceSummary, 0, len(insts)),
		Failures:  api.reg.Failures(),
	}
	for _, inst := range insts {
		resp.Instances = append(resp.Instances, InstanceSummary{
			Name:        inst.Name,
			Algorithm:   inst.Algorithm,
			Files:       inst.FileCount,
			TotalSize:   inst.TotalSize,
			ProcessedAt: inst.ProcessedAt.Truncate(time.Second),
			ManifestURL: api.baseURL + "/instances/" + url.PathEscape(inst.Name),
		})
	}
	w.Header().Set("Cache-Control", "no-cache")
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

// HandleManifest serves the persisted manifest document byte for byte.
func (api *API) HandleManifest(w http.ResponseWriter, r *http.Request) {
	name, ok := pathParam(r, "instance")
	if !ok || !pathutil.IsSafeSegment(name) {
		api.writeError(r.Context(), w, http.StatusNotFound, "instance not found")
		return
	}
	inst, err := api.reg.Get(name)
	if err != nil {
		api.failure(r.Context(), w, err, "instance not found")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("ETag", `"`+inst.DocumentDigest+`"`)
	h.Set("X-Manifest-Hash-Algorithm", inst.Algorithm)
	http.ServeContent(w, wholeBody(r), "", inst.ProcessedAt, bytes.NewReader(inst.Document))
}

// HandleDownload streams one manifest-listed file of a published instance.
func (api *API) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	name, ok1 := pathParam(r, "instance")
	rest, ok2 := pathParam(r, "*")
	rel, ok3 := pathutil.SafeRelPath(rest)
	if !ok1 || !ok2 || !ok3 || !pathutil.IsSafeSegment(name) {
		api.writeError(ctx, w, http.StatusBadRequest, "invalid path")
		return
	}

	inst, err := api.reg.Get(name)
	if err != nil {
		api.failure(ctx, w, err, "instance not found")
		return
	}
	f, fd, err := inst.Open(rel)
	if err != nil {
		api.failure(ctx, w, err, "file not found", "instance", inst.Name, "path", rel)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		api.failure(ctx, w, err, "file not found", "instance", inst.Name, "path", rel)
		return
	}

	base := path.Base(rel)
	h := w.Header()
	h.Set("Cache-Control", "no-cache")
	h.Set("ETag", `"`+fd.Hash+`"`)
	h.Set("X-Content-Hash", fd.Hash)
	h.Set("X-Content-Hash-Algorithm", inst.Algorithm)
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": base}))
	http.ServeContent(w, wholeBody(r), base, fi.ModTime(), f)
}

// failure answers 404 with notFound for bundle.ErrNotFound and logs
// anything else as a 500.
func (api *API) failure(ctx context.Context, w http.ResponseWriter, err error, notFound string, kv ...any) {
	if errors.Is(err, bundle.ErrNotFound) {
		api.writeError(ctx, w, http.StatusNotFound, notFound)
		return
	}
	api.logger.Error(ctx, err, "serve instance", kv...)
	api.writeError(ctx, w, http.StatusInternalServerError, "internal error")
}

// pathParam returns the decoded chi URL param. chi matches on RawPath
// when the request carried escapes such as %2F, so params arrive encoded.
func pathParam(r *http.Request, key string) (string, bool) {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v, true
	}
	u, err := url.PathUnescape(v)
	if err != nil {
		return "", false
	}
	return u, true
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Cache-Control", "no-store")
	api.writeJSON(ctx, w, status, ErrorResponse{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

// wholeBody drops range headers so ServeContent always answers with the
// full representation. Conditional GETs still get 304.
func wholeBody(r *http.Request) *http.Request {
	if r.Header.Get("Range") == "" {
		return r
	}
	r2 := r.Clone(r.Context())
	r2.Header.Del("Range")
	r2.Header.Del("If-Range")
	return r2
}
