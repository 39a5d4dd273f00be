package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestMiddleware_RouteLabels(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Get("/download/{instance}/*", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "0123456789")
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	h := m.Middleware(r)

	for _, target := range []string{"/download/pack/mods/a.jar", "/download/other/b.txt", "/boom", "/nope"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	total := family(t, m, "http_requests_total")
	dl := find(total, map[string]string{"route": "/download/{instance}/*", "status": "200"})
	if dl == nil || dl.GetCounter().GetValue() != 2 {
		t.Fatalf("download requests = %v", dl)
	}
	if find(total, map[string]string{"route": "unmatched", "status": "404"}) == nil {
		t.Fatal("unmatched request should be labelled unmatched")
	}
	for _, metric := range total.GetMetric() {
		if strings.Contains(labelsOf(metric)["route"], "pack") {
			t.Fatalf("instance name leaked into route label: %v", labelsOf(metric))
		}
	}

	errs := find(family(t, m, "http_errors_total"), map[string]string{"route": "/boom"})
	if errs == nil || errs.GetCounter().GetValue() != 1 {
		t.Fatalf("errors = %v", errs)
	}

	size := find(family(t, m, "http_response_size_bytes"), map[string]string{"route": "/download/{instance}/*"})
	if size == nil || size.GetHistogram().GetSampleSum() != 20 {
		t.Fatalf("response size = %v", size)
	}

	if v := family(t, m, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue(); v != 0 {
		t.Fatalf("inflight = %v after all requests finished", v)
	}
}
