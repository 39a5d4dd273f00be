package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/instancehub/internal/health"
	"github.com/keithlinneman/instancehub/internal/httpmw"
	"github.com/keithlinneman/instancehub/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int
	// WriteTimeout bounds a whole response. 0 disables it so large
	// downloads on slow links are not cut off.
	WriteTimeout time.Duration

	UseRecoverMW bool
	// OnPanic runs after a recovered panic is logged
	OnPanic func()

	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Security     httpmw.SecurityOptions
	Build        httpmw.BuildInfo

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts the application routes
	APIRoutes func(chi.Router)
}
