package opshttp

import (
	"net/http"

	"github.com/keithlinneman/instancehub/internal/health"
	"github.com/keithlinneman/instancehub/internal/log"
)

type Options struct {
	Port        int
	Logger      log.Logger
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// AllowPublic serves requests from public addresses too. Off by default
	// so the ops port is unusable if a security group is misconfigured.
	AllowPublic bool
}
