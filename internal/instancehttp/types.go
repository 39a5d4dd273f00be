package instancehttp

import (
	"time"

	"github.com/keithlinneman/instancehub/internal/bundle"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ListResponse is served at /instances.
type ListResponse struct {
	Phase     string            `json:"phase"`
	Instances []InstanceSummary `json:"instances"`
	Failures  []bundle.Failure  `json:"failures"`
}

type InstanceSummary struct {
	Name        string    `json:"name"`
	Algorithm   string    `json:"algorithm"`
	Files       int       `json:"files"`
	TotalSize   int64     `json:"total_size"`
	ProcessedAt time.Time `json:"processed_at"`
	ManifestURL string    `json:"manifest_url"`
}
