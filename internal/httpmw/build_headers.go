package httpmw

import "net/http"

// BuildInfo reports the running build for response headers.
type BuildInfo interface {
	BuildVersion() string
	BuildCommit() string
}

// BuildHeaders sets X-Instancehub-Version and X-Instancehub-Commit. Empty
// values are omitted and the commit is shortened to 12 characters.
func BuildHeaders(info BuildInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if info == nil {
			return next
		}
		version := info.BuildVersion()
		commit := info.BuildCommit()
		if len(commit) > 12 {
			commit = commit[:12]
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if version != "" {
				w.Header().Set("X-Instancehub-Version", version)
			}
			if commit != "" {
				w.Header().Set("X-Instancehub-Commit", commit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
