// Package cryptoutil holds the digest primitives used for bundle manifests:
// a factory for the supported content hash algorithms and constant-time
// comparison of hex digests.
package cryptoutil
