// Package bundle turns zip archives into served instances.
//
// A bundle is processed once: the archive is extracted into a staging
// directory, swapped into extractRoot/<instance>, walked in sorted
// depth-first order, hashed file by file, and described by a manifest
// persisted as extractRoot/<instance>.json. Only after the manifest is
// renamed into place is the instance published to the Registry, which is
// the sole source of truth for what the HTTP layer may serve.
package bundle
