// Package ratelimit is a per-IP token bucket limiter for the public
// listener. State is in memory and local to one process.
//
// It bounds how fast a single address can pull manifests and files. It
// does nothing against distributed clients or against bandwidth already
// spent by the time a request reaches the handler.
package ratelimit
