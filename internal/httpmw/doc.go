// Package httpmw holds the middleware used by the public listener.
//
// httpserver.NewHandler composes them, outermost first: security headers,
// recover, request ID, client IP, rate limit, tracing, trace response
// headers, build headers, metrics, request logger, then the chi router
// with route annotation and access logging.
//
// Query strings and user agents are not logged.
package httpmw
