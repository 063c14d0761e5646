// Package server hosts the Fiber HTTP service, the request middleware chain
// and the site registry that maps Host headers (site domains and their
// cross-origin CDN hosts) onto per-site runtime state: the versioned store,
// the upstream fetcher and the install/activate lifecycle controller.
// Diagnostics live under /-/ and are registered by the routes subpackage;
// keep exports narrow and accept explicit dependencies.
package server
