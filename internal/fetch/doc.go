// Package fetch is the network side of the offline cache. It turns an
// intercepted request into an upstream HTTP call through a shared, tuned
// http.Client and returns a fully buffered Response snapshot whose Type tag
// (basic, cors, opaque) is decided here, at the fetch boundary, so the router
// never has to inspect headers to know whether a response may be stored.
// Network-level failures are reported as *NetworkError; HTTP error statuses are
// ordinary responses.
package fetch
