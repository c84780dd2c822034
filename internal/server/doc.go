// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the resolver that turns a Host header plus request path into the
// logical URL a browser would have fetched. Every request that reaches the
// gateway is treated as an intercepted fetch: the resolver classifies it and
// the injected ProxyHandler picks the retrieval strategy. Keep exports narrow
// and accept explicit dependencies.
package server
