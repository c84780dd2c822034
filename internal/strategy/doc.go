// Package strategy implements the retrieval strategies an intercepted request
// can be dispatched to: cache-first for static documents and allow-listed
// libraries, network-only for dynamic-data endpoints.
//
// Cache-first consults only the versioned static store before going to the
// network. The runtime store is written opportunistically (fire-and-forget)
// from successful GET responses but is never read on the request path, so
// anything outside the install manifest is always fetched fresh while online.
package strategy
