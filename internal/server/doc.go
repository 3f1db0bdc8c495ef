// Package server exposes a gateway over HTTP. The ingress handler turns
// every inbound request into a gateway.Request and writes the pipeline's
// response back unchanged. The admin handler serves health, statistics,
// route and instance management, and Prometheus metrics on a separate
// listener.
package server
