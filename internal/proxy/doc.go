// Package proxy implements the client-facing HTTP proxy listener.
//
// CONNECT requests are validated, answered with 200 and handed off as raw
// hijacked connections to a TunnelSpawner. Every other method is forwarded
// to the origin as plain HTTP.
package proxy
