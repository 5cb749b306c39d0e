// Package httpserver implements the HTTP server external-interface
// adapter (spec §4.H): a process may bind an HTTP path or a WebSocket
// path, after which matching requests are delivered to it as structured
// KernelMessages and it may push WebSocket frames back out over any open
// connection.
package httpserver
