// Package transport carries calls from a client to a sandbox agent.
//
// Two backends implement Transport. HTTPTransport issues one HTTP request per call.
// WebSocketTransport multiplexes every call over a single WebSocket connection using the frames
// defined in package wire, and additionally supports control messages and push events, which
// interactive terminals are built on.
//
// Either backend can be wrapped with WithRetry to ride out the window in which a freshly started
// sandbox accepts connections but cannot serve requests yet.
package transport
