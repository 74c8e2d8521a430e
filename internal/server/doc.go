// Package server implements the receiver's UDP server and HTTP API, plus the
// streamer's control API. Datagrams are decoded concurrently and routed to
// per-sender stream sessions.
package server
