// Package events owns the SSE server that fans out stream state changes
// to every connected viewer. Replay is disabled on purpose: a client that
// reconnects should converge from the latest state, not replay history.
package events

import "github.com/r3labs/sse/v2"

// StreamName is the topic that all state change events are published on.
// It is keyed on the singleton stream state record.
const StreamName = "stream"

var Server *sse.Server

func Init() {
	server := sse.New()
	server.AutoReplay = false
	server.CreateStream(StreamName)
	Server = server
}
