// Package relaywire defines the frames exchanged between the relay server
// and its websocket clients. Channel payloads are opaque to the relay.
package relaywire

import "encoding/json"

type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
)

// Frame is a client-to-server request.
type Frame struct {
	Op      Op              `json:"op"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Delivery is a server-to-client push of one published payload.
type Delivery struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}
