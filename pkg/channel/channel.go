// Package channel is the boundary between chat networks and the council.
// A room on a channel maps one-to-one onto a council session.
package channel

import "context"

// Message is one inbound chat message, already reduced to what the
// dispatcher needs.
type Message struct {
	Source    string // channel name, e.g. "matrix"
	SenderID  string
	RoomID    string // also used as the session id
	Content   string
	ImagePath string // local copy of an attached image
	Timestamp int64  // unix millis
}

// Response is an outbound reply addressed to a room.
type Response struct {
	RoomID  string
	Content string
}

// MessageHandler answers one inbound message. A returned error is reported
// back to the room by the channel.
type MessageHandler func(ctx context.Context, msg Message) error

// Channel is a chat network the council listens on.
type Channel interface {
	Name() string

	// Start delivers messages to handler until ctx is done.
	Start(ctx context.Context, handler MessageHandler) error

	// Send posts resp, splitting it if the network requires.
	Send(ctx context.Context, resp Response) error

	Stop() error
}
