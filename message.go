package meshchat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Frame types carried on a chat stream.
const (
	frameHello  = "hello"
	frameChat   = "chat"
	frameDirect = "direct"
)

// Message is one unit of chat content. The ID is assigned once at the
// originating node and never changes as the message is forwarded.
type Message struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func newMessage(channel, sender, body string) Message {
	return Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		Sender:    sender,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

// frame is one newline-delimited JSON record on a chat stream. Hello frames
// are exchanged once per connection and use their own shape (see hello).
type frame struct {
	Type string `json:"type"`
	Message
	// To addresses a direct frame to a single username; unset for chat.
	To string `json:"to,omitempty"`
}

// hello is the first frame sent in each direction on a new connection.
type hello struct {
	Type     string `json:"type"`
	NodeID   string `json:"node_id"`
	Username string `json:"username"`
	Channel  string `json:"channel"`
}

// beacon is the discovery datagram broadcast on the discovery port. Extra
// fields from newer versions are ignored on decode.
type beacon struct {
	NodeID   string `json:"node_id"`
	Channel  string `json:"channel"`
	ChatPort int    `json:"chat_port"`
	Username string `json:"username"`
}

// encodeLine marshals v and appends the frame delimiter.
func encodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
