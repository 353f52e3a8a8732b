package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec frames a Message for a Link.
type Codec interface {
	Name() string
	Marshal(m *Message) ([]byte, error)
	Unmarshal(data []byte, m *Message) error
	// FrameType is the websocket frame type used for encoded messages.
	FrameType() int
}

type jsonCodec struct{}

func (jsonCodec) Name() string                            { return "json" }
func (jsonCodec) Marshal(m *Message) ([]byte, error)      { return json.Marshal(m) }
func (jsonCodec) Unmarshal(data []byte, m *Message) error { return json.Unmarshal(data, m) }
func (jsonCodec) FrameType() int                          { return websocket.TextMessage }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                            { return "msgpack" }
func (msgpackCodec) Marshal(m *Message) ([]byte, error)      { return msgpack.Marshal(m) }
func (msgpackCodec) Unmarshal(data []byte, m *Message) error { return msgpack.Unmarshal(data, m) }
func (msgpackCodec) FrameType() int                          { return websocket.BinaryMessage }

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// CodecByName returns the codec for "json" or "msgpack". An empty name
// selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("bridge: unknown codec %q", name)
	}
}
