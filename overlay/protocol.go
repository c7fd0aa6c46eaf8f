package overlay

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates a newline-delimited JSON frame on the TCP
// overlay connection between two peers.
type FrameType string

const (
	FrameHello         FrameType = "HELLO"
	FrameOnionPacket   FrameType = "ONION_PACKET"
	FrameDHTQuery      FrameType = "DHT_QUERY"
	FramePeerDiscovery FrameType = "PEER_DISCOVERY"
	FrameAnonymousMsg  FrameType = "ANONYMOUS_MESSAGE"
	FrameDummyTraffic  FrameType = "DUMMY_TRAFFIC"
)

// Frame is the single decode point for every overlay TCP message.
type Frame struct {
	Type      FrameType       `json:"type"`
	PeerID    PeerID          `json:"peerId"`
	Packet    json.RawMessage `json:"packet,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Dummy     []byte          `json:"dummy,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ErrMalformedFrame reports a frame that fails required-field validation.
var ErrMalformedFrame = fmt.Errorf("overlay: malformed frame")

// DecodeFrame parses one newline-delimited JSON line into a Frame.
func DecodeFrame(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}
