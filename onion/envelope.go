package onion

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/nyxmesh/nyx/dht"
)

// Envelope is the wire form of one layer of onion encryption: a sealed
// blob addressed to the next hop, together with a random tag that is fresh
// for every layer and carries no circuit information.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	NextHopTag string `json:"next_hop_tag,omitempty"`
}

// peeled is the plaintext a relay recovers by opening one Envelope layer.
// Every hop but the last decrypts to a Packet wrapping the next envelope
// plus the endpoint to forward it to. The last hop decrypts to a bare
// payload with no next_hop, which is how a relay recognizes it is the
// circuit's exit.
type peeled struct {
	Packet    json.RawMessage `json:"packet,omitempty"`
	NextHop   *dht.Endpoint   `json:"next_hop,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Wrap builds the layered envelope to send to hops[0] so that payload
// reaches hops[len(hops)-1] having been peeled once per intermediate hop.
// hops must be non-empty.
func Wrap(payload json.RawMessage, hops []Hop, now int64) (*Envelope, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("onion: wrap requires at least one hop")
	}

	last := hops[len(hops)-1]
	inner := peeled{Payload: payload, Timestamp: now}
	env, err := sealTo(last, inner)
	if err != nil {
		return nil, fmt.Errorf("onion: seal terminal layer: %w", err)
	}

	for i := len(hops) - 2; i >= 0; i-- {
		innerJSON, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("onion: marshal inner envelope: %w", err)
		}
		nextHop := hops[i+1].Endpoint
		wrapper := peeled{Packet: innerJSON, NextHop: &nextHop}
		env, err = sealTo(hops[i], wrapper)
		if err != nil {
			return nil, fmt.Errorf("onion: seal layer %d: %w", i, err)
		}
	}
	return env, nil
}

// sealTo encrypts p to hop and attaches a random 128-bit next_hop_tag. Every
// layer carries this tag, forwarding and terminal alike, so that the outer
// tag is indistinguishable from an interior one: no relay can tell its
// position in the circuit from the tag's presence or shape.
func sealTo(hop Hop, p peeled) (*Envelope, error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("onion: marshal layer: %w", err)
	}
	sealed, err := pkEncrypt(hop.PublicKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("onion: seal layer: %w", err)
	}
	tag, err := randomTag()
	if err != nil {
		return nil, fmt.Errorf("onion: generate next_hop_tag: %w", err)
	}
	return &Envelope{Ciphertext: base64.StdEncoding.EncodeToString(sealed), NextHopTag: tag}, nil
}

func randomTag() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// ErrPeelFailed reports that an envelope could not be opened with priv,
// or decoded after opening. A relay that sees this drops the frame.
var ErrPeelFailed = fmt.Errorf("onion: peel failed")

// Unwrap opens one layer of packet with priv. If the layer carries a
// forwarding packet, forward and nextHop are set and payload is nil. If the
// layer is terminal, payload is set and forward/nextHop are nil.
func Unwrap(packet *Envelope, priv [32]byte) (payload json.RawMessage, forward *Envelope, nextHop *dht.Endpoint, err error) {
	sealed, err := base64.StdEncoding.DecodeString(packet.Ciphertext)
	if err != nil {
		return nil, nil, nil, ErrPeelFailed
	}
	plaintext, err := pkDecrypt(priv, sealed)
	if err != nil {
		return nil, nil, nil, ErrPeelFailed
	}

	var p peeled
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, nil, nil, ErrPeelFailed
	}

	if p.NextHop != nil {
		var inner Envelope
		if err := json.Unmarshal(p.Packet, &inner); err != nil {
			return nil, nil, nil, ErrPeelFailed
		}
		return nil, &inner, p.NextHop, nil
	}
	return p.Payload, nil, nil, nil
}
