// Package signal defines the wire protocol of the relay: the JSON envelope
// exchanged over WebSocket text frames and over the distribution bridge,
// plus the codec that parses inbound frames into typed signals.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type enumerates the recognized signal envelope subtypes.
type Type string

const (
	TypeConnected Type = "connected" // server -> client, once after upgrade
	TypeJoin      Type = "join"      // client descriptor entering a room
	TypeLeave     Type = "leave"     // client descriptor leaving a room
	TypeMessage   Type = "message"   // point-to-point payload between peers
	TypePing      Type = "ping"      // server -> client liveness probe
	TypePong      Type = "pong"      // client -> server liveness reply
)

// RoomID identifies a named room.
type RoomID string

// ClientID identifies a client within a room.
type ClientID string

// Protocol-level failures. Per-frame errors are logged and the frame dropped;
// the session is never closed for a bad frame.
var (
	ErrMalformedFrame    = errors.New("malformed signal frame")
	ErrUnknownSignalType = errors.New("unknown signal type")
)

// Valid reports whether t is a recognized envelope subtype.
func (t Type) Valid() bool {
	switch t {
	case TypeConnected, TypeJoin, TypeLeave, TypeMessage, TypePing, TypePong:
		return true
	}
	return false
}

// Distributable reports whether envelopes of this type are carried on the
// distribution bridge. Liveness and handshake signals stay local.
func (t Type) Distributable() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeMessage:
		return true
	}
	return false
}

// Envelope is the single wire shape: {type, data}. Data is kept raw so that
// arbitrary application payload fields survive forwarding byte-for-byte.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClientInfo is the descriptor a peer advertises on join. The relay stores
// and forwards it verbatim and never mutates it.
type ClientInfo struct {
	ClientID  ClientID `json:"clientId"`
	Name      string   `json:"name"`
	Avatar    string   `json:"avatar,omitempty"`
	CreatedAt int64    `json:"createdAt"`
	Resume    bool     `json:"resume,omitempty"`
}

// Validate ensures a descriptor is routable.
func (c ClientInfo) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: descriptor missing clientId", ErrMalformedFrame)
	}
	return nil
}

// MessageInfo carries the routing fields of a message envelope. The full
// payload is not represented here; forwarding always re-encodes the original
// envelope so unknown fields are preserved.
type MessageInfo struct {
	Type           string   `json:"type,omitempty"`
	SessionID      string   `json:"sessionId,omitempty"`
	ClientID       ClientID `json:"clientId"`
	TargetClientID ClientID `json:"targetClientId"`
}

// Decode parses a text frame into an envelope. Non-JSON input or a missing
// type yields ErrMalformedFrame; an unrecognized type yields
// ErrUnknownSignalType.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownSignalType, env.Type)
	}
	return env, nil
}

// Encode serializes an envelope to a text frame.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Client extracts the descriptor from a join or leave envelope.
func (e Envelope) Client() (ClientInfo, error) {
	var info ClientInfo
	if err := json.Unmarshal(e.Data, &info); err != nil {
		return ClientInfo{}, fmt.Errorf("%w: bad descriptor: %v", ErrMalformedFrame, err)
	}
	if err := info.Validate(); err != nil {
		return ClientInfo{}, err
	}
	return info, nil
}

// Message extracts the routing fields from a message envelope.
func (e Envelope) Message() (MessageInfo, error) {
	var info MessageInfo
	if err := json.Unmarshal(e.Data, &info); err != nil {
		return MessageInfo{}, fmt.Errorf("%w: bad message payload: %v", ErrMalformedFrame, err)
	}
	if info.TargetClientID == "" {
		return MessageInfo{}, fmt.Errorf("%w: message missing targetClientId", ErrMalformedFrame)
	}
	return info, nil
}

// JoinEnvelope builds a join envelope for a stored descriptor.
func JoinEnvelope(info ClientInfo) Envelope {
	data, _ := json.Marshal(info)
	return Envelope{Type: TypeJoin, Data: data}
}

// LeaveEnvelope builds a leave envelope for a stored descriptor.
func LeaveEnvelope(info ClientInfo) Envelope {
	data, _ := json.Marshal(info)
	return Envelope{Type: TypeLeave, Data: data}
}

// ConnectedEnvelope builds the handshake envelope echoing the room's stored
// password hash, or null when the room has none.
func ConnectedEnvelope(passwordHash string) Envelope {
	if passwordHash == "" {
		return Envelope{Type: TypeConnected, Data: json.RawMessage("null")}
	}
	data, _ := json.Marshal(passwordHash)
	return Envelope{Type: TypeConnected, Data: data}
}

// PingEnvelope builds the liveness probe sent by the heartbeat supervisor.
func PingEnvelope() Envelope {
	return Envelope{Type: TypePing}
}
