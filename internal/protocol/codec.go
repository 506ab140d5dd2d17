package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrMalformed is returned for frames that are not a valid envelope.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for envelopes whose type is not in the
	// message set. Callers log and ignore these.
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is the frame exchanged over the connection. Payload is kept raw
// until a handler asks for its typed shape.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message is an outbound message before encoding.
type Message struct {
	Type    MessageType
	Payload any
}

type defaulter interface {
	withDefaults() any
}

func (p JoinApprovedPayload) withDefaults() any {
	p.State = p.State.withDefaults().(RoomState)
	return p
}

func (p ReconnectedPayload) withDefaults() any {
	p.State = p.State.withDefaults().(RoomState)
	return p
}

// shape describes which side may send a type and the payload it carries in
// each direction. A nil factory on an allowed direction means no payload.
type shape struct {
	fromClient    bool
	fromServer    bool
	clientPayload func() any
	serverPayload func() any
}

var registry = map[MessageType]shape{
	TypeCreateRoom:       {fromClient: true, clientPayload: func() any { return &CreateRoomPayload{} }},
	TypeRoomCreated:      {fromServer: true, serverPayload: func() any { return &RoomCreatedPayload{} }},
	TypeJoinRoom:         {fromClient: true, clientPayload: func() any { return &JoinRoomPayload{} }},
	TypeJoinRequest:      {fromServer: true, serverPayload: func() any { return &JoinRequestPayload{} }},
	TypeApproveJoin:      {fromClient: true, clientPayload: func() any { return &ApproveJoinPayload{} }},
	TypeRejectJoin:       {fromClient: true, clientPayload: func() any { return &RejectJoinPayload{} }},
	TypeJoinApproved:     {fromServer: true, serverPayload: func() any { return &JoinApprovedPayload{} }},
	TypeJoinRejected:     {fromServer: true, serverPayload: func() any { return &JoinRejectedPayload{} }},
	TypeLeaveRoom:        {fromClient: true},
	TypeUserJoined:       {fromServer: true, serverPayload: func() any { return &UserPayload{} }},
	TypeUserLeft:         {fromServer: true, serverPayload: func() any { return &UserPayload{} }},
	TypeUserDisconnected: {fromServer: true, serverPayload: func() any { return &UserPayload{} }},
	TypeUserReconnected:  {fromServer: true, serverPayload: func() any { return &UserPayload{} }},
	TypeKickUser:         {fromClient: true, clientPayload: func() any { return &KickUserPayload{} }},
	TypeKicked:           {fromServer: true, serverPayload: func() any { return &KickedPayload{} }},
	TypeTransferHost:     {fromClient: true, clientPayload: func() any { return &TransferHostPayload{} }},
	TypeHostChanged:      {fromServer: true, serverPayload: func() any { return &HostChangedPayload{} }},
	TypeReconnect:        {fromClient: true, clientPayload: func() any { return &ReconnectPayload{} }},
	TypeReconnected:      {fromServer: true, serverPayload: func() any { return &ReconnectedPayload{} }},
	TypePing:             {fromClient: true},
	TypePong:             {fromServer: true},
	TypeError:            {fromServer: true, serverPayload: func() any { return &ErrorPayload{} }},

	TypePlay:           {fromClient: true, fromServer: true, clientPayload: func() any { return &PositionPayload{} }, serverPayload: func() any { return &PositionPayload{} }},
	TypePause:          {fromClient: true, fromServer: true, clientPayload: func() any { return &PositionPayload{} }, serverPayload: func() any { return &PositionPayload{} }},
	TypeSeek:           {fromClient: true, fromServer: true, clientPayload: func() any { return &PositionPayload{} }, serverPayload: func() any { return &PositionPayload{} }},
	TypeChangeTrack:    {fromClient: true, fromServer: true, clientPayload: func() any { return &ChangeTrackPayload{} }, serverPayload: func() any { return &ChangeTrackPayload{} }},
	TypeSyncQueue:      {fromClient: true, fromServer: true, clientPayload: func() any { return &SyncQueuePayload{} }, serverPayload: func() any { return &SyncQueuePayload{} }},
	TypeSyncState:      {fromServer: true, serverPayload: func() any { return &SyncStatePayload{} }},
	TypeRequestSync:    {fromClient: true},
	TypeBufferReady:    {fromClient: true, clientPayload: func() any { return &BufferReadyPayload{} }},
	TypeBufferWait:     {fromServer: true, serverPayload: func() any { return &BufferWaitPayload{} }},
	TypeBufferComplete: {fromServer: true, serverPayload: func() any { return &BufferCompletePayload{} }},

	TypeChatMessage:        {fromClient: true, fromServer: true, clientPayload: func() any { return &ChatSendPayload{} }, serverPayload: func() any { return &ChatMessagePayload{} }},
	TypeSuggestTrack:       {fromClient: true, clientPayload: func() any { return &SuggestTrackPayload{} }},
	TypeSuggestionReceived: {fromServer: true, serverPayload: func() any { return &SuggestionReceivedPayload{} }},
	TypeApproveSuggestion:  {fromClient: true, clientPayload: func() any { return &ApproveSuggestionPayload{} }},
	TypeRejectSuggestion:   {fromClient: true, clientPayload: func() any { return &RejectSuggestionPayload{} }},
	TypeSuggestionApproved: {fromServer: true, serverPayload: func() any { return &SuggestionApprovedPayload{} }},
	TypeSuggestionRejected: {fromServer: true, serverPayload: func() any { return &SuggestionRejectedPayload{} }},
}

// AllTypes returns every defined message type in lexical order.
func AllTypes() []MessageType {
	types := make([]MessageType, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// IsKnown reports whether t belongs to the message set.
func IsKnown(t MessageType) bool {
	_, ok := registry[t]
	return ok
}

// SentByClient reports whether clients may send t.
func SentByClient(t MessageType) bool { return registry[t].fromClient }

// SentByServer reports whether the server may send t.
func SentByServer(t MessageType) bool { return registry[t].fromServer }

// NewClientPayload returns a pointer to a zero payload of the shape clients
// send for t, or nil when t carries no client payload.
func NewClientPayload(t MessageType) any {
	if f := registry[t].clientPayload; f != nil {
		return f()
	}
	return nil
}

// NewServerPayload returns a pointer to a zero payload of the shape the
// server sends for t, or nil when t carries no server payload.
func NewServerPayload(t MessageType) any {
	if f := registry[t].serverPayload; f != nil {
		return f()
	}
	return nil
}

// Encode serializes a message. Every payload field is written, with list
// fields defaulting to [] and optional values to null.
func Encode(msg Message) ([]byte, error) {
	if !IsKnown(msg.Type) {
		return nil, fmt.Errorf("encode %q: %w", msg.Type, ErrUnknownType)
	}
	payload := msg.Payload
	if d, ok := payload.(defaulter); ok {
		payload = d.withDefaults()
	}
	raw := json.RawMessage("null")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msg.Type, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: msg.Type, Payload: raw})
}

// Decode parses an inbound frame. Unknown fields are ignored. An envelope
// with an unrecognized type is returned together with ErrUnknownType.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !IsKnown(env.Type) {
		return env, fmt.Errorf("%q: %w", env.Type, ErrUnknownType)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into T. A missing or null
// payload yields the zero value.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 || bytes.Equal(bytes.TrimSpace(env.Payload), []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return out, nil
}
