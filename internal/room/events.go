package room

import (
	"time"

	"ensemble/internal/protocol"
)

// Role is the local participant's role in the room.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "none"
	}
}

// MarshalText renders the role name in JSON.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// JoinRequest is a join awaiting the host's decision.
type JoinRequest struct {
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Suggestion is a track proposed by a guest awaiting the host's decision.
type Suggestion struct {
	ID           string             `json:"suggestionId"`
	FromUserID   string             `json:"fromUserId"`
	FromUsername string             `json:"fromUsername"`
	Track        protocol.TrackInfo `json:"track"`
}

// Event is published once per applied room transition.
type Event interface {
	EventName() string
}

type RoomCreated struct {
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
}

type JoinRequested struct {
	Request JoinRequest `json:"request"`
}

type JoinApproved struct {
	RoomCode string             `json:"roomCode"`
	UserID   string             `json:"userId"`
	IsHost   bool               `json:"isHost"`
	State    protocol.RoomState `json:"state"`
}

type JoinRejected struct {
	Reason string `json:"reason"`
}

// Reconnected carries the full state the server restored for a resumed
// session.
type Reconnected struct {
	RoomCode string             `json:"roomCode"`
	UserID   string             `json:"userId"`
	IsHost   bool               `json:"isHost"`
	State    protocol.RoomState `json:"state"`
}

type UserJoined struct {
	User protocol.UserInfo `json:"user"`
}

type UserLeft struct {
	User protocol.UserInfo `json:"user"`
}

type UserDisconnected struct {
	User protocol.UserInfo `json:"user"`
}

type UserReconnected struct {
	User protocol.UserInfo `json:"user"`
}

type HostChanged struct {
	NewHostID   string `json:"newHostId"`
	NewHostName string `json:"newHostName"`
}

type RoleChanged struct {
	From Role `json:"from"`
	To   Role `json:"to"`
}

type Kicked struct {
	Reason string `json:"reason"`
}

// Left is published when local membership ends for a reason other than a
// kick.
type Left struct {
	Reason string `json:"reason"`
}

type Play struct {
	PositionMs int64 `json:"position"`
}

type Pause struct {
	PositionMs int64 `json:"position"`
}

type Seek struct {
	PositionMs int64 `json:"position"`
}

// TrackChanged is a CHANGE_TRACK. WithQueue distinguishes a bundled queue
// (full load) from a single-track change (buffering barrier).
type TrackChanged struct {
	Track      protocol.TrackInfo   `json:"track"`
	Queue      []protocol.TrackInfo `json:"queue"`
	QueueTitle *string              `json:"queueTitle"`
	WithQueue  bool                 `json:"withQueue"`
}

type QueueSynced struct {
	Queue []protocol.TrackInfo `json:"queue"`
	Title *string              `json:"title"`
}

type StateSynced struct {
	State protocol.SyncStatePayload `json:"state"`
}

type BufferWait struct {
	TrackID    string   `json:"trackId"`
	WaitingFor []string `json:"waitingFor"`
}

type BufferComplete struct {
	TrackID string `json:"trackId"`
}

type Chat struct {
	Message protocol.ChatMessagePayload `json:"message"`
}

type SuggestionReceived struct {
	Suggestion Suggestion `json:"suggestion"`
}

type SuggestionApproved struct {
	SuggestionID string             `json:"suggestionId"`
	Track        protocol.TrackInfo `json:"track"`
}

type SuggestionRejected struct {
	SuggestionID string `json:"suggestionId"`
	Reason       string `json:"reason"`
}

type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (RoomCreated) EventName() string        { return "room_created" }
func (JoinRequested) EventName() string      { return "join_requested" }
func (JoinApproved) EventName() string       { return "join_approved" }
func (JoinRejected) EventName() string       { return "join_rejected" }
func (Reconnected) EventName() string        { return "reconnected" }
func (UserJoined) EventName() string         { return "user_joined" }
func (UserLeft) EventName() string           { return "user_left" }
func (UserDisconnected) EventName() string   { return "user_disconnected" }
func (UserReconnected) EventName() string    { return "user_reconnected" }
func (HostChanged) EventName() string        { return "host_changed" }
func (RoleChanged) EventName() string        { return "role_changed" }
func (Kicked) EventName() string             { return "kicked" }
func (Left) EventName() string               { return "left" }
func (Play) EventName() string               { return "play" }
func (Pause) EventName() string              { return "pause" }
func (Seek) EventName() string               { return "seek" }
func (TrackChanged) EventName() string       { return "track_changed" }
func (QueueSynced) EventName() string        { return "queue_synced" }
func (StateSynced) EventName() string        { return "state_synced" }
func (BufferWait) EventName() string         { return "buffer_wait" }
func (BufferComplete) EventName() string     { return "buffer_complete" }
func (Chat) EventName() string               { return "chat" }
func (SuggestionReceived) EventName() string { return "suggestion_received" }
func (SuggestionApproved) EventName() string { return "suggestion_approved" }
func (SuggestionRejected) EventName() string { return "suggestion_rejected" }
func (ServerError) EventName() string        { return "server_error" }
