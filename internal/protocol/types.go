// Package protocol defines the listening-room wire format: a JSON envelope
// {"type": ..., "payload": ...} and the closed set of message types with
// their payload shapes.
package protocol

// MessageType identifies the payload carried by an Envelope.
type MessageType string

// Room lifecycle.
const (
	TypeCreateRoom       MessageType = "CREATE_ROOM"
	TypeRoomCreated      MessageType = "ROOM_CREATED"
	TypeJoinRoom         MessageType = "JOIN_ROOM"
	TypeJoinRequest      MessageType = "JOIN_REQUEST"
	TypeApproveJoin      MessageType = "APPROVE_JOIN"
	TypeRejectJoin       MessageType = "REJECT_JOIN"
	TypeJoinApproved     MessageType = "JOIN_APPROVED"
	TypeJoinRejected     MessageType = "JOIN_REJECTED"
	TypeLeaveRoom        MessageType = "LEAVE_ROOM"
	TypeUserJoined       MessageType = "USER_JOINED"
	TypeUserLeft         MessageType = "USER_LEFT"
	TypeUserDisconnected MessageType = "USER_DISCONNECTED"
	TypeUserReconnected  MessageType = "USER_RECONNECTED"
	TypeKickUser         MessageType = "KICK_USER"
	TypeKicked           MessageType = "KICKED"
	TypeTransferHost     MessageType = "TRANSFER_HOST"
	TypeHostChanged      MessageType = "HOST_CHANGED"
	TypeReconnect        MessageType = "RECONNECT"
	TypeReconnected      MessageType = "RECONNECTED"
	TypePing             MessageType = "PING"
	TypePong             MessageType = "PONG"
	TypeError            MessageType = "ERROR"
)

// Playback, queue and buffering.
const (
	TypePlay           MessageType = "PLAY"
	TypePause          MessageType = "PAUSE"
	TypeSeek           MessageType = "SEEK"
	TypeChangeTrack    MessageType = "CHANGE_TRACK"
	TypeSyncQueue      MessageType = "SYNC_QUEUE"
	TypeSyncState      MessageType = "SYNC_STATE"
	TypeRequestSync    MessageType = "REQUEST_SYNC"
	TypeBufferReady    MessageType = "BUFFER_READY"
	TypeBufferWait     MessageType = "BUFFER_WAIT"
	TypeBufferComplete MessageType = "BUFFER_COMPLETE"
)

// Chat and suggestions.
const (
	TypeChatMessage        MessageType = "CHAT_MESSAGE"
	TypeSuggestTrack       MessageType = "SUGGEST_TRACK"
	TypeSuggestionReceived MessageType = "SUGGESTION_RECEIVED"
	TypeApproveSuggestion  MessageType = "APPROVE_SUGGESTION"
	TypeRejectSuggestion   MessageType = "REJECT_SUGGESTION"
	TypeSuggestionApproved MessageType = "SUGGESTION_APPROVED"
	TypeSuggestionRejected MessageType = "SUGGESTION_REJECTED"
)

// Error codes reported in ErrorPayload.Code.
const (
	ErrCodeSessionNotFound = "session_not_found"
	ErrCodeRoomNotFound    = "room_not_found"
	ErrCodeNotHost         = "not_host"
	ErrCodeInvalidMessage  = "invalid_message"
	ErrCodeRateLimited     = "rate_limited"
)

// TrackInfo is the wire representation of a track.
type TrackInfo struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Artist      string  `json:"artist"`
	Album       *string `json:"album"`
	DurationMs  int64   `json:"duration"`
	Thumbnail   *string `json:"thumbnail"`
	SuggestedBy *string `json:"suggestedBy"`
}

// UserInfo describes one room member.
type UserInfo struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	IsHost      bool   `json:"isHost"`
	IsConnected bool   `json:"isConnected"`
}

// RoomState is the server's authoritative snapshot of a room.
type RoomState struct {
	RoomCode     string      `json:"roomCode"`
	HostID       string      `json:"hostId"`
	Users        []UserInfo  `json:"users"`
	CurrentTrack *TrackInfo  `json:"currentTrack"`
	IsPlaying    bool        `json:"isPlaying"`
	PositionMs   int64       `json:"position"`
	Queue        []TrackInfo `json:"queue"`
	LastUpdateMs int64       `json:"lastUpdate"`
}

func (s RoomState) withDefaults() any {
	if s.Users == nil {
		s.Users = []UserInfo{}
	}
	if s.Queue == nil {
		s.Queue = []TrackInfo{}
	}
	return s
}

// EstimatedPosition advances the snapshot position by the time elapsed since
// LastUpdateMs when the room is playing.
func (s RoomState) EstimatedPosition(nowMs int64) int64 {
	if !s.IsPlaying || s.LastUpdateMs <= 0 || nowMs <= s.LastUpdateMs {
		return s.PositionMs
	}
	pos := s.PositionMs + (nowMs - s.LastUpdateMs)
	if s.CurrentTrack != nil && s.CurrentTrack.DurationMs > 0 && pos > s.CurrentTrack.DurationMs {
		return s.CurrentTrack.DurationMs
	}
	return pos
}

// User returns the member with the given id.
func (s RoomState) User(userID string) (UserInfo, bool) {
	for _, u := range s.Users {
		if u.UserID == userID {
			return u, true
		}
	}
	return UserInfo{}, false
}

// Client to server payloads.

// CreateRoomPayload carries CREATE_ROOM.
type CreateRoomPayload struct {
	Username string `json:"username"`
}

// JoinRoomPayload carries JOIN_ROOM.
type JoinRoomPayload struct {
	RoomCode string `json:"roomCode"`
	Username string `json:"username"`
}

// ReconnectPayload carries RECONNECT with a previously issued session token.
type ReconnectPayload struct {
	SessionToken string `json:"sessionToken"`
}

// ApproveJoinPayload carries APPROVE_JOIN.
type ApproveJoinPayload struct {
	UserID string `json:"userId"`
}

// RejectJoinPayload carries REJECT_JOIN.
type RejectJoinPayload struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

// KickUserPayload carries KICK_USER.
type KickUserPayload struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

// TransferHostPayload carries TRANSFER_HOST.
type TransferHostPayload struct {
	NewHostID string `json:"newHostId"`
}

// BufferReadyPayload carries BUFFER_READY once the named track can play.
type BufferReadyPayload struct {
	TrackID string `json:"trackId"`
}

// ChatSendPayload is the client side of CHAT_MESSAGE.
type ChatSendPayload struct {
	Message string `json:"message"`
}

// SuggestTrackPayload carries SUGGEST_TRACK.
type SuggestTrackPayload struct {
	Track TrackInfo `json:"track"`
}

// ApproveSuggestionPayload carries APPROVE_SUGGESTION.
type ApproveSuggestionPayload struct {
	SuggestionID string `json:"suggestionId"`
}

// RejectSuggestionPayload carries REJECT_SUGGESTION.
type RejectSuggestionPayload struct {
	SuggestionID string `json:"suggestionId"`
	Reason       string `json:"reason"`
}

// Playback payloads travel in both directions.

// PositionPayload carries PLAY, PAUSE and SEEK.
type PositionPayload struct {
	PositionMs int64 `json:"position"`
}

// ChangeTrackPayload carries CHANGE_TRACK. A non-nil Queue asks guests to
// load the whole queue instead of buffering the single track.
type ChangeTrackPayload struct {
	Track      TrackInfo   `json:"track"`
	Queue      []TrackInfo `json:"queue"`
	QueueTitle *string     `json:"queueTitle"`
}

// SyncQueuePayload carries SYNC_QUEUE.
type SyncQueuePayload struct {
	Queue []TrackInfo `json:"queue"`
	Title *string     `json:"title"`
}

func (p SyncQueuePayload) withDefaults() any {
	if p.Queue == nil {
		p.Queue = []TrackInfo{}
	}
	return p
}

// Server to client payloads.

// RoomCreatedPayload carries ROOM_CREATED.
type RoomCreatedPayload struct {
	RoomCode     string `json:"roomCode"`
	UserID       string `json:"userId"`
	SessionToken string `json:"sessionToken"`
}

// JoinRequestPayload carries JOIN_REQUEST to the host.
type JoinRequestPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// JoinApprovedPayload carries JOIN_APPROVED with the session token and room snapshot.
type JoinApprovedPayload struct {
	RoomCode     string    `json:"roomCode"`
	UserID       string    `json:"userId"`
	SessionToken string    `json:"sessionToken"`
	IsHost       bool      `json:"isHost"`
	State        RoomState `json:"state"`
}

// JoinRejectedPayload carries JOIN_REJECTED.
type JoinRejectedPayload struct {
	Reason string `json:"reason"`
}

// UserPayload carries USER_JOINED, USER_LEFT, USER_DISCONNECTED and
// USER_RECONNECTED.
type UserPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// HostChangedPayload carries HOST_CHANGED.
type HostChangedPayload struct {
	NewHostID   string `json:"newHostId"`
	NewHostName string `json:"newHostName"`
}

// KickedPayload carries KICKED.
type KickedPayload struct {
	Reason string `json:"reason"`
}

// ReconnectedPayload carries RECONNECTED with the resumed room snapshot.
type ReconnectedPayload struct {
	RoomCode string    `json:"roomCode"`
	UserID   string    `json:"userId"`
	IsHost   bool      `json:"isHost"`
	State    RoomState `json:"state"`
}

// SyncStatePayload carries SYNC_STATE.
type SyncStatePayload struct {
	CurrentTrack *TrackInfo  `json:"currentTrack"`
	IsPlaying    bool        `json:"isPlaying"`
	PositionMs   int64       `json:"position"`
	LastUpdateMs int64       `json:"lastUpdate"`
	Queue        []TrackInfo `json:"queue"`
	QueueTitle   *string     `json:"queueTitle"`
}

func (p SyncStatePayload) withDefaults() any {
	if p.Queue == nil {
		p.Queue = []TrackInfo{}
	}
	return p
}

// ErrorPayload carries ERROR. Code is one of the ErrCode constants.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BufferWaitPayload carries BUFFER_WAIT with the members still loading.
type BufferWaitPayload struct {
	TrackID    string   `json:"trackId"`
	WaitingFor []string `json:"waitingFor"`
}

func (p BufferWaitPayload) withDefaults() any {
	if p.WaitingFor == nil {
		p.WaitingFor = []string{}
	}
	return p
}

// BufferCompletePayload carries BUFFER_COMPLETE once every member is ready.
type BufferCompletePayload struct {
	TrackID string `json:"trackId"`
}

// ChatMessagePayload is the server side of CHAT_MESSAGE.
type ChatMessagePayload struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// SuggestionReceivedPayload carries SUGGESTION_RECEIVED to the host.
type SuggestionReceivedPayload struct {
	SuggestionID string    `json:"suggestionId"`
	FromUserID   string    `json:"fromUserId"`
	FromUsername string    `json:"fromUsername"`
	Track        TrackInfo `json:"track"`
}

// SuggestionApprovedPayload carries SUGGESTION_APPROVED.
type SuggestionApprovedPayload struct {
	SuggestionID string    `json:"suggestionId"`
	Track        TrackInfo `json:"track"`
}

// SuggestionRejectedPayload carries SUGGESTION_REJECTED.
type SuggestionRejectedPayload struct {
	SuggestionID string `json:"suggestionId"`
	Reason       string `json:"reason"`
}
