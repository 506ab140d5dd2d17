package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func sampleTrack(id string) TrackInfo {
	return TrackInfo{
		ID:          id,
		Title:       "Title " + id,
		Artist:      "Artist",
		Album:       strPtr("Album"),
		DurationMs:  215000,
		Thumbnail:   strPtr("https://img.example/" + id),
		SuggestedBy: strPtr("Bob"),
	}
}

func sampleState() RoomState {
	t1 := sampleTrack("t1")
	return RoomState{
		RoomCode: "AB12",
		HostID:   "u1",
		Users: []UserInfo{
			{UserID: "u1", Username: "Alice", IsHost: true, IsConnected: true},
			{UserID: "u2", Username: "Bob", IsConnected: false},
		},
		CurrentTrack: &t1,
		IsPlaying:    true,
		PositionMs:   42000,
		Queue:        []TrackInfo{t1, sampleTrack("t2")},
		LastUpdateMs: 1700000000000,
	}
}

// samples holds a populated payload for every type and direction that
// carries one. Keys are "<TYPE>/client" or "<TYPE>/server".
func samples() map[string]any {
	return map[string]any{
		"CREATE_ROOM/client":         &CreateRoomPayload{Username: "Alice"},
		"JOIN_ROOM/client":           &JoinRoomPayload{RoomCode: "AB12", Username: "Bob"},
		"RECONNECT/client":           &ReconnectPayload{SessionToken: "tok"},
		"APPROVE_JOIN/client":        &ApproveJoinPayload{UserID: "u2"},
		"REJECT_JOIN/client":         &RejectJoinPayload{UserID: "u2", Reason: "full"},
		"KICK_USER/client":           &KickUserPayload{UserID: "u2", Reason: "spam"},
		"TRANSFER_HOST/client":       &TransferHostPayload{NewHostID: "u2"},
		"PLAY/client":                &PositionPayload{PositionMs: 5000},
		"PLAY/server":                &PositionPayload{PositionMs: 5000},
		"PAUSE/client":               &PositionPayload{PositionMs: 6000},
		"PAUSE/server":               &PositionPayload{PositionMs: 6000},
		"SEEK/client":                &PositionPayload{PositionMs: 7000},
		"SEEK/server":                &PositionPayload{PositionMs: 7000},
		"CHANGE_TRACK/client":        &ChangeTrackPayload{Track: sampleTrack("t3"), Queue: []TrackInfo{sampleTrack("t3")}, QueueTitle: strPtr("Mix")},
		"CHANGE_TRACK/server":        &ChangeTrackPayload{Track: sampleTrack("t3")},
		"SYNC_QUEUE/client":          &SyncQueuePayload{Queue: []TrackInfo{sampleTrack("t1")}, Title: strPtr("Mix")},
		"SYNC_QUEUE/server":          &SyncQueuePayload{Queue: []TrackInfo{sampleTrack("t1")}},
		"BUFFER_READY/client":        &BufferReadyPayload{TrackID: "t3"},
		"CHAT_MESSAGE/client":        &ChatSendPayload{Message: "hi"},
		"CHAT_MESSAGE/server":        &ChatMessagePayload{UserID: "u1", Username: "Alice", Message: "hi", Timestamp: 1700000000000},
		"SUGGEST_TRACK/client":       &SuggestTrackPayload{Track: sampleTrack("t9")},
		"APPROVE_SUGGESTION/client":  &ApproveSuggestionPayload{SuggestionID: "s1"},
		"REJECT_SUGGESTION/client":   &RejectSuggestionPayload{SuggestionID: "s1", Reason: "no"},
		"ROOM_CREATED/server":        &RoomCreatedPayload{RoomCode: "AB12", UserID: "u1", SessionToken: "tok"},
		"JOIN_REQUEST/server":        &JoinRequestPayload{UserID: "u2", Username: "Bob"},
		"JOIN_APPROVED/server":       &JoinApprovedPayload{RoomCode: "AB12", UserID: "u2", SessionToken: "tok2", State: sampleState()},
		"JOIN_REJECTED/server":       &JoinRejectedPayload{Reason: "denied"},
		"USER_JOINED/server":         &UserPayload{UserID: "u3", Username: "Carol"},
		"USER_LEFT/server":           &UserPayload{UserID: "u3", Username: "Carol"},
		"USER_DISCONNECTED/server":   &UserPayload{UserID: "u3", Username: "Carol"},
		"USER_RECONNECTED/server":    &UserPayload{UserID: "u3", Username: "Carol"},
		"KICKED/server":              &KickedPayload{Reason: "spam"},
		"HOST_CHANGED/server":        &HostChangedPayload{NewHostID: "u2", NewHostName: "Bob"},
		"RECONNECTED/server":         &ReconnectedPayload{RoomCode: "AB12", UserID: "u1", IsHost: true, State: sampleState()},
		"ERROR/server":               &ErrorPayload{Code: ErrCodeSessionNotFound, Message: "gone"},
		"SYNC_STATE/server":          &SyncStatePayload{CurrentTrack: &[]TrackInfo{sampleTrack("t1")}[0], IsPlaying: true, PositionMs: 1000, LastUpdateMs: 2000, Queue: []TrackInfo{sampleTrack("t1")}, QueueTitle: strPtr("Mix")},
		"BUFFER_WAIT/server":         &BufferWaitPayload{TrackID: "t3", WaitingFor: []string{"u2"}},
		"BUFFER_COMPLETE/server":     &BufferCompletePayload{TrackID: "t3"},
		"SUGGESTION_RECEIVED/server": &SuggestionReceivedPayload{SuggestionID: "s1", FromUserID: "u2", FromUsername: "Bob", Track: sampleTrack("t9")},
		"SUGGESTION_APPROVED/server": &SuggestionApprovedPayload{SuggestionID: "s1", Track: sampleTrack("t9")},
		"SUGGESTION_REJECTED/server": &SuggestionRejectedPayload{SuggestionID: "s1", Reason: "no"},
	}
}

func TestRoundTripEveryPayload(t *testing.T) {
	all := samples()
	covered := 0

	for _, typ := range AllTypes() {
		for _, dir := range []string{"client", "server"} {
			var fresh any
			if dir == "client" {
				fresh = NewClientPayload(typ)
			} else {
				fresh = NewServerPayload(typ)
			}
			key := string(typ) + "/" + dir
			sample, ok := all[key]
			if fresh == nil {
				assert.False(t, ok, "%s has a sample but no payload shape", key)
				continue
			}
			require.True(t, ok, "missing sample for %s", key)
			covered++

			t.Run(key, func(t *testing.T) {
				data, err := Encode(Message{Type: typ, Payload: sample})
				require.NoError(t, err)

				env, err := Decode(data)
				require.NoError(t, err)
				assert.Equal(t, typ, env.Type)

				require.NoError(t, json.Unmarshal(env.Payload, fresh))
				assert.Equal(t,
					reflect.ValueOf(sample).Elem().Interface(),
					reflect.ValueOf(fresh).Elem().Interface())
			})
		}
	}
	assert.Equal(t, len(all), covered, "every sample must map to a defined payload shape")
}

func TestEveryTypeHasADirection(t *testing.T) {
	types := AllTypes()
	assert.GreaterOrEqual(t, len(types), 30)
	for _, typ := range types {
		assert.True(t, SentByClient(typ) || SentByServer(typ), "%s is never sent", typ)
	}
}

func TestEncodeWritesDefaults(t *testing.T) {
	data, err := Encode(Message{Type: TypeJoinApproved, Payload: JoinApprovedPayload{RoomCode: "AB12"}})
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"users":[]`)
	assert.Contains(t, s, `"queue":[]`)
	assert.Contains(t, s, `"currentTrack":null`)
	assert.Contains(t, s, `"isHost":false`)

	data, err = Encode(Message{Type: TypeSuggestTrack, Payload: SuggestTrackPayload{Track: TrackInfo{ID: "x"}}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"album":null`)
	assert.Contains(t, string(data), `"suggestedBy":null`)
}

func TestEncodeWithoutPayload(t *testing.T) {
	data, err := Encode(Message{Type: TypePing})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PING","payload":null}`, string(data))

	_, err = Encode(Message{Type: "NOPE"})
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecode(t *testing.T) {
	t.Run("ignores unknown fields", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"PLAY","payload":{"position":1200,"extra":true},"v":2}`))
		require.NoError(t, err)
		p, err := DecodePayload[PositionPayload](env)
		require.NoError(t, err)
		assert.Equal(t, int64(1200), p.PositionMs)
	})

	t.Run("unknown type", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"DANCE","payload":{}}`))
		assert.True(t, errors.Is(err, ErrUnknownType))
		assert.Equal(t, MessageType("DANCE"), env.Type)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, in := range []string{`not json`, `{"payload":{}}`, `[]`} {
			_, err := Decode([]byte(in))
			assert.True(t, errors.Is(err, ErrMalformed), in)
		}
	})

	t.Run("null payload", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"KICKED","payload":null}`))
		require.NoError(t, err)
		p, err := DecodePayload[KickedPayload](env)
		require.NoError(t, err)
		assert.Empty(t, p.Reason)
	})

	t.Run("payload of wrong shape", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"PLAY","payload":{"position":"soon"}}`))
		require.NoError(t, err)
		_, err = DecodePayload[PositionPayload](env)
		assert.True(t, errors.Is(err, ErrMalformed))
	})
}

func TestEstimatedPosition(t *testing.T) {
	s := sampleState()
	s.PositionMs = 1000
	s.LastUpdateMs = 10000

	assert.Equal(t, int64(3000), s.EstimatedPosition(12000))
	assert.Equal(t, int64(1000), s.EstimatedPosition(9000))

	s.IsPlaying = false
	assert.Equal(t, int64(1000), s.EstimatedPosition(12000))

	s.IsPlaying = true
	assert.Equal(t, s.CurrentTrack.DurationMs, s.EstimatedPosition(10000+10*s.CurrentTrack.DurationMs))
}

func TestTypeNamesAreUpperSnake(t *testing.T) {
	for _, typ := range AllTypes() {
		assert.Equal(t, strings.ToUpper(string(typ)), string(typ))
		assert.NotContains(t, string(typ), " ")
	}
}
