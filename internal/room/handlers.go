package room

import (
	"ensemble/internal/protocol"

	"github.com/sirupsen/logrus"
)

func (m *Machine) nowMs() int64 {
	return m.now().UnixMilli()
}

func (m *Machine) onRoomCreated(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.RoomCreatedPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.selfID = p.UserID
	m.state = protocol.RoomState{
		RoomCode: p.RoomCode,
		HostID:   p.UserID,
		Users: []protocol.UserInfo{{
			UserID:      p.UserID,
			Username:    m.username,
			IsHost:      true,
			IsConnected: true,
		}},
		Queue:        []protocol.TrackInfo{},
		LastUpdateMs: m.nowMs(),
	}
	m.pendingJoins = nil
	m.suggestions = nil
	m.setRoleLocked(RoleHost)
	m.logger.WithField("room_code", p.RoomCode).Info("Room created")
	m.publish(RoomCreated{RoomCode: p.RoomCode, UserID: p.UserID})
	return nil
}

func (m *Machine) onJoinRequest(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.JoinRequestPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.role != RoleHost {
		return nil
	}
	for _, r := range m.pendingJoins {
		if r.UserID == p.UserID {
			return nil
		}
	}
	req := JoinRequest{UserID: p.UserID, Username: p.Username, RequestedAt: m.now()}
	m.pendingJoins = append(m.pendingJoins, req)
	m.publish(JoinRequested{Request: req})
	return nil
}

func (m *Machine) onJoinApproved(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.JoinApprovedPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.adoptLocked(p.UserID, p.IsHost, p.State, p.RoomCode)
	m.logger.WithFields(logrus.Fields{"room_code": p.RoomCode, "is_host": p.IsHost}).Info("Joined room")
	m.publish(JoinApproved{RoomCode: p.RoomCode, UserID: p.UserID, IsHost: p.IsHost, State: copyState(m.state)})
	return nil
}

func (m *Machine) onReconnected(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.ReconnectedPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.adoptLocked(p.UserID, p.IsHost, p.State, p.RoomCode)
	m.logger.WithFields(logrus.Fields{"room_code": p.RoomCode, "is_host": p.IsHost}).Info("Session resumed")
	m.publish(Reconnected{RoomCode: p.RoomCode, UserID: p.UserID, IsHost: p.IsHost, State: copyState(m.state)})
	return nil
}

// adoptLocked replaces the local view with the server's snapshot.
func (m *Machine) adoptLocked(userID string, isHost bool, state protocol.RoomState, roomCode string) {
	m.selfID = userID
	m.state = copyState(state)
	if m.state.RoomCode == "" {
		m.state.RoomCode = roomCode
	}
	m.bufferingUsers = nil
	if !isHost {
		m.pendingJoins = nil
		m.suggestions = nil
	}
	m.setRoleLocked(roleFor(isHost))
}

func (m *Machine) onJoinRejected(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.JoinRejectedPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetLocked()
	m.publish(JoinRejected{Reason: p.Reason})
	return nil
}

func (m *Machine) indexOfUserLocked(userID string) int {
	for i, u := range m.state.Users {
		if u.UserID == userID {
			return i
		}
	}
	return -1
}

func (m *Machine) onUserJoined(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.UserPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.role == RoleNone {
		return nil
	}
	user := protocol.UserInfo{UserID: p.UserID, Username: p.Username, IsHost: p.UserID == m.state.HostID, IsConnected: true}
	if i := m.indexOfUserLocked(p.UserID); i >= 0 {
		m.state.Users[i] = user
	} else {
		m.state.Users = append(m.state.Users, user)
	}
	out := m.pendingJoins[:0]
	for _, r := range m.pendingJoins {
		if r.UserID != p.UserID {
			out = append(out, r)
		}
	}
	m.pendingJoins = out
	m.publish(UserJoined{User: user})
	return nil
}

func (m *Machine) onUserLeft(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.UserPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOfUserLocked(p.UserID)
	if i < 0 {
		return nil
	}
	user := m.state.Users[i]
	m.state.Users = append(m.state.Users[:i], m.state.Users[i+1:]...)
	m.publish(UserLeft{User: user})
	return nil
}

func (m *Machine) onUserConnectivity(connected bool) handlerFunc {
	return func(env protocol.Envelope) error {
		p, err := protocol.DecodePayload[protocol.UserPayload](env)
		if err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()

		i := m.indexOfUserLocked(p.UserID)
		if i < 0 {
			return nil
		}
		m.state.Users[i].IsConnected = connected
		user := m.state.Users[i]
		if connected {
			m.publish(UserReconnected{User: user})
		} else {
			m.publish(UserDisconnected{User: user})
		}
		return nil
	}
}

func (m *Machine) onHostChanged(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.HostChangedPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.role == RoleNone {
		return nil
	}
	m.state.HostID = p.NewHostID
	for i := range m.state.Users {
		m.state.Users[i].IsHost = m.state.Users[i].UserID == p.NewHostID
	}
	m.publish(HostChanged{NewHostID: p.NewHostID, NewHostName: p.NewHostName})

	role := roleFor(p.NewHostID == m.selfID)
	if role == RoleGuest {
		m.pendingJoins = nil
		m.suggestions = nil
	}
	m.setRoleLocked(role)
	return nil
}

func (m *Machine) onKicked(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.KickedPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.WithField("reason", p.Reason).Warn("Kicked from room")
	m.resetLocked()
	m.publish(Kicked{Reason: p.Reason})
	return nil
}

// onError surfaces server errors. A session_not_found that reaches the
// machine means the session was discarded, so membership ends.
func (m *Machine) onError(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.ErrorPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"code": p.Code, "message": p.Message}).Warn("Server reported error")
	if p.Code == protocol.ErrCodeSessionNotFound {
		m.resetLocked()
	}
	m.publish(ServerError{Code: p.Code, Message: p.Message})
	return nil
}

// applyPositionLocked records a transport change. setPlaying false leaves
// IsPlaying unchanged.
func (m *Machine) applyPositionLocked(positionMs int64, setPlaying, playing bool) {
	m.state.PositionMs = positionMs
	if setPlaying {
		m.state.IsPlaying = playing
	}
	m.state.LastUpdateMs = m.nowMs()
}

func (m *Machine) onPlay(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.PositionPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyPositionLocked(p.PositionMs, true, true)
	m.publish(Play{PositionMs: p.PositionMs})
	return nil
}

func (m *Machine) onPause(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.PositionPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyPositionLocked(p.PositionMs, true, false)
	m.publish(Pause{PositionMs: p.PositionMs})
	return nil
}

func (m *Machine) onSeek(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.PositionPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyPositionLocked(p.PositionMs, false, false)
	m.publish(Seek{PositionMs: p.PositionMs})
	return nil
}

func (m *Machine) applyChangeTrackLocked(p protocol.ChangeTrackPayload) {
	track := p.Track
	m.state.CurrentTrack = &track
	m.state.PositionMs = 0
	m.state.LastUpdateMs = m.nowMs()
	if p.Queue != nil {
		m.state.Queue = append([]protocol.TrackInfo{}, p.Queue...)
		m.queueTitle = p.QueueTitle
	}
}

func (m *Machine) onChangeTrack(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.ChangeTrackPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyChangeTrackLocked(p)
	m.publish(TrackChanged{
		Track:      p.Track,
		Queue:      append([]protocol.TrackInfo(nil), p.Queue...),
		QueueTitle: p.QueueTitle,
		WithQueue:  p.Queue != nil,
	})
	return nil
}

func (m *Machine) onSyncQueue(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.SyncQueuePayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Queue = append([]protocol.TrackInfo{}, p.Queue...)
	m.queueTitle = p.Title
	m.publish(QueueSynced{Queue: append([]protocol.TrackInfo{}, p.Queue...), Title: p.Title})
	return nil
}

func (m *Machine) onSyncState(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.SyncStatePayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CurrentTrack != nil {
		t := *p.CurrentTrack
		m.state.CurrentTrack = &t
	} else {
		m.state.CurrentTrack = nil
	}
	m.state.IsPlaying = p.IsPlaying
	m.state.PositionMs = p.PositionMs
	m.state.LastUpdateMs = p.LastUpdateMs
	if p.Queue != nil {
		m.state.Queue = append([]protocol.TrackInfo{}, p.Queue...)
	}
	m.queueTitle = p.QueueTitle
	m.publish(StateSynced{State: p})
	return nil
}

func (m *Machine) onBufferWait(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.BufferWaitPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferingUsers = append([]string{}, p.WaitingFor...)
	m.publish(BufferWait{TrackID: p.TrackID, WaitingFor: append([]string{}, p.WaitingFor...)})
	return nil
}

func (m *Machine) onBufferComplete(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.BufferCompletePayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferingUsers = nil
	m.publish(BufferComplete{TrackID: p.TrackID})
	return nil
}

func (m *Machine) onChat(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.ChatMessagePayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chat = append(m.chat, p)
	if len(m.chat) > chatHistorySize {
		m.chat = append([]protocol.ChatMessagePayload(nil), m.chat[len(m.chat)-chatHistorySize:]...)
	}
	m.publish(Chat{Message: p})
	return nil
}

func (m *Machine) onSuggestionReceived(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.SuggestionReceivedPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != RoleHost {
		return nil
	}
	s := Suggestion{ID: p.SuggestionID, FromUserID: p.FromUserID, FromUsername: p.FromUsername, Track: p.Track}
	m.removeSuggestionLocked(s.ID)
	m.suggestions = append(m.suggestions, s)
	m.publish(SuggestionReceived{Suggestion: s})
	return nil
}

func (m *Machine) onSuggestionApproved(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.SuggestionApprovedPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeSuggestionLocked(p.SuggestionID)
	m.publish(SuggestionApproved{SuggestionID: p.SuggestionID, Track: p.Track})
	return nil
}

func (m *Machine) onSuggestionRejected(env protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.SuggestionRejectedPayload](env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeSuggestionLocked(p.SuggestionID)
	m.publish(SuggestionRejected{SuggestionID: p.SuggestionID, Reason: p.Reason})
	return nil
}
