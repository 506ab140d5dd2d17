package models

import "ensemble/internal/protocol"

// MediaItem is a playable track as the local media engine sees it.
type MediaItem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	TrackNumber int    `json:"trackNumber"`
	DurationMs  int64  `json:"durationMs"`
	FilePath    string `json:"-"` // don't expose file path to clients
	FileSize    int64  `json:"fileSize"`
	HasAlbumArt bool   `json:"hasAlbumArt"`
	AlbumArtID  string `json:"albumArtId,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	SuggestedBy string `json:"suggestedBy,omitempty"`
}

// TrackInfo converts the item to its wire representation.
func (m MediaItem) TrackInfo() protocol.TrackInfo {
	return protocol.TrackInfo{
		ID:          m.ID,
		Title:       m.Title,
		Artist:      m.Artist,
		Album:       optional(m.Album),
		DurationMs:  m.DurationMs,
		Thumbnail:   optional(m.Thumbnail),
		SuggestedBy: optional(m.SuggestedBy),
	}
}

// FromTrackInfo builds an unresolved media item from wire metadata. The
// result has no FilePath until a resolver fills it in.
func FromTrackInfo(t protocol.TrackInfo) MediaItem {
	return MediaItem{
		ID:          t.ID,
		Title:       t.Title,
		Artist:      t.Artist,
		Album:       deref(t.Album),
		DurationMs:  t.DurationMs,
		Thumbnail:   deref(t.Thumbnail),
		SuggestedBy: deref(t.SuggestedBy),
	}
}

// TrackInfos converts a queue to wire form.
func TrackInfos(items []MediaItem) []protocol.TrackInfo {
	out := make([]protocol.TrackInfo, len(items))
	for i, it := range items {
		out[i] = it.TrackInfo()
	}
	return out
}

// SameIDs reports whether two queues hold the same track ids in order.
func SameIDs(a []MediaItem, b []protocol.TrackInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
