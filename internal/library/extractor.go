package library

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ensemble/pkg/models"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"
)

// trackNamespace scopes library track ids derived from file paths.
var trackNamespace = uuid.MustParse("6f1c3c2e-2b0a-4d8e-9a51-0c7d3b5e9f10")

// TrackID returns the stable library id for a file path.
func TrackID(filePath string) string {
	if abs, err := filepath.Abs(filePath); err == nil {
		filePath = abs
	}
	return uuid.NewSHA1(trackNamespace, []byte(filePath)).String()
}

// Extractor reads tags and durations from audio files.
type Extractor struct {
	supportedFormats []string
	logger           *logrus.Logger

	artMu sync.RWMutex
	art   map[string][]byte
}

// NewExtractor creates an extractor for the given extensions (".mp3" etc).
func NewExtractor(supportedFormats []string, logger *logrus.Logger) *Extractor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	formats := make([]string, len(supportedFormats))
	for i, f := range supportedFormats {
		formats[i] = strings.ToLower(f)
	}
	return &Extractor{
		supportedFormats: formats,
		logger:           logger,
		art:              make(map[string][]byte),
	}
}

// ExtractFromFile builds a library item for filePath. Missing tags fall back
// to the file name; an unreadable duration is recorded as zero.
func (e *Extractor) ExtractFromFile(filePath string) (models.MediaItem, error) {
	startTime := time.Now()

	file, err := os.Open(filePath)
	if err != nil {
		return models.MediaItem{}, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return models.MediaItem{}, fmt.Errorf("stat %s: %w", filePath, err)
	}

	durationMs, err := e.calculateDuration(filePath)
	if err != nil {
		e.logger.WithError(err).WithField("file_path", filePath).Debug("Failed to calculate duration, setting to 0")
		durationMs = 0
	}

	item := models.MediaItem{
		ID:         TrackID(filePath),
		Title:      strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath)),
		Artist:     "Unknown Artist",
		Album:      "Unknown Album",
		DurationMs: durationMs,
		FilePath:   filePath,
		FileSize:   stat.Size(),
	}

	metadata, err := tag.ReadFrom(file)
	if err != nil {
		e.logger.WithError(err).WithField("file_path", filePath).Debug("No tags, using file name")
		return item, nil
	}

	if title := metadata.Title(); title != "" {
		item.Title = title
	}
	if artist := metadata.Artist(); artist != "" {
		item.Artist = artist
	}
	if album := metadata.Album(); album != "" {
		item.Album = album
	}
	item.TrackNumber, _ = metadata.Track()
	item.AlbumArtID, item.HasAlbumArt = e.extractAlbumArt(metadata)

	e.logger.WithFields(logrus.Fields{
		"file_path":       filePath,
		"title":           item.Title,
		"artist":          item.Artist,
		"duration_ms":     durationMs,
		"processing_time": time.Since(startTime),
	}).Debug("Extracted metadata")

	return item, nil
}

// calculateDuration returns the duration of an audio file in milliseconds.
func (e *Extractor) calculateDuration(filePath string) (int64, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return durationMP3(filePath)
	case ".flac":
		return durationFLAC(filePath)
	case ".wav":
		return durationWAV(filePath)
	case ".m4a":
		return durationM4A(filePath)
	default:
		return 0, fmt.Errorf("unsupported format: %s", ext)
	}
}

// durationMP3 sums decoded frame durations, estimating from file size when no
// frame decodes.
func durationMP3(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := mp3.NewDecoder(f)
	var total time.Duration
	var skipped, frames int
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if frames == 0 {
				return estimateFromFileSize(f, 192000)
			}
			break
		}
		total += fr.Duration()
		frames++
	}
	return total.Milliseconds(), nil
}

func durationFLAC(path string) (int64, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	si := stream.Info
	if si.NSamples == 0 || si.SampleRate == 0 {
		return 0, errors.New("flac stream missing sample info")
	}
	return int64(si.NSamples) * 1000 / int64(si.SampleRate), nil
}

// durationWAV reads the header and approximates the sample count from the
// file size.
func durationWAV(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, errors.New("invalid wav file")
	}
	if dec.SampleRate == 0 || dec.BitDepth == 0 || dec.NumChans == 0 {
		return 0, errors.New("invalid wav header")
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	pcmBytes := st.Size() - 44
	if pcmBytes < 0 {
		pcmBytes = 0
	}
	frameBytes := int64(dec.BitDepth/8) * int64(dec.NumChans)
	if frameBytes <= 0 {
		return 0, errors.New("invalid sample frame size")
	}
	return pcmBytes / frameBytes * 1000 / int64(dec.SampleRate), nil
}

// durationM4A scans top-level atoms for moov/mvhd and reads its timescale
// and duration.
func durationM4A(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	head := make([]byte, 8)
	for {
		if _, err := io.ReadFull(f, head); err != nil {
			return 0, err
		}
		size := int64(binary.BigEndian.Uint32(head[0:4]))
		if size < 8 {
			return 0, errors.New("invalid atom size")
		}
		if string(head[4:8]) != "moov" {
			if _, err := f.Seek(size-8, io.SeekCurrent); err != nil {
				return 0, err
			}
			continue
		}

		for read := int64(0); read < size-8; {
			if _, err := io.ReadFull(f, head); err != nil {
				return 0, err
			}
			subSize := int64(binary.BigEndian.Uint32(head[0:4]))
			if subSize < 8 {
				return 0, errors.New("invalid sub-atom size")
			}
			if string(head[4:8]) == "mvhd" {
				return readMVHD(f)
			}
			if _, err := f.Seek(subSize-8, io.SeekCurrent); err != nil {
				return 0, err
			}
			read += subSize
		}
		return 0, errors.New("mvhd atom not found")
	}
}

func readMVHD(r io.ReadSeeker) (int64, error) {
	version := make([]byte, 1)
	if _, err := io.ReadFull(r, version); err != nil {
		return 0, err
	}
	skip := int64(3 + 4 + 4)
	if version[0] == 1 {
		skip = 3 + 8 + 8
	}
	if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	timescale := int64(binary.BigEndian.Uint32(buf[0:4]))
	units := int64(binary.BigEndian.Uint32(buf[4:8]))
	if timescale == 0 {
		return 0, errors.New("invalid timescale")
	}
	return units * 1000 / timescale, nil
}

func estimateFromFileSize(f *os.File, bitrate int64) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size() * 8 * 1000 / bitrate, nil
}

// extractAlbumArt caches embedded artwork under its content hash.
func (e *Extractor) extractAlbumArt(metadata tag.Metadata) (string, bool) {
	picture := metadata.Picture()
	if picture == nil || len(picture.Data) == 0 {
		return "", false
	}
	artID := fmt.Sprintf("%x", md5.Sum(picture.Data))

	e.artMu.Lock()
	e.art[artID] = picture.Data
	e.artMu.Unlock()

	return artID, true
}

// AlbumArt returns cached artwork by id.
func (e *Extractor) AlbumArt(artID string) ([]byte, bool) {
	e.artMu.RLock()
	defer e.artMu.RUnlock()
	data, ok := e.art[artID]
	return data, ok
}

// AlbumArtMimeType sniffs the image type of artwork data.
func AlbumArtMimeType(data []byte) string {
	switch {
	case len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8:
		return "image/jpeg"
	case len(data) >= 4 && data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return "image/png"
	case len(data) >= 3 && data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46:
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

// IsAudioFile reports whether filePath has a supported extension.
func (e *Extractor) IsAudioFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, format := range e.supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// ContentType returns the MIME type for an audio file.
func ContentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}
