package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ensemble/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrTrackNotFound is returned when no library track matches a lookup.
var ErrTrackNotFound = errors.New("track not found")

// Database wraps a *sql.DB holding the persisted listening session
// (session_kv) and the local library index (tracks). It is safe for
// concurrent use because the underlying *sql.DB is concurrency-safe.
type Database struct {
	conn   *sql.DB
	logger *logrus.Logger

	getKVStmt        *sql.Stmt
	setKVStmt        *sql.Stmt
	upsertTrackStmt  *sql.Stmt
	getTrackByIDStmt *sql.Stmt
	findTrackStmt    *sql.Stmt
	removeTrackStmt  *sql.Stmt
}

// NewDatabase opens (or creates) a SQLite database at the provided path and
// ensures all required tables and indices exist. Caller should Close() it
// when finished.
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=memory;",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &Database{
		conn:   conn,
		logger: logger,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Database initialized successfully")
	return db, nil
}

// createTables is idempotent and safe to call multiple times.
func (db *Database) createTables() error {
	sessionTable := `
	CREATE TABLE IF NOT EXISTS session_kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`

	tracksTable := `
	CREATE TABLE IF NOT EXISTS tracks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		artist TEXT NOT NULL,
		album TEXT NOT NULL,
		track_number INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		file_path TEXT NOT NULL UNIQUE,
		file_size INTEGER NOT NULL,
		has_album_art BOOLEAN DEFAULT FALSE,
		album_art_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_tracks_title_artist ON tracks(title, artist);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_file_path ON tracks(file_path);",
	}

	for _, table := range []string{sessionTable, tracksTable} {
		if _, err := db.conn.Exec(table); err != nil {
			return err
		}
	}
	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) prepareStatements() error {
	var err error

	db.getKVStmt, err = db.conn.Prepare(`SELECT value FROM session_kv WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get kv statement: %w", err)
	}

	db.setKVStmt, err = db.conn.Prepare(`
		INSERT INTO session_kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("failed to prepare set kv statement: %w", err)
	}

	db.upsertTrackStmt, err = db.conn.Prepare(`
		INSERT INTO tracks (id, title, artist, album, track_number, duration_ms, file_path, file_size, has_album_art, album_art_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			title = excluded.title, artist = excluded.artist, album = excluded.album,
			track_number = excluded.track_number, duration_ms = excluded.duration_ms,
			file_size = excluded.file_size, has_album_art = excluded.has_album_art,
			album_art_id = excluded.album_art_id`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert track statement: %w", err)
	}

	db.getTrackByIDStmt, err = db.conn.Prepare(`
		SELECT id, title, artist, album, track_number, duration_ms, file_path, file_size, has_album_art, album_art_id
		FROM tracks WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get track by ID statement: %w", err)
	}

	db.findTrackStmt, err = db.conn.Prepare(`
		SELECT id, title, artist, album, track_number, duration_ms, file_path, file_size, has_album_art, album_art_id
		FROM tracks
		WHERE title = ? COLLATE NOCASE AND artist = ? COLLATE NOCASE
		ORDER BY album, track_number
		LIMIT 1`)
	if err != nil {
		return fmt.Errorf("failed to prepare find track statement: %w", err)
	}

	db.removeTrackStmt, err = db.conn.Prepare(`DELETE FROM tracks WHERE file_path = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare remove track statement: %w", err)
	}

	return nil
}

// Get implements session.KV.
func (db *Database) Get(key string) (string, bool, error) {
	var value string
	err := db.getKVStmt.QueryRow(key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set implements session.KV.
func (db *Database) Set(key, value string) error {
	_, err := db.setKVStmt.Exec(key, value)
	return err
}

// Remove implements session.KV. All keys are removed in one transaction.
func (db *Database) Remove(keys ...string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := tx.Exec(`DELETE FROM session_kv WHERE key = ?`, k); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// UpsertTrack inserts a library track or updates the one with the same
// file path.
func (db *Database) UpsertTrack(track models.MediaItem) error {
	_, err := db.upsertTrackStmt.Exec(
		track.ID, track.Title, track.Artist, track.Album, track.TrackNumber,
		track.DurationMs, track.FilePath, track.FileSize, track.HasAlbumArt, track.AlbumArtID)
	if err != nil {
		db.logger.WithError(err).WithField("file_path", track.FilePath).Error("Failed to upsert track")
	}
	return err
}

// GetTrackByID returns the library track with the given id.
func (db *Database) GetTrackByID(id string) (*models.MediaItem, error) {
	return scanTrack(db.getTrackByIDStmt.QueryRow(id))
}

// FindTrack returns the first library track matching title and artist,
// case-insensitively.
func (db *Database) FindTrack(title, artist string) (*models.MediaItem, error) {
	return scanTrack(db.findTrackStmt.QueryRow(title, artist))
}

// GetAllTracks returns all tracks ordered by artist/album/track/title.
func (db *Database) GetAllTracks() ([]models.MediaItem, error) {
	rows, err := db.conn.Query(`
		SELECT id, title, artist, album, track_number, duration_ms, file_path, file_size, has_album_art, album_art_id
		FROM tracks
		ORDER BY artist, album, track_number, title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []models.MediaItem
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, *track)
	}
	return tracks, rows.Err()
}

// RemoveTrackByPath deletes the track indexed for filePath.
func (db *Database) RemoveTrackByPath(filePath string) error {
	_, err := db.removeTrackStmt.Exec(filePath)
	return err
}

// Ping checks database connectivity.
func (db *Database) Ping() error {
	return db.conn.Ping()
}

// Close closes prepared statements and the connection.
func (db *Database) Close() error {
	statements := []*sql.Stmt{
		db.getKVStmt,
		db.setKVStmt,
		db.upsertTrackStmt,
		db.getTrackByIDStmt,
		db.findTrackStmt,
		db.removeTrackStmt,
	}
	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				db.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (*models.MediaItem, error) {
	var track models.MediaItem
	var albumArtID sql.NullString
	err := row.Scan(&track.ID, &track.Title, &track.Artist, &track.Album,
		&track.TrackNumber, &track.DurationMs, &track.FilePath, &track.FileSize, &track.HasAlbumArt, &albumArtID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTrackNotFound
	}
	if err != nil {
		return nil, err
	}
	if albumArtID.Valid {
		track.AlbumArtID = albumArtID.String
	}
	return &track, nil
}
