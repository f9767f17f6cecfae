// Package store persists per user favorites, search history and
// preferences in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// FileName is the database file created inside the data directory.
const FileName = "icd-lookup.db"

// DefaultHistoryLimit is the number of searches kept per user.
const DefaultHistoryLimit = 20

var (
	// ErrNotFound is returned when a row to delete does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidViewMode is returned for view modes other than list and mindmap.
	ErrInvalidViewMode = errors.New("view mode must be list or mindmap")
	// ErrEmptyUser is returned when a call has no user.
	ErrEmptyUser = errors.New("user is required")
)

// View modes.
const (
	ViewList    = "list"
	ViewMindMap = "mindmap"
)

const viewModeKey = "view_mode"

// Favorite is a code saved by a user.
type Favorite struct {
	Code    string    `json:"code"`
	Name    string    `json:"name"`
	Note    string    `json:"note,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}

// HistoryEntry is a past search.
type HistoryEntry struct {
	Query      string    `json:"query"`
	Results    int       `json:"results"`
	SearchedAt time.Time `json:"searchedAt"`
}

// Options configures a Store.
type Options struct {
	// HistoryLimit bounds the searches kept per user.
	HistoryLimit int

	// EnableWAL enables Write-Ahead Logging.
	EnableWAL bool
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		HistoryLimit: DefaultHistoryLimit,
		EnableWAL:    true,
	}
}

// Store is a SQLite backed user data store.
type Store struct {
	db           *sql.DB
	path         string
	historyLimit int
	now          func() time.Time
}

// Open opens or creates the database in dir.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	path := filepath.Join(dir, FileName)

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	s := &Store{
		db:           db,
		path:         path,
		historyLimit: opts.HistoryLimit,
		now:          time.Now,
	}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS favorites (
		user_id TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		added_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, code)
	);

	-- rows are reinserted on every search so id order is recency order
	CREATE TABLE IF NOT EXISTS search_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		query TEXT NOT NULL,
		results INTEGER NOT NULL DEFAULT 0,
		searched_at INTEGER NOT NULL,
		UNIQUE(user_id, query)
	);

	CREATE INDEX IF NOT EXISTS idx_history_user ON search_history(user_id, id);

	CREATE TABLE IF NOT EXISTS preferences (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (user_id, key)
	);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// AddFavorite saves code for user, replacing the name and note of an
// existing favorite.
func (s *Store) AddFavorite(ctx context.Context, user string, f Favorite) (*Favorite, error) {
	if user == "" {
		return nil, ErrEmptyUser
	}
	f.AddedAt = s.now().UTC().Truncate(time.Millisecond)

	query := `
	INSERT INTO favorites (user_id, code, name, note, added_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, code) DO UPDATE SET
		name = excluded.name,
		note = excluded.note
	RETURNING added_at
	`
	var addedAt int64
	err := s.db.QueryRowContext(ctx, query, user, f.Code, f.Name, f.Note, f.AddedAt.UnixMilli()).Scan(&addedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save favorite: %w", err)
	}
	f.AddedAt = time.UnixMilli(addedAt).UTC()
	return &f, nil
}

// Favorites returns the favorites of user, most recently added first.
func (s *Store) Favorites(ctx context.Context, user string) ([]Favorite, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT code, name, note, added_at FROM favorites
	WHERE user_id = ?
	ORDER BY added_at DESC, code
	`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query favorites: %w", err)
	}
	defer rows.Close()

	favorites := []Favorite{}
	for rows.Next() {
		var f Favorite
		var addedAt int64
		if err := rows.Scan(&f.Code, &f.Name, &f.Note, &addedAt); err != nil {
			return nil, fmt.Errorf("failed to scan favorite: %w", err)
		}
		f.AddedAt = time.UnixMilli(addedAt).UTC()
		favorites = append(favorites, f)
	}
	return favorites, rows.Err()
}

// IsFavorite reports whether user saved code.
func (s *Store) IsFavorite(ctx context.Context, user, code string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM favorites WHERE user_id = ? AND code = ?`, user, code).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query favorite: %w", err)
	}
	return n > 0, nil
}

// RemoveFavorite deletes a favorite, returning ErrNotFound when user never
// saved code.
func (s *Store) RemoveFavorite(ctx context.Context, user, code string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM favorites WHERE user_id = ? AND code = ?`, user, code)
	if err != nil {
		return fmt.Errorf("failed to delete favorite: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSearch moves query to the top of the history of user and drops
// entries beyond the history limit. Blank queries are ignored.
func (s *Store) RecordSearch(ctx context.Context, user, query string, results int) error {
	if user == "" {
		return ErrEmptyUser
	}
	query = strings.Join(strings.Fields(query), " ")
	if query == "" {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM search_history WHERE user_id = ? AND query = ?`, user, query); err != nil {
		return fmt.Errorf("failed to record search: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO search_history (user_id, query, results, searched_at) VALUES (?, ?, ?, ?)
	`, user, query, results, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record search: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
	DELETE FROM search_history WHERE user_id = ? AND id NOT IN (
		SELECT id FROM search_history WHERE user_id = ? ORDER BY id DESC LIMIT ?
	)
	`, user, user, s.historyLimit); err != nil {
		return fmt.Errorf("failed to trim search history: %w", err)
	}
	return tx.Commit()
}

// History returns the searches of user, newest first.
func (s *Store) History(ctx context.Context, user string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT query, results, searched_at FROM search_history
	WHERE user_id = ?
	ORDER BY id DESC
	`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query search history: %w", err)
	}
	defer rows.Close()

	history := []HistoryEntry{}
	for rows.Next() {
		var h HistoryEntry
		var searchedAt int64
		if err := rows.Scan(&h.Query, &h.Results, &searchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan search history: %w", err)
		}
		h.SearchedAt = time.UnixMilli(searchedAt).UTC()
		history = append(history, h)
	}
	return history, rows.Err()
}

// ClearHistory deletes the search history of user.
func (s *Store) ClearHistory(ctx context.Context, user string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM search_history WHERE user_id = ?`, user); err != nil {
		return fmt.Errorf("failed to clear search history: %w", err)
	}
	return nil
}

// ValidViewMode reports whether mode is a known view mode.
func ValidViewMode(mode string) bool {
	return mode == ViewList || mode == ViewMindMap
}

// ViewMode returns the view mode of user, list when none was saved.
func (s *Store) ViewMode(ctx context.Context, user string) (string, error) {
	var mode string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE user_id = ? AND key = ?`, user, viewModeKey).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !ValidViewMode(mode)) {
		return ViewList, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query view mode: %w", err)
	}
	return mode, nil
}

// SetViewMode saves the view mode of user.
func (s *Store) SetViewMode(ctx context.Context, user, mode string) error {
	if user == "" {
		return ErrEmptyUser
	}
	if !ValidViewMode(mode) {
		return ErrInvalidViewMode
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO preferences (user_id, key, value) VALUES (?, ?, ?)
	ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value
	`, user, viewModeKey, mode)
	if err != nil {
		return fmt.Errorf("failed to save view mode: %w", err)
	}
	return nil
}
