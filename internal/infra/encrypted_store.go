package infra

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/patchd/internal/domain"
)

const storeDBName = "patchd.db"

// ErrNotFound is returned for unknown patch paths.
var ErrNotFound = errors.New("not found")

// EncryptedStore implements domain.PatchStateStore on a SQLCipher database.
type EncryptedStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStore opens (or creates) the store in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStore(dataDir string, key []byte) (*EncryptedStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &EncryptedStore{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *EncryptedStore) createTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS patch_state (
		path TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 0,
		preload INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS secrets (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`)
	return err
}

// Upsert records the state of a patch file.
func (s *EncryptedStore) Upsert(state domain.PatchState) error {
	if state.Kind == "" {
		state.Kind = domain.KindPatch
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO patch_state (path, kind, enabled, preload, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		state.Path, string(state.Kind), state.Enabled, state.Preload, time.Now().Unix(),
	)
	return err
}

// Get returns the state of one patch file.
func (s *EncryptedStore) Get(path string) (*domain.PatchState, error) {
	var st domain.PatchState
	var kind string
	err := s.db.QueryRow(`SELECT path, kind, enabled, preload FROM patch_state WHERE path = ?`, path).
		Scan(&st.Path, &kind, &st.Enabled, &st.Preload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patch %q: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	st.Kind = domain.PatchKind(kind)
	return &st, nil
}

// List returns every known patch ordered by path.
func (s *EncryptedStore) List() ([]domain.PatchState, error) {
	rows, err := s.db.Query(`SELECT path, kind, enabled, preload FROM patch_state ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PatchState
	for rows.Next() {
		var st domain.PatchState
		var kind string
		if err := rows.Scan(&st.Path, &kind, &st.Enabled, &st.Preload); err != nil {
			return nil, err
		}
		st.Kind = domain.PatchKind(kind)
		out = append(out, st)
	}
	return out, rows.Err()
}

// Delete forgets a patch file.
func (s *EncryptedStore) Delete(path string) error {
	_, err := s.db.Exec(`DELETE FROM patch_state WHERE path = ?`, path)
	return err
}

// SetSecret stores a named value.
func (s *EncryptedStore) SetSecret(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO secrets (key, value, created_at) VALUES (?, ?, ?)`,
		key, value, time.Now().Unix())
	return err
}

// GetSecret returns a named value, or "" when unset.
func (s *EncryptedStore) GetSecret(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Path returns the database file path.
func (s *EncryptedStore) Path() string { return s.dbPath }

// Close releases the database connection.
func (s *EncryptedStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ domain.PatchStateStore = (*EncryptedStore)(nil)
