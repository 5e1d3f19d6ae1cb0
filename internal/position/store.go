// Package position tracks durable per-file read offsets. A restart resumes
// exactly where the previous process stopped; a truncated or replaced file
// is detected by checksum and treated as newly discovered.
package position

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"transcriptd/internal/types"
)

// checksumWindow bounds how many leading bytes feed the prefix checksum.
// Verifying the full consumed prefix on every event would re-read entire
// files; the first 64KB is enough to distinguish a replaced file.
const checksumWindow = 64 * 1024

const schema = `
CREATE TABLE IF NOT EXISTS watched_files (
    path       TEXT PRIMARY KEY,
    offset     INTEGER NOT NULL DEFAULT 0,
    checksum   TEXT NOT NULL DEFAULT '',
    mtime      INTEGER NOT NULL DEFAULT 0,
    status     TEXT NOT NULL DEFAULT 'active',
    updated_at INTEGER NOT NULL DEFAULT 0
);
`

// Store persists read positions in SQLite with per-path locking so
// unrelated files make progress independently.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore initializes the watched_files table on an open database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init watched_files schema: %w", err)
	}
	return &Store{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Lock acquires the per-path mutex and returns its unlock function. The
// caller holds it across the read-parse-advance sequence for one file so a
// file's events are processed strictly in order.
func (s *Store) Lock(path string) func() {
	s.mu.Lock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Get returns the stored position for a path. The second return is false
// when the path has never been seen.
func (s *Store) Get(path string) (types.WatchedFile, bool, error) {
	var wf types.WatchedFile
	var mtime int64
	err := s.db.QueryRow(
		"SELECT path, offset, checksum, mtime, status FROM watched_files WHERE path = ?",
		path,
	).Scan(&wf.Path, &wf.Offset, &wf.Checksum, &mtime, &wf.Status)
	if err == sql.ErrNoRows {
		return types.WatchedFile{}, false, nil
	}
	if err != nil {
		return types.WatchedFile{}, false, err
	}
	wf.ModTime = time.Unix(0, mtime)
	return wf, true, nil
}

// Advance records a new offset for a path. Offsets only move forward here;
// Reset is the single place an offset goes back to zero.
func (s *Store) Advance(path string, newOffset int64, checksum string, mtime time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO watched_files (path, offset, checksum, mtime, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			offset = excluded.offset,
			checksum = excluded.checksum,
			mtime = excluded.mtime,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, path, newOffset, checksum, mtime.UnixNano(), types.FileActive, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("advance %s: %w", path, err)
	}
	return nil
}

// Reset returns a path's offset to zero. This is the deliberate policy for
// truncated or replaced files, not an error path.
func (s *Store) Reset(path string) error {
	_, err := s.db.Exec(`
		INSERT INTO watched_files (path, offset, checksum, mtime, status, updated_at)
		VALUES (?, 0, '', 0, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			offset = 0,
			checksum = '',
			status = excluded.status,
			updated_at = excluded.updated_at
	`, path, types.FileActive, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("reset %s: %w", path, err)
	}
	return nil
}

// SetStatus records the lifecycle status of a path, creating the row at
// offset zero when the path errors or vanishes before its first Advance.
func (s *Store) SetStatus(path string, status types.FileStatus) error {
	_, err := s.db.Exec(`
		INSERT INTO watched_files (path, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`, path, status, time.Now().UnixNano())
	return err
}

// Remove marks a path removed. The row is kept so a file that briefly
// reappears is not mistaken for new data at offset zero.
func (s *Store) Remove(path string) error {
	return s.SetStatus(path, types.FileRemoved)
}

// All returns every stored record, for startup reconciliation.
func (s *Store) All() ([]types.WatchedFile, error) {
	rows, err := s.db.Query("SELECT path, offset, checksum, mtime, status FROM watched_files")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []types.WatchedFile
	for rows.Next() {
		var wf types.WatchedFile
		var mtime int64
		if err := rows.Scan(&wf.Path, &wf.Offset, &wf.Checksum, &mtime, &wf.Status); err != nil {
			return nil, err
		}
		wf.ModTime = time.Unix(0, mtime)
		files = append(files, wf)
	}
	return files, rows.Err()
}

// =============================================================================
// TRUNCATION / REPLACEMENT DETECTION
// =============================================================================

// Resolve returns the offset to resume reading from. A file smaller than
// the stored offset, or whose leading bytes no longer match the stored
// checksum, was truncated or replaced: the offset resets to zero and the
// file is treated as newly discovered.
func (s *Store) Resolve(path string, size int64) (int64, error) {
	wf, ok, err := s.Get(path)
	if err != nil {
		return 0, err
	}
	if !ok || wf.Offset == 0 {
		return 0, nil
	}

	if size < wf.Offset {
		if err := s.Reset(path); err != nil {
			return 0, err
		}
		return 0, nil
	}

	if wf.Checksum != "" {
		current, err := ChecksumPrefix(path, wf.Offset)
		if err != nil {
			return 0, fmt.Errorf("checksum %s: %w", path, err)
		}
		if current != wf.Checksum {
			if err := s.Reset(path); err != nil {
				return 0, err
			}
			return 0, nil
		}
	}

	return wf.Offset, nil
}

// ChecksumPrefix hashes the first min(limit, checksumWindow) bytes of a
// file. The same window is used when storing and when verifying, so the
// comparison is stable as the file grows.
func ChecksumPrefix(path string, limit int64) (string, error) {
	if limit <= 0 {
		return "", nil
	}
	if limit > checksumWindow {
		limit = checksumWindow
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, io.LimitReader(f, limit)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}
