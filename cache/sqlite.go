package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
)

// SQLiteCache keeps the cache list in an in-memory SQLite database.
// Nothing is written to disk and the contents are gone after Close.
// List order is kept in the `pos` column: head entries get ever smaller
// positions and tail entries ever larger ones.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	opts       Options
	evictions  int64
}

var _ CacheProvider = (*SQLiteCache)(nil)

// NewSQLiteCache opens a private in-memory database.
func NewSQLiteCache(opts Options) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		pos INTEGER PRIMARY KEY,
		key TEXT NOT NULL,
		bytes BLOB NOT NULL,
		size INTEGER NOT NULL,
		last_access INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create cache table")
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS key_idx ON cache (key)")
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create key index")
	}
	return &SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
		opts:       opts.withDefaults(),
	}, nil
}

func (s *SQLiteCache) Get(key string) ([]byte, bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var pos int64
	var content []byte
	err := s.db.QueryRow("SELECT pos, bytes FROM cache WHERE key = ? ORDER BY pos ASC LIMIT 1", key).Scan(&pos, &content)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "select entry")
	}
	if _, err := s.db.Exec("UPDATE cache SET last_access = ? WHERE pos = ?", time.Now().UnixNano(), pos); err != nil {
		return nil, false, errors.Wrap(err, "touch entry")
	}
	return content, true, nil
}

func (s *SQLiteCache) Put(ce CacheEntry) error {
	size := ce.Size()
	if size > s.opts.MaxObjectSize {
		return nil
	}
	if ce.LastAccess.IsZero() {
		ce.LastAccess = time.Now()
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM cache WHERE key = ?", ce.Key); err != nil {
		return errors.Wrap(err, "replace entry")
	}
	var evicted int64
	for {
		count, total, err := s.totals(tx)
		if err != nil {
			return err
		}
		if total+size <= s.opts.MaxCacheSize {
			break
		}
		n, err := s.evict(tx, count)
		if err != nil {
			return err
		}
		evicted += n
	}

	var pos int64
	if s.opts.InsertAt == Tail {
		err = tx.QueryRow("SELECT COALESCE(MAX(pos), -1) + 1 FROM cache").Scan(&pos)
	} else {
		err = tx.QueryRow("SELECT COALESCE(MIN(pos), 1) - 1 FROM cache").Scan(&pos)
	}
	if err != nil {
		return errors.Wrap(err, "select position")
	}
	content := ce.Bytes
	if content == nil {
		content = []byte{}
	}
	_, err = tx.Exec(`INSERT INTO cache (pos, key, bytes, size, last_access) VALUES (?, ?, ?, ?, ?)`,
		pos, ce.Key, content, size, ce.LastAccess.UnixNano())
	if err != nil {
		return errors.Wrap(err, "insert entry")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	s.evictions += evicted
	return nil
}

func (s *SQLiteCache) Evict() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()
	count, _, err := s.totals(tx)
	if err != nil {
		return err
	}
	evicted, err := s.evict(tx, count)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	s.evictions += evicted
	return nil
}

func (s *SQLiteCache) RemoveHead() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE pos = (SELECT MIN(pos) FROM cache)")
	return errors.Wrap(err, "remove head")
}

func (s *SQLiteCache) RemoveTail() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE pos = (SELECT MAX(pos) FROM cache)")
	return errors.Wrap(err, "remove tail")
}

func (s *SQLiteCache) Stats() (Stats, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	count, total, err := s.totals(s.db)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Count:         count,
		TotalSize:     total,
		Evictions:     s.evictions,
		MaxCacheSize:  s.opts.MaxCacheSize,
		MaxObjectSize: s.opts.MaxObjectSize,
	}, nil
}

func (s *SQLiteCache) Entries() ([]EntryInfo, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	rows, err := s.db.Query("SELECT key, size, last_access FROM cache ORDER BY pos ASC")
	if err != nil {
		return nil, errors.Wrap(err, "select entries")
	}
	defer rows.Close()
	entries := make([]EntryInfo, 0)
	for rows.Next() {
		var e EntryInfo
		var lastAccess int64
		if err := rows.Scan(&e.Key, &e.Size, &lastAccess); err != nil {
			return entries, errors.Wrap(err, "scan entry")
		}
		e.LastAccess = time.Unix(0, lastAccess)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteCache) Purge() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache")
	return errors.Wrap(err, "purge")
}

func (s *SQLiteCache) Close() error {
	if err := s.Purge(); err != nil {
		return err
	}
	return s.db.Close()
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *SQLiteCache) totals(q queryRower) (count, total int, err error) {
	err = q.QueryRow("SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache").Scan(&count, &total)
	return count, total, errors.Wrap(err, "select totals")
}

// evict deletes a uniformly random row out of count.
// It returns the number of deleted rows; the caller counts them once the transaction commits.
func (s *SQLiteCache) evict(tx *sql.Tx, count int) (int64, error) {
	if count == 0 {
		return 0, nil
	}
	offset := s.opts.Rand.Intn(count)
	res, err := tx.Exec("DELETE FROM cache WHERE pos = (SELECT pos FROM cache ORDER BY pos ASC LIMIT 1 OFFSET ?)", offset)
	if err != nil {
		return 0, errors.Wrap(err, "evict")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "evict")
	}
	return n, nil
}
