package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	readCacheTTL     = 10 * time.Minute
	readCacheCleanup = 30 * time.Minute
)

// SQLiteStore persists sessions in a sqlite file shared by every process of
// a deployment. A go-cache read cache sits in front of the database and is
// invalidated on every write, so cross-process mutation is visible after at
// most readCacheTTL.
type SQLiteStore struct {
	db     *sql.DB
	cache  *cache.Cache
	locks  sync.Map // id -> *sync.Mutex
	logger zerolog.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// OpenSQLite opens (creating if needed) the session database at path.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		last_used TIMESTAMP,
		never_expire INTEGER NOT NULL DEFAULT 0,
		record TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		cache:  cache.New(readCacheTTL, readCacheCleanup),
		logger: logger.With().Str("component", "session-store").Logger(),
	}, nil
}

func (s *SQLiteStore) lock(id string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (s *SQLiteStore) persist(ctx context.Context, sess *Session) error {
	data, err := sess.MarshalRecord()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, last_used, never_expire, record)
		VALUES (?, ?, ?, ?)`,
		sess.ID,
		sess.LastUsedAt.Format(time.RFC3339),
		sess.NeverExpire,
		string(data),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("session", sess.ID).Msg("failed to save session")
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	s.cache.Set(sess.ID, sess.Clone(), cache.DefaultExpiration)
	return nil
}

// Create allocates a fresh id and persists a default session. The id space
// makes collisions negligible; if one is ever hit, the id is regenerated.
func (s *SQLiteStore) Create(ctx context.Context) (*Session, error) {
	for {
		sess := New(GenerateID())
		data, err := sess.MarshalRecord()
		if err != nil {
			return nil, err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, last_used, never_expire, record)
			VALUES (?, ?, ?, ?)`,
			sess.ID,
			sess.LastUsedAt.Format(time.RFC3339),
			sess.NeverExpire,
			string(data),
		)
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		s.cache.Set(sess.ID, sess.Clone(), cache.DefaultExpiration)
		return sess, nil
	}
}

// load returns the live record without cloning. Callers must clone before
// handing the result out.
func (s *SQLiteStore) load(ctx context.Context, id string) (*Session, error) {
	if v, ok := s.cache.Get(id); ok {
		return v.(*Session), nil
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	sess, err := UnmarshalRecord([]byte(data))
	if err != nil {
		return nil, err
	}
	s.cache.Set(id, sess, cache.DefaultExpiration)
	return sess, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

func (s *SQLiteStore) Has(ctx context.Context, id string) (bool, error) {
	_, err := s.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Update is a per-field merge: mutate sees the committed record under the
// id's lock, so concurrent updates serialize and each observes the other's
// fields. Unknown ids are a silent no-op.
func (s *SQLiteStore) Update(ctx context.Context, id string, mutate func(*Session)) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	updated := sess.Clone()
	mutate(updated)
	updated.ID = id
	return s.persist(ctx, updated)
}

func (s *SQLiteStore) Put(ctx context.Context, sess *Session) error {
	mu := s.lock(sess.ID)
	mu.Lock()
	defer mu.Unlock()
	return s.persist(ctx, sess.Clone())
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		s.logger.Error().Err(err).Str("session", id).Msg("failed to delete session")
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	s.cache.Delete(id)
	// The lock entry is kept: evicting it while another writer is still
	// blocked on it would let a later writer acquire a fresh mutex and
	// overlap the straggler.
	return nil
}

func (s *SQLiteStore) Touch(ctx context.Context, id string) error {
	return s.Update(ctx, id, func(sess *Session) {
		sess.LastUsedAt = time.Now()
	})
}

// Sweep deletes every non-never-expire session unused for longer than
// maxAge and returns how many were evicted.
func (s *SQLiteStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Format(time.RFC3339)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE never_expire = 0 AND last_used < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan stale session id: %w", err)
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	evicted := 0
	for _, id := range stale {
		if err := s.Delete(ctx, id); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// StartSweep runs Sweep on a fixed interval until Close. Only the
// coordinating process of a deployment may call this; workers sharing the
// database issue point reads and writes only, to avoid racing deletes.
func (s *SQLiteStore) StartSweep(interval, maxAge time.Duration) {
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := s.Sweep(context.Background(), maxAge)
				if err != nil {
					s.logger.Error().Err(err).Msg("stale session sweep failed")
					continue
				}
				if n > 0 {
					s.logger.Info().Int("evicted", n).Msg("swept stale sessions")
				}
			case <-s.sweepStop:
				return
			}
		}
	}()
}

func (s *SQLiteStore) Close() error {
	if s.sweepStop != nil {
		close(s.sweepStop)
		<-s.sweepDone
	}
	return s.db.Close()
}
