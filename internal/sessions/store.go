// Package sessions persists login sessions, one JSON file per session, so a
// gateway restart does not log users out. Expiry is sliding: every
// authenticated request pushes the deadline forward.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tom-assistant/tom/internal/observability"
)

// DefaultTTL is the sliding session lifetime.
const DefaultTTL = 30 * 24 * time.Hour

// ErrNotFound is returned for unknown or expired session ids.
var ErrNotFound = errors.New("sessions: not found")

// Session is one authenticated login.
type Session struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Store persists sessions under a directory.
type Store struct {
	dir    string
	ttl    time.Duration
	logger *observability.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewStore creates the session directory if needed. ttl <= 0 selects
// DefaultTTL.
func NewStore(dir string, ttl time.Duration, logger *observability.Logger) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{dir: dir, ttl: ttl, logger: logger, now: time.Now}, nil
}

// Create opens a new session for the user and persists it.
func (s *Store) Create(ctx context.Context, username string) (*Session, error) {
	now := s.now()
	session := &Session{
		ID:        uuid.NewString(),
		Username:  username,
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := s.write(session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get returns the session and slides its expiry forward. Expired sessions
// are deleted and reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.read(id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if now.Sub(session.LastSeen) > s.ttl {
		_ = os.Remove(s.path(id))
		return nil, ErrNotFound
	}
	session.LastSeen = now
	if err := s.writeLocked(session); err != nil {
		s.logger.Warn(ctx, "session touch failed", "error", err)
	}
	return session, nil
}

// Delete removes a session. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Purge removes every expired session file and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("scan session dir: %w", err)
	}
	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		session, err := s.read(id)
		if err != nil {
			// Unreadable files are dropped rather than kept forever.
			_ = os.Remove(filepath.Join(s.dir, entry.Name()))
			removed++
			continue
		}
		if session.LastSeen.Before(cutoff) {
			_ = os.Remove(s.path(id))
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of live sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			n++
		}
	}
	return n, nil
}

// Janitor purges expired sessions on the given interval until ctx is done.
func (s *Store) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Purge(ctx)
			if err != nil {
				s.logger.Warn(ctx, "session purge failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info(ctx, "expired sessions purged", "count", removed)
			}
		}
	}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) read(id string) (*Session, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

func (s *Store) write(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(session)
}

func (s *Store) writeLocked(session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	tmp := s.path(session.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, s.path(session.ID))
}

// validID rejects ids that could escape the session directory. Session ids
// are always UUIDs.
func validID(id string) bool {
	if id == "" || strings.ContainsAny(id, "/\\.") {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
