// Package browser wraps a DevTools connection to one launched profile.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrConnection marks an unreachable endpoint or a failed DevTools handshake.
// It is retryable.
var ErrConnection = errors.New("browser connection failed")

// Conn is a live DevTools attachment to a page target.
type Conn interface {
	// Context is the chromedp context bound to the attached page.
	Context() context.Context
	Ping(ctx context.Context) error
	Close() error
}

// Connector opens a Conn for a DevTools endpoint.
type Connector interface {
	Connect(ctx context.Context, endpoint string) (Conn, error)
}

// Info is a read-only view of a session.
type Info struct {
	ID          string    `json:"id"`
	Endpoint    string    `json:"endpoint"`
	Connected   bool      `json:"connected"`
	Busy        bool      `json:"busy"`
	OwnerTaskID string    `json:"owner_task_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Session is one profile's browser connection as tracked by the pool.
//
// busy, ownerTaskID and the timestamps belong to the pool and are only read or
// written under its lock. The connection has its own mutex so the owner's I/O
// never blocks pool bookkeeping.
type Session struct {
	id        string
	endpoint  string
	connector Connector
	logger    *zap.Logger

	connMu sync.Mutex
	conn   Conn

	busy        bool
	ownerTaskID string
	createdAt   time.Time
	lastUsedAt  time.Time
}

// NewSession returns a detached, idle session for profile id.
func NewSession(id, endpoint string, connector Connector, logger *zap.Logger, now time.Time) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:         id,
		endpoint:   endpoint,
		connector:  connector,
		logger:     logger.With(zap.String("profile_id", id)),
		createdAt:  now,
		lastUsedAt: now,
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Endpoint() string { return s.endpoint }

// Connect attaches to the endpoint. It is a no-op when already attached.
func (s *Session) Connect(ctx context.Context) error {
	if s.Connected() {
		return nil
	}

	// The handshake runs unlocked so Info never waits on network I/O.
	conn, err := s.connector.Connect(ctx, s.endpoint)
	if err != nil {
		if errors.Is(err, ErrConnection) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrConnection, s.endpoint, err)
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.connMu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.connMu.Unlock()

	s.logger.Debug("Session connected", zap.String("endpoint", s.endpoint))
	return nil
}

// Disconnect drops the connection. Teardown errors are logged, never
// returned, and the session can connect again afterwards.
func (s *Session) Disconnect() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		s.logger.Warn("Error while disconnecting session", zap.Error(err))
		return
	}
	s.logger.Debug("Session disconnected")
}

// Ping checks that the attached page still answers.
func (s *Session) Ping(ctx context.Context) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: session %s is not attached", ErrConnection, s.id)
	}
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrConnection, err)
	}
	return nil
}

func (s *Session) Connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

// Context returns the page context for running chromedp actions, or a
// cancelled context when the session is detached.
func (s *Session) Context() context.Context {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if conn == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return conn.Context()
}

// MarkBusy and MarkIdle must be called under the pool lock.
func (s *Session) MarkBusy(taskID string, at time.Time) {
	s.busy = true
	s.ownerTaskID = taskID
	s.lastUsedAt = at
}

func (s *Session) MarkIdle(at time.Time) {
	s.busy = false
	s.ownerTaskID = ""
	s.lastUsedAt = at
}

func (s *Session) Busy() bool            { return s.busy }
func (s *Session) OwnerTaskID() string   { return s.ownerTaskID }
func (s *Session) LastUsedAt() time.Time { return s.lastUsedAt }

// IsExpired reports whether the session is idle and unused for longer than
// maxAge. Busy sessions never expire.
func (s *Session) IsExpired(maxAge time.Duration, now time.Time) bool {
	if s.busy {
		return false
	}
	return now.Sub(s.lastUsedAt) > maxAge
}

func (s *Session) Info() Info {
	return Info{
		ID:          s.id,
		Endpoint:    s.endpoint,
		Connected:   s.Connected(),
		Busy:        s.busy,
		OwnerTaskID: s.ownerTaskID,
		CreatedAt:   s.createdAt,
		LastUsedAt:  s.lastUsedAt,
	}
}
