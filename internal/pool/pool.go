// Package pool hands out exclusive, reusable browser sessions keyed by
// profile id, bounded by a fixed capacity.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/copyleftdev/profilepool/internal/browser"
	"github.com/copyleftdev/profilepool/internal/config"
	"github.com/copyleftdev/profilepool/internal/profile"
	"go.uber.org/zap"
)

var (
	// ErrSessionBusy is returned when another caller holds the profile's
	// session. Callers do not queue; they retry or move on.
	ErrSessionBusy = errors.New("session is busy")
	// ErrCapacityExhausted is returned when the pool is full of sessions that
	// are busy or not yet expired.
	ErrCapacityExhausted = errors.New("pool capacity exhausted")
)

const terminateTimeout = 30 * time.Second

// Pool tracks at most MaxSize sessions, one per profile id. A session is
// handed to one caller at a time.
type Pool struct {
	backend   profile.Backend
	connector browser.Connector
	cfg       config.PoolConfig
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*browser.Session
	// closing counts terminations in flight per id; those ids cannot be
	// acquired until the backend has closed the profile.
	closing map[string]int
}

// New returns an empty pool. MaxSize below one is raised to one.

func New(backend profile.Backend, connector browser.Connector, cfg config.PoolConfig, logger *zap.Logger) *Pool {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		backend:   backend,
		connector: connector,
		cfg:       cfg,
		logger:    logger.Named("pool"),
		now:       time.Now,
		sessions:  make(map[string]*browser.Session),
		closing:   make(map[string]int),
	}
}

// AcquireByProfileName resolves name through the backend, launches the
// profile and acquires its session.
func (p *Pool) AcquireByProfileName(ctx context.Context, name, taskID string, opts profile.Options, forceNew bool) (*browser.Session, error) {
	info, err := p.backend.CreateOrUpdateProfile(ctx, name, opts)
	if err != nil {
		return nil, fmt.Errorf("create profile %q: %w", name, err)
	}

	// Fail fast before paying for a launch.
	p.mu.Lock()
	sess, ok := p.sessions[info.ID]
	busy := (ok && sess.Busy()) || p.closing[info.ID] > 0
	p.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("%w: profile %s", ErrSessionBusy, info.ID)
	}

	launch, err := p.backend.LaunchProfile(ctx, info.ID)
	if err != nil {
		if errors.Is(err, profile.ErrLaunch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", profile.ErrLaunch, err)
	}

	return p.Acquire(ctx, info.ID, launch.Endpoint, taskID, forceNew)
}

// Acquire returns the session for id marked busy for taskID, connected and
// alive. endpoint may be empty for a tracked id.
func (p *Pool) Acquire(ctx context.Context, id, endpoint, taskID string, forceNew bool) (*browser.Session, error) {
	p.mu.Lock()
	now := p.now()

	var stale *browser.Session
	var expired []*browser.Session

	if p.closing[id] > 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: profile %s is closing", ErrSessionBusy, id)
	}

	sess, tracked := p.sessions[id]
	switch {
	case tracked && sess.Busy():
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: profile %s", ErrSessionBusy, id)

	case tracked:
		changed := endpoint != "" && endpoint != sess.Endpoint()
		if forceNew || changed || sess.IsExpired(p.cfg.MaxIdleAge, now) {
			stale = sess
			if endpoint == "" {
				endpoint = stale.Endpoint()
			}
			sess = browser.NewSession(id, endpoint, p.connector, p.logger, now)
			p.sessions[id] = sess
		}

	default:
		if endpoint == "" {
			p.mu.Unlock()
			return nil, fmt.Errorf("profile %s is not tracked and no endpoint was given", id)
		}
		if len(p.sessions) >= p.cfg.MaxSize {
			expired = p.sweepLocked(now)
			if len(p.sessions) >= p.cfg.MaxSize {
				p.mu.Unlock()
				p.retire(expired)
				p.logger.Warn("Pool capacity exhausted",
					zap.Int("max_size", p.cfg.MaxSize), zap.String("profile_id", id))
				return nil, fmt.Errorf("%w: %d sessions in use", ErrCapacityExhausted, p.cfg.MaxSize)
			}
		}
		sess = browser.NewSession(id, endpoint, p.connector, p.logger, now)
		p.sessions[id] = sess
	}

	// Reserved: nobody else can hand this session out until we release it.
	sess.MarkBusy(taskID, now)
	p.mu.Unlock()

	if stale != nil {
		stale.Disconnect()
	}
	p.retire(expired)

	if err := p.ensureAlive(ctx, sess); err != nil {
		p.mu.Lock()
		if p.sessions[id] == sess {
			delete(p.sessions, id)
		}
		p.mu.Unlock()
		sess.Disconnect()
		p.logger.Warn("Failed to acquire session", zap.String("profile_id", id), zap.Error(err))
		return nil, err
	}

	// A forced release may have dropped the reservation while we connected.
	p.mu.Lock()
	current := p.sessions[id] == sess
	p.mu.Unlock()
	if !current {
		sess.Disconnect()
		p.logger.Warn("Session released while connecting", zap.String("profile_id", id))
		return nil, fmt.Errorf("%w: profile %s was released while connecting", ErrSessionBusy, id)
	}

	p.logger.Debug("Session acquired", zap.String("profile_id", id), zap.String("task_id", taskID))
	return sess, nil
}

// ensureAlive connects a detached session, or pings an attached one and
// reconnects once if the ping fails.
func (p *Pool) ensureAlive(ctx context.Context, sess *browser.Session) error {
	if !sess.Connected() {
		return sess.Connect(ctx)
	}
	err := sess.Ping(ctx)
	if err == nil {
		return nil
	}
	p.logger.Info("Session unresponsive, reconnecting", zap.String("profile_id", sess.ID()), zap.Error(err))
	sess.Disconnect()
	return sess.Connect(ctx)
}

// Release returns the session for id to the pool. With closeSession it is
// disconnected, dropped and its profile terminated. It reports whether id was
// tracked; the termination signal is sent either way when closing.
func (p *Pool) Release(ctx context.Context, id string, closeSession bool) bool {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !closeSession {
		if ok {
			sess.MarkIdle(p.now())
		}
		p.mu.Unlock()
		return ok
	}
	if ok {
		delete(p.sessions, id)
	}
	p.closing[id]++
	p.mu.Unlock()

	if ok {
		sess.Disconnect()
	}
	p.terminate(ctx, id)
	return ok
}

// Sweep closes every idle session unused for longer than the max idle age and
// returns how many it closed.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	expired := p.sweepLocked(p.now())
	p.mu.Unlock()

	p.retire(expired)
	return len(expired)
}

// sweepLocked moves expired sessions from the map to closing; the caller
// retires them once the lock is released.
func (p *Pool) sweepLocked(now time.Time) []*browser.Session {
	var expired []*browser.Session
	for id, sess := range p.sessions {
		if sess.IsExpired(p.cfg.MaxIdleAge, now) {
			delete(p.sessions, id)
			p.closing[id]++
			expired = append(expired, sess)
		}
	}
	return expired
}

func (p *Pool) retire(sessions []*browser.Session) {
	for _, sess := range sessions {
		sess.Disconnect()
		p.terminate(context.Background(), sess.ID())
		p.logger.Info("Session evicted", zap.String("profile_id", sess.ID()))
	}
}

// terminate asks the backend to close the profile and then clears the
// closing mark the caller set for id.
func (p *Pool) terminate(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
	defer cancel()
	defer p.closed(id)

	if _, err := p.backend.CloseProfile(ctx, id); err != nil {
		p.logger.Warn("Failed to close profile", zap.String("profile_id", id), zap.Error(err))
	}
}

func (p *Pool) closed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing[id]--; p.closing[id] <= 0 {
		delete(p.closing, id)
	}
}

// Run sweeps on every tick of the configured interval until ctx is done. A
// non-positive interval disables it.
func (p *Pool) Run(ctx context.Context) {
	if p.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.logger.Info("Swept idle sessions", zap.Int("closed", n))
			}
		}
	}
}

// Sessions returns a snapshot of every tracked session ordered by id.
func (p *Pool) Sessions() []browser.Info {
	p.mu.Lock()
	out := make([]browser.Info, 0, len(p.sessions))
	for _, sess := range p.sessions {
		out = append(out, sess.Info())
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked sessions, busy or idle.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// MaxSize returns the configured capacity.
func (p *Pool) MaxSize() int { return p.cfg.MaxSize }

// Shutdown disconnects and terminates every tracked session, busy or not.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	all := make([]*browser.Session, 0, len(p.sessions))
	for id, sess := range p.sessions {
		all = append(all, sess)
		delete(p.sessions, id)
		p.closing[id]++
	}
	p.mu.Unlock()

	p.logger.Info("Shutting down pool", zap.Int("sessions", len(all)))
	for _, sess := range all {
		sess.Disconnect()
		p.terminate(ctx, sess.ID())
	}
}
