// Package registry owns the bounded collection of live SSH sessions:
// creation with eviction at capacity, lookup, removal, idle expiry, and
// administrative shutdown.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/sshgateway/internal/broker"
	"github.com/nextlevelbuilder/sshgateway/internal/policy"
	"github.com/nextlevelbuilder/sshgateway/internal/session"
)

// SweepInterval is the period of the background expiry sweeper.
const SweepInterval = 5 * time.Minute

// SweepRetryBackoff is the pause before the sweeper retries after an error.
const SweepRetryBackoff = time.Minute

// Options configures a Registry.
type Options struct {
	MaxSessions int
	IdleTTL     time.Duration
	// ConnectPerHostPerMinute caps session creation per remote host; zero
	// disables the limiter.
	ConnectPerHostPerMinute int
	SessionConfig           session.Config
}

// Registry is the process-wide session table. Eviction and creation happen
// under the registry's own lock; per-session operations then take only the
// session's mutex.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*session.Session
	createdAt map[string]time.Time
	limiters  map[string]*rate.Limiter

	opts   Options
	broker *broker.Broker
	policy *policy.Engine
	log    *slog.Logger
}

// New constructs an empty Registry.
func New(opts Options, b *broker.Broker, p *policy.Engine, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 20
	}
	return &Registry{
		sessions:  make(map[string]*session.Session),
		createdAt: make(map[string]time.Time),
		limiters:  make(map[string]*rate.Limiter),
		opts:      opts,
		broker:    b,
		policy:    p,
		log:       log,
	}
}

// CreateSession allocates a disconnected Session under id. An id collision
// fails; at capacity, the session with the earliest creation time is evicted
// first.
func (r *Registry) CreateSession(id, host string, port int, username string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("session %q already exists", id)
	}

	if lim := r.limiterLocked(host); lim != nil && !lim.Allow() {
		return nil, fmt.Errorf("connect rate limit exceeded for host %q", host)
	}

	if len(r.sessions) >= r.opts.MaxSessions {
		r.evictOldestLocked()
	}

	s := session.New(id, host, port, username, r.opts.SessionConfig, r.broker, r.policy, r.log)
	r.sessions[id] = s
	r.createdAt[id] = time.Now()
	r.log.Info("session created", "session_id", id, "host", host, "total", len(r.sessions))
	return s, nil
}

func (r *Registry) limiterLocked(host string) *rate.Limiter {
	if r.opts.ConnectPerHostPerMinute <= 0 {
		return nil
	}
	lim, ok := r.limiters[host]
	if !ok {
		perMinute := r.opts.ConnectPerHostPerMinute
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		r.limiters[host] = lim
	}
	return lim
}

func (r *Registry) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, at := range r.createdAt {
		if oldestID == "" || at.Before(oldestAt) {
			oldestID = id
			oldestAt = at
		}
	}
	if oldestID == "" {
		return
	}
	r.removeLocked(oldestID, "evicted at capacity")
}

// removeLocked disconnects (if needed) and drops a session from both maps.
func (r *Registry) removeLocked(id, why string) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	delete(r.createdAt, id)
	if s.IsConnected() {
		if err := s.Disconnect(); err != nil {
			r.log.Warn("disconnect during removal failed", "session_id", id, "error", err)
		}
	}
	r.log.Info("session removed", "session_id", id, "reason", why)
}

// GetSession looks a session up by id.
func (r *Registry) GetSession(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// RemoveSession disconnects and removes a session. Reports whether the id
// was present.
func (r *Registry) RemoveSession(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	r.removeLocked(id, "removed by caller")
	return true
}

// ListSessions returns a point-in-time snapshot of every session's info.
func (r *Registry) ListSessions() []session.Info {
	r.mu.Lock()
	snapshot := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	// Info takes each session's own mutex; collect outside the registry lock
	// so a long-running command on one session can't stall the listing of
	// the rest... it can still stall its own entry.
	infos := make([]session.Info, 0, len(snapshot))
	for _, s := range snapshot {
		infos = append(infos, s.Info())
	}
	return infos
}

// Count reports the current population.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CleanupExpired removes every session whose creation time is older than the
// idle TTL. Returns how many were removed.
func (r *Registry) CleanupExpired() int {
	if r.opts.IdleTTL <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.opts.IdleTTL)
	var expired []string
	for id, at := range r.createdAt {
		if at.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.removeLocked(id, "idle ttl expired")
	}
	return len(expired)
}

// DisconnectAll tears down every session, for administrative shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.sessions {
		r.removeLocked(id, "gateway shutdown")
	}
}

// RunSweeper periodically calls CleanupExpired until ctx is cancelled,
// backing off after an error instead of dying.
func (r *Registry) RunSweeper(ctx context.Context) {
	interval := SweepInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := r.sweepOnce(); err != nil {
			r.log.Error("session sweep failed", "error", err)
			interval = SweepRetryBackoff
			continue
		}
		interval = SweepInterval
	}
}

func (r *Registry) sweepOnce() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during sweep: %v", rec)
		}
	}()
	if n := r.CleanupExpired(); n > 0 {
		r.log.Info("expired sessions cleaned", "count", n)
	}
	return nil
}
