package proxy

import (
	"time"

	"iptv-proxy/work/logger"
	"iptv-proxy/work/metrics"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
)

// Sessions is the concurrent map of live user sessions.
type Sessions struct {
	clock    clock.Clock
	sessions *xsync.MapOf[string, *Session]
}

// SessionInfo is a point-in-time view of one session for the admin API.
type SessionInfo struct {
	User      string    `json:"user"`
	Channel   string    `json:"channel,omitempty"`
	Upstream  string    `json:"upstream,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewSessions creates an empty session map.
func NewSessions(clk clock.Clock) *Sessions {
	if clk == nil {
		clk = clock.New()
	}
	return &Sessions{
		clock:    clk,
		sessions: xsync.NewMapOf[string, *Session](),
	}
}

// Acquire returns the session of userID, creating it if needed, with its lock held.
// A session removed by its reaper between lookup and lock is replaced.
func (ss *Sessions) Acquire(userID string) *Session {
	for {
		s, loaded := ss.sessions.LoadOrCompute(userID, func() *Session {
			return newSession(userID, ss.clock, ss.remove)
		})
		if !loaded {
			metrics.ClientsConnected.Inc()
			logger.Debug("{proxy/sessions - Acquire} new session for user %s", userID)
		}
		s.Lock()
		if !s.removed {
			return s
		}
		s.mu.Unlock()
	}
}

// remove unregisters s if it is still the current session of its user.
func (ss *Sessions) remove(s *Session) {
	ss.sessions.Compute(s.id, func(old *Session, loaded bool) (*Session, bool) {
		if !loaded {
			return old, true
		}
		return old, old == s
	})
	metrics.ClientsConnected.Dec()
	logger.Debug("{proxy/sessions - remove} session of user %s removed", s.id)
}

// Len returns the number of live sessions.
func (ss *Sessions) Len() int {
	return ss.sessions.Size()
}

// Snapshot lists the live sessions.
func (ss *Sessions) Snapshot() []SessionInfo {
	var out []SessionInfo
	ss.sessions.Range(func(id string, s *Session) bool {
		s.mu.Lock()
		info := SessionInfo{User: id, ExpiresAt: s.expireTime}
		if sc := s.serverChannel; sc != nil {
			info.Channel = sc.ChannelID()
			info.Upstream = sc.Server().Name()
		}
		s.mu.Unlock()
		out = append(out, info)
		return true
	})
	return out
}

// Close releases every session's binding and stops all reapers.
func (ss *Sessions) Close() {
	ss.sessions.Range(func(id string, s *Session) bool {
		if s.close() {
			ss.sessions.Delete(id)
			metrics.ClientsConnected.Dec()
		}
		return true
	})
}
