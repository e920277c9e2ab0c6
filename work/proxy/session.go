package proxy

import (
	"sync"
	"time"

	"iptv-proxy/work/logger"

	"github.com/benbjohnson/clock"
)

const (
	// bindGrace is the idle budget of a fresh binding before any data flows.
	bindGrace = time.Second
	// reapJitter delays the reaper slightly past the deadline.
	reapJitter = 100 * time.Millisecond
)

// Session is the per-user state: the bound server channel and an idle deadline.
//
// Fields are only touched between Lock and Unlock. Unlock is also where the
// reaper timer is moved when the deadline changed while the lock was held, so a
// busy session reschedules at most once per critical section.
type Session struct {
	id    string
	clock clock.Clock

	mu            sync.Mutex
	expireTime    time.Time
	scheduledFor  time.Time
	timer         *clock.Timer
	serverChannel *ServerChannel
	removed       bool
	onRemove      func(*Session)
}

func newSession(id string, clk clock.Clock, onRemove func(*Session)) *Session {
	return &Session{
		id:         id,
		clock:      clk,
		expireTime: clk.Now().Add(bindGrace),
		onRemove:   onRemove,
	}
}

// ID returns the user id.
func (s *Session) ID() string {
	return s.id
}

// Lock takes the session lock.
func (s *Session) Lock() {
	s.mu.Lock()
}

// Unlock reschedules the reaper if the deadline moved, then releases the lock.
func (s *Session) Unlock() {
	if !s.removed && !s.expireTime.Equal(s.scheduledFor) {
		s.schedule()
	}
	s.mu.Unlock()
}

// schedule replaces the reaper timer. Caller holds the lock.
func (s *Session) schedule() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.scheduledFor = s.expireTime
	delay := s.expireTime.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.timer = s.clock.AfterFunc(delay+reapJitter, s.reap)
}

// reap removes the session if its deadline has passed, otherwise reschedules.
// A stale timer that fires early finds the deadline in the future and only re-arms.
func (s *Session) reap() {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	if s.clock.Now().Before(s.expireTime) {
		s.scheduledFor = time.Time{}
		s.Unlock()
		return
	}

	s.removed = true
	s.timer = nil
	if s.onRemove != nil {
		s.onRemove(s)
	}
	if s.serverChannel != nil {
		logger.Debug("{proxy/session - reap} user %s idle, releasing %s", s.id, s.serverChannel)
		s.serverChannel.Release(s.id)
		s.serverChannel = nil
	}
	s.mu.Unlock()
}

// SetExpireTime raises the idle deadline; an earlier time is ignored.
// Caller holds the lock.
func (s *Session) SetExpireTime(t time.Time) {
	if t.After(s.expireTime) {
		s.expireTime = t
	}
}

// ExpireTime returns the idle deadline. Caller holds the lock.
func (s *Session) ExpireTime() time.Time {
	return s.expireTime
}

// Touch extends the deadline under the lock. Used by the stream relay.
func (s *Session) Touch(until time.Time) {
	s.Lock()
	s.SetExpireTime(until)
	s.Unlock()
}

// BoundChannel returns the bound server channel. Caller holds the lock.
func (s *Session) BoundChannel() *ServerChannel {
	return s.serverChannel
}

// ServerChannel returns the binding for ch, acquiring one if needed.
//
// A binding to a different channel is released first. A new binding, even a
// failed one, resets the deadline to a short grace window so an abandoned
// session goes away quickly. Returns nil when every member of ch is busy or
// cooling down. Caller holds the lock.
func (s *Session) ServerChannel(ch *Channel) *ServerChannel {
	if s.serverChannel != nil {
		if s.serverChannel.ChannelID() == ch.ID() {
			return s.serverChannel
		}
		s.serverChannel.Release(s.id)
		s.serverChannel = nil
	}

	s.serverChannel = ch.Acquire(s.id)
	s.expireTime = s.clock.Now().Add(bindGrace)
	return s.serverChannel
}

// ReleaseChannel drops the binding if it is sc. Caller holds the lock.
func (s *Session) ReleaseChannel(sc *ServerChannel) {
	if s.serverChannel != nil && s.serverChannel == sc {
		s.serverChannel.Release(s.id)
		s.serverChannel = nil
	}
}

// close releases the binding and stops the reaper without waiting for the deadline.
// Reports false when the reaper got there first.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false
	}
	s.removed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.serverChannel != nil {
		s.serverChannel.Release(s.id)
		s.serverChannel = nil
	}
	return true
}
