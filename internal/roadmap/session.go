package roadmap

import "time"

// session is the timed window opened by start_session
type session struct {
	started  time.Time
	duration time.Duration
	forever  bool
}

func newSession(now time.Time, seconds int) session {
	if seconds == Forever {
		return session{started: now, forever: true}
	}
	return session{started: now, duration: time.Duration(seconds) * time.Second}
}

// active reports whether a session was started
func (s session) active() bool {
	return !s.started.IsZero()
}

// expired reports whether the window has closed at now. A worker without a
// session never expires.
func (s session) expired(now time.Time) bool {
	if !s.active() || s.forever {
		return false
	}
	return now.Sub(s.started) >= s.duration
}
