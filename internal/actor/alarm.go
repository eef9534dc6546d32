package actor

import (
	"sync"
	"time"
)

// AlarmScheduler fires at most one pending callback per actor. Setting a
// new alarm replaces the previous one; callbacks run on their own
// goroutine, so an actor receiving the callback must re-enter its own
// serialized context before touching state. Actors persist their alarm
// timestamp themselves and re-arm through Set after a restart.
type AlarmScheduler struct {
	mu     sync.Mutex
	timers map[string]*pendingAlarm
	clock  func() time.Time
}

type pendingAlarm struct {
	at    time.Time
	timer *time.Timer
}

// NewAlarmScheduler returns an empty scheduler.
func NewAlarmScheduler(clock func() time.Time) *AlarmScheduler {
	if clock == nil {
		clock = time.Now
	}
	return &AlarmScheduler{
		timers: make(map[string]*pendingAlarm),
		clock:  clock,
	}
}

// Set schedules fn at or after the given time, replacing any pending alarm
// for the same actor. A time already in the past fires immediately.
func (s *AlarmScheduler) Set(kind, id string, at time.Time, fn func()) error {
	key, err := namespacePrefix(kind, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending, ok := s.timers[key]; ok {
		pending.timer.Stop()
	}
	delay := at.Sub(s.clock())
	if delay < 0 {
		delay = 0
	}
	alarm := &pendingAlarm{at: at}
	alarm.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[key] == alarm {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = alarm
	return nil
}

// Get reports the pending alarm time for an actor, if any.
func (s *AlarmScheduler) Get(kind, id string) (time.Time, bool) {
	key, err := namespacePrefix(kind, id)
	if err != nil {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.timers[key]
	if !ok {
		return time.Time{}, false
	}
	return pending.at, true
}

// Clear cancels the pending alarm for an actor, if any.
func (s *AlarmScheduler) Clear(kind, id string) {
	key, err := namespacePrefix(kind, id)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending, ok := s.timers[key]; ok {
		pending.timer.Stop()
		delete(s.timers, key)
	}
}

// Stop cancels every pending alarm; used on shutdown.
func (s *AlarmScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, pending := range s.timers {
		pending.timer.Stop()
		delete(s.timers, key)
	}
}
