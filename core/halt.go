package core

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EmergencySwitch is the process-wide halt flag. The reconciler or an admin
// engages it; every orchestrator entry reads it before admitting work.
// Tests depend on being able to reset it, so it is an explicit dependency
// rather than a package global.
type EmergencySwitch struct {
	engaged atomic.Bool

	mu        sync.RWMutex
	reason    string
	engagedAt time.Time
	now       func() time.Time
}

func NewEmergencySwitch() *EmergencySwitch {
	return &EmergencySwitch{
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *EmergencySwitch) Engage(reason string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.reason = strings.TrimSpace(reason)
	s.engagedAt = s.clock()
	s.mu.Unlock()
	s.engaged.Store(true)
}

func (s *EmergencySwitch) Release() {
	if s == nil {
		return
	}
	s.engaged.Store(false)
	s.mu.Lock()
	s.reason = ""
	s.engagedAt = time.Time{}
	s.mu.Unlock()
}

func (s *EmergencySwitch) Engaged() bool {
	if s == nil {
		return false
	}
	return s.engaged.Load()
}

func (s *EmergencySwitch) Reason() (string, time.Time) {
	if s == nil {
		return "", time.Time{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason, s.engagedAt
}

func (s *EmergencySwitch) clock() time.Time {
	if s != nil && s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}
