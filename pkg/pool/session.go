package pool

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"proxy-lifecycle/pkg/models"
)

func copySession(s *models.Session) *models.Session {
	c := *s
	return &c
}

// BindSession attaches a session to a proxy the caller already holds.
func (m *Manager) BindSession(s models.Session) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.proxies[s.ProxyID]
	if !ok {
		return nil, fmt.Errorf("bind session: %s: %w", s.ProxyID, ErrNotFound)
	}
	if !e.rec.InUse {
		return nil, fmt.Errorf("bind session: %s was not acquired: %w", s.ProxyID, ErrUnavailable)
	}
	if e.rec.SessionID != "" && e.rec.SessionID != s.ID {
		return nil, fmt.Errorf("bind session: %s: %w", s.ProxyID, ErrInUse)
	}

	now := m.now()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastUsedAt = now
	e.rec.SessionID = s.ID
	m.sessions[s.ID] = &s
	return copySession(&s), nil
}

// OpenSession acquires a proxy for the session's target and binds it.
func (m *Manager) OpenSession(ctx context.Context, s models.Session, c models.Criteria) (*models.Session, *models.ProxyRecord, error) {
	if c.Country == "" {
		c.Country = s.TargetCountry
	}
	if c.MaxLatencyMs == 0 {
		c.MaxLatencyMs = s.MaxLatencyMs
	}
	if c.MaxCostPerGB == 0 {
		c.MaxCostPerGB = s.MaxCostPerGB
	}
	rec, err := m.Acquire(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	s.ProxyID = rec.ID
	bound, err := m.BindSession(s)
	if err != nil {
		m.Release(rec.ID)
		return nil, nil, err
	}
	rec.SessionID = bound.ID
	m.logger.Info("session opened", "sessionID", bound.ID, "proxyID", rec.ID, "userID", s.UserID)
	return bound, rec, nil
}

func (m *Manager) Session(id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return copySession(s), nil
}

// SwitchSessionProxy moves a session from oldID to newID in one critical
// section. The old proxy is released, the new one claimed. Switching to the
// same id re-claims it. ErrSessionChanged means another caller already moved
// the session.
func (m *Manager) SwitchSessionProxy(sessionID, oldID, newID string) (*models.ProxyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	if s.ProxyID != oldID {
		return nil, fmt.Errorf("session %s now on %s: %w", sessionID, s.ProxyID, ErrSessionChanged)
	}
	next, ok := m.proxies[newID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", newID, ErrNotFound)
	}
	if next.rec.InUse && next.rec.SessionID != sessionID {
		return nil, fmt.Errorf("%s: %w", newID, ErrInUse)
	}

	if old, ok := m.proxies[oldID]; ok && oldID != newID && old.rec.SessionID == sessionID {
		old.rec.InUse = false
		old.rec.SessionID = ""
	}
	now := m.now()
	rec := m.claim(next, now)
	next.rec.SessionID = sessionID
	rec.SessionID = sessionID
	s.ProxyID = newID
	s.LastUsedAt = now
	return rec, nil
}

// EndSession releases the session's proxy and forgets the session.
func (m *Manager) EndSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endLocked(id)
}

func (m *Manager) endLocked(id string) error {
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	if e, ok := m.proxies[s.ProxyID]; ok && e.rec.SessionID == id {
		e.rec.InUse = false
		e.rec.SessionID = ""
	}
	delete(m.sessions, id)
	return nil
}

// TerminateUserSessions ends every session of userID and returns the count.
func (m *Manager) TerminateUserSessions(userID string) int {
	m.mu.Lock()
	n := 0
	for id, s := range m.sessions {
		if s.UserID == userID {
			_ = m.endLocked(id)
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.logger.Info("terminated user sessions", "userID", userID, "count", n)
	}
	return n
}

func (m *Manager) UserSessions(userID string) []*models.Session {
	return m.sessionsWhere(func(s *models.Session) bool { return s.UserID == userID })
}

func (m *Manager) SessionsByProxy(proxyID string) []*models.Session {
	return m.sessionsWhere(func(s *models.Session) bool { return s.ProxyID == proxyID })
}

func (m *Manager) Sessions() []*models.Session {
	return m.sessionsWhere(func(*models.Session) bool { return true })
}

// sessionsWhere returns matching sessions, oldest first.
func (m *Manager) sessionsWhere(keep func(*models.Session) bool) []*models.Session {
	m.mu.Lock()
	var out []*models.Session
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, copySession(s))
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
