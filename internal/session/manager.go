package session

import "sync"

// Manager is Server's clients table: one writer per mutation (accept/
// disconnect), concurrent reads. It is the direct analogue of the
// teacher's terminal.SessionManager, generalized from one-entry-per-tab to
// one-entry-per-client.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Session
}

func NewManager() *Manager {
	return &Manager{clients: make(map[string]*Session)}
}

// Add registers a new session, replacing any prior session under the same
// clientID (closing it first to avoid a dangling socket).
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.clients[s.ClientID]; ok && existing != s {
		_ = existing.Conn.Close(1000, "session replaced")
	}
	m.clients[s.ClientID] = s
}

// Get returns the session for clientID, or nil if none.
func (m *Manager) Get(clientID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[clientID]
}

// Remove deletes clientID's session if s is still the current one for that
// id (guards against removing a session that was already replaced).
func (m *Manager) Remove(clientID string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.clients[clientID]; ok && current == s {
		delete(m.clients, clientID)
	}
}

// Count returns the number of live sessions, used by the pre-upgrade
// admission check against maxConnections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CloseAll closes every live session's socket with code 1000, used by
// Server.Stop.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.clients {
		_ = s.Conn.Close(1000, "server shutting down")
		delete(m.clients, id)
	}
}
