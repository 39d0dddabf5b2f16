package engine

import "sync"

// ConnectionStatus combines network reachability with the real-time channel state.
type ConnectionStatus struct {
	IsOnline    bool `json:"is_online"`
	IsConnected bool `json:"is_connected"`
	// ServerUnreachable is set while the last server call failed in transport.
	ServerUnreachable bool `json:"server_unreachable,omitempty"`
}

// Healthy reports whether both the network and the channel are up.
func (s ConnectionStatus) Healthy() bool {
	return s.IsOnline && s.IsConnected
}

// ConnectionMonitor tracks the connectivity sources independently.
// Neither is fatal: being offline pauses the session, a dropped channel only
// disables real-time features.
//
// Online means the network is reported up and the server was reachable the
// last time it was tried. Only the UI reports the network down; transport
// failures mark the server unreachable until it answers again.
type ConnectionMonitor struct {
	mu          sync.RWMutex
	network     bool
	unreachable bool
	connected   bool
}

// NewConnectionMonitor starts online with the channel not yet connected.
func NewConnectionMonitor() *ConnectionMonitor {
	return &ConnectionMonitor{network: true}
}

// SetOnline records a network online/offline event and reports whether it
// changed. Coming back online also clears a stale unreachable mark so the
// next call is tried.
func (m *ConnectionMonitor) SetOnline(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.network != online
	m.network = online
	if online {
		m.unreachable = false
	}
	return changed
}

// SetReachable records the outcome of a server call and reports whether it changed.
func (m *ConnectionMonitor) SetReachable(reachable bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.unreachable == reachable
	m.unreachable = !reachable
	return changed
}

// SetConnected records a channel connect/disconnect and reports whether it
// changed. An open channel proves the server is reachable.
func (m *ConnectionMonitor) SetConnected(connected bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.connected != connected
	m.connected = connected
	if connected {
		m.unreachable = false
	}
	return changed
}

// NetworkOnline reports the network state as last reported, ignoring server
// reachability.
func (m *ConnectionMonitor) NetworkOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.network
}

// Reachable reports whether the server answered the last call.
func (m *ConnectionMonitor) Reachable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.unreachable
}

// Status returns the current combined status.
func (m *ConnectionMonitor) Status() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ConnectionStatus{
		IsOnline:          m.network && !m.unreachable,
		IsConnected:       m.connected,
		ServerUnreachable: m.unreachable,
	}
}
