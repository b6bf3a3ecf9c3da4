package handler

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConnectionManager хранит активные соединения по пользователю.
// У одного пользователя может быть несколько вкладок и устройств.
type ConnectionManager struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]struct{}
	logger  zerolog.Logger
}

// NewConnectionManager создает менеджер соединений.
func NewConnectionManager(logger zerolog.Logger) *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[uuid.UUID]map[*Client]struct{}),
		logger:  logger.With().Str("component", "ConnectionManager").Logger(),
	}
}

// Register добавляет клиента.
func (m *ConnectionManager) Register(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clients[c.UserID] == nil {
		m.clients[c.UserID] = make(map[*Client]struct{})
	}
	m.clients[c.UserID][c] = struct{}{}
	m.logger.Debug().Str("userID", c.UserID.String()).Int("connections", len(m.clients[c.UserID])).Msg("Client registered")
}

// Unregister удаляет клиента. Повторный вызов безопасен.
func (m *ConnectionManager) Unregister(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.clients[c.UserID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(m.clients, c.UserID)
	}
	m.logger.Debug().Str("userID", c.UserID.String()).Msg("Client unregistered")
}

// SendToUser ставит сообщение в очередь всех соединений пользователя.
// Возвращает число соединений, принявших сообщение.
func (m *ConnectionManager) SendToUser(userID uuid.UUID, message []byte) int {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.clients[userID]))
	for c := range m.clients[userID] {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.enqueue(message) {
			sent++
		} else {
			m.logger.Warn().Str("userID", userID.String()).Msg("Send queue is full or client is closing, message dropped")
		}
	}
	return sent
}

// Count возвращает число активных соединений.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.clients {
		n += len(set)
	}
	return n
}

// CloseAll закрывает все соединения при остановке сервиса.
func (m *ConnectionManager) CloseAll() {
	m.mu.RLock()
	var all []*Client
	for _, set := range m.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	m.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
}
