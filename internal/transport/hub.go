// Package transport — привязка устройств к живым сессиям и websocket-шлюз.
// Привязка — слабая: её снятие не трогает запись Device в registry.
package transport

import "sync"

// Исходящие типы сообщений контроллера.
const (
	MsgUpdateAvailable = "update:available"
	MsgSyncComplete    = "sync:complete"
	MsgConfigUpdate    = "config:update"
	MsgRegistered      = "registered"
)

// Session — живое соединение с одним устройством.
type Session interface {
	ConnID() string
	Send(msgType string, data any) error
	Close() error
}

// Hub — таблица привязок: connId → deviceId и deviceId → сессия.
// Отдельная от Device-записи, чтобы lifecycle привязки был явным.
type Hub struct {
	mu       sync.RWMutex
	byConn   map[string]string  // connId → deviceId
	byDevice map[string]Session // deviceId → сессия
}

func NewHub() *Hub {
	return &Hub{
		byConn:   map[string]string{},
		byDevice: map[string]Session{},
	}
}

// Bind привязывает сессию к устройству. Старая сессия того же устройства
// (reconnect) закрывается и замещается.
func (h *Hub) Bind(deviceID string, s Session) {
	h.mu.Lock()
	old, had := h.byDevice[deviceID]
	h.byDevice[deviceID] = s
	h.byConn[s.ConnID()] = deviceID
	if had && old.ConnID() != s.ConnID() {
		delete(h.byConn, old.ConnID())
	}
	h.mu.Unlock()
	if had && old.ConnID() != s.ConnID() {
		_ = old.Close()
	}
}

// UnbindConn снимает привязку по connId; возвращает deviceId, если была.
// Если за это время устройство успело переподключиться другой сессией,
// привязка не трогается.
func (h *Hub) UnbindConn(connID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	deviceID, ok := h.byConn[connID]
	if !ok {
		return "", false
	}
	delete(h.byConn, connID)
	if s, ok := h.byDevice[deviceID]; ok && s.ConnID() == connID {
		delete(h.byDevice, deviceID)
		return deviceID, true
	}
	return "", false
}

func (h *Hub) SessionFor(deviceID string) (Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byDevice[deviceID]
	return s, ok
}

func (h *Hub) DeviceFor(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.byConn[connID]
	return id, ok
}

// Send доставляет сообщение устройству; no-op без живой привязки.
func (h *Hub) Send(deviceID, msgType string, data any) bool {
	s, ok := h.SessionFor(deviceID)
	if !ok {
		return false
	}
	return s.Send(msgType, data) == nil
}

func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byDevice)
}
