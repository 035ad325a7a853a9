package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"fleetd/internal/logs"
	"fleetd/internal/models"
)

// Envelope — формат кадра в обе стороны: {"type": "...", "data": {...}}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound — обработчик входящих глаголов устройства; реализуется fleet.Controller.
// Все методы, кроме Register, молча игнорируют неизвестные устройства.
type Inbound interface {
	Register(connID string, s Session, info models.RegisterInfo) (*models.Device, error)
	Disconnect(connID string)
	Heartbeat(deviceID string, rep models.HeartbeatReport)
	ScanEvent(deviceID string, ev models.ScanEvent)
	SyncRequest(deviceID string)
	UpdateResponse(deviceID string, resp models.UpdateResponse)
	ConfigAck(deviceID string, payload json.RawMessage)
	ErrorReport(deviceID string, rep models.ErrorReport)
}

// Gateway — websocket-шлюз для устройств. Одно соединение — одно устройство.
type Gateway struct {
	inbound  Inbound
	secret   string
	upgrader websocket.Upgrader
}

func NewGateway(inbound Inbound, sharedSecret string) *Gateway {
	return &Gateway{
		inbound: inbound,
		secret:  sharedSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// агенты ходят не из браузера; Origin не проверяем
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func RegisterRoutes(r *mux.Router, gw *Gateway) {
	r.HandleFunc("/fleet/ws", gw.handleWS).Methods(http.MethodGet)
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("secret") != g.secret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Logger.Debugf("ws upgrade failed: %v", err)
		return
	}
	s := &wsSession{id: uuid.NewString(), conn: conn}
	go g.readLoop(s)
}

func (g *Gateway) readLoop(s *wsSession) {
	defer func() {
		g.inbound.Disconnect(s.id)
		_ = s.Close()
	}()

	registered := false
	deviceID := ""
	for {
		var env Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			logs.Logger.Debugf("ws conn=%s closed: %v", s.id, err)
			return
		}

		if !registered {
			// до регистрации принимаем только register
			if env.Type != "register" {
				logs.Logger.Debugf("ws conn=%s dropped %q before register", s.id, env.Type)
				continue
			}
			var info models.RegisterInfo
			if len(env.Data) > 0 {
				if err := json.Unmarshal(env.Data, &info); err != nil {
					logs.Logger.Debugf("ws conn=%s bad register payload: %v", s.id, err)
					continue
				}
			}
			dev, err := g.inbound.Register(s.id, s, info)
			if err != nil {
				logs.Logger.Warnf("ws conn=%s register rejected: %v", s.id, err)
				return
			}
			registered = true
			deviceID = dev.DeviceID
			_ = s.Send(MsgRegistered, dev)
			continue
		}

		g.dispatch(deviceID, env)
	}
}

func (g *Gateway) dispatch(deviceID string, env Envelope) {
	switch env.Type {
	case "heartbeat":
		var rep models.HeartbeatReport
		if json.Unmarshal(env.Data, &rep) == nil {
			g.inbound.Heartbeat(deviceID, rep)
		}
	case "scan:event":
		var ev models.ScanEvent
		if json.Unmarshal(env.Data, &ev) == nil {
			g.inbound.ScanEvent(deviceID, ev)
		}
	case "sync:request":
		g.inbound.SyncRequest(deviceID)
	case "update:response":
		var resp models.UpdateResponse
		if json.Unmarshal(env.Data, &resp) == nil {
			g.inbound.UpdateResponse(deviceID, resp)
		}
	case "config:ack":
		g.inbound.ConfigAck(deviceID, env.Data)
	case "error:report":
		var rep models.ErrorReport
		if json.Unmarshal(env.Data, &rep) == nil {
			g.inbound.ErrorReport(deviceID, rep)
		}
	default:
		logs.Logger.Debugf("ws device=%s unknown message type %q", deviceID, env.Type)
	}
}

/* ───── сессия ───── */

type wsSession struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // гонки на gorilla write
}

func (s *wsSession) ConnID() string { return s.id }

func (s *wsSession) Send(msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(Envelope{Type: msgType, Data: raw})
}

func (s *wsSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
