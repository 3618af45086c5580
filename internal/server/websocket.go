package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lightdeck/lightdeck/internal/bus"
	"github.com/lightdeck/lightdeck/internal/catalog"
	"github.com/lightdeck/lightdeck/internal/effects"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // LAN tool, no cross-origin policy
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Client -> server message types. Everything else is ignored.
const (
	wsMsgDiscoverDevices = "discover_devices"
	wsMsgPlaySound       = "play_sound"
	wsMsgTriggerEffect   = "trigger_effect"
)

// wsEnvelope is the message frame in both directions.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// hub tracks the connected push clients.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
}

func newHub() *hub {
	return &hub{clients: make(map[*wsClient]bool)}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// run pumps bus events to every connected client until ctx is cancelled.
func (h *hub) run(ctx context.Context, sub *bus.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			h.broadcastEvent(ev)
		}
	}
}

func (h *hub) broadcastEvent(ev bus.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(wsEnvelope{Type: ev.Type, Payload: payload})
	if err != nil {
		return
	}

	h.mu.Lock()
	for c := range h.clients {
		c.enqueue(data)
	}
	h.mu.Unlock()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// wsClient is one connected dashboard.
type wsClient struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		id:     uuid.New().String(),
		server: s,
		conn:   conn,
		send:   make(chan []byte, 256),
	}
	s.hub.add(client)
	s.log.Debug().Str("client", client.id).Msg("websocket connected")

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.hub.remove(c)
		c.close()
		c.server.log.Debug().Str("client", c.id).Msg("websocket disconnected")
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug().Err(err).Str("client", c.id).Msg("websocket read")
			}
			return
		}

		var msg wsEnvelope
		if err := json.Unmarshal(message, &msg); err != nil {
			c.server.log.Debug().Err(err).Str("client", c.id).Msg("unparseable websocket message")
			continue
		}
		c.server.handleClientMessage(msg)
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// enqueue hands a frame to the write pump. A client that cannot keep up is
// dropped rather than allowed to stall the hub.
func (c *wsClient) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.closed = true
		close(c.send)
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// handleClientMessage dispatches one inbound websocket command.
func (s *Server) handleClientMessage(msg wsEnvelope) {
	switch msg.Type {
	case wsMsgDiscoverDevices:
		if err := s.disc.Discover(); err != nil {
			s.log.Warn().Err(err).Msg("discovery trigger failed")
		}

	case wsMsgPlaySound:
		var req struct {
			ButtonID int `json:"buttonId"`
		}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		if err := s.playSound(req.ButtonID); err != nil {
			s.log.Warn().Err(err).Int("button", req.ButtonID).Msg("play_sound failed")
		}

	case wsMsgTriggerEffect:
		var req struct {
			DeviceID   int    `json:"deviceId"`
			EffectType string `json:"effectType"`
			Duration   int    `json:"duration"`
		}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		if err := s.triggerPreset(req.DeviceID, req.EffectType); err != nil {
			s.log.Warn().Err(err).Str("effect", req.EffectType).Msg("trigger_effect failed")
		}

	default:
		s.log.Debug().Str("type", msg.Type).Msg("ignoring unknown websocket message")
	}
}

// playSound fans out a sound_played event (the dashboards hold the audio)
// and starts the button's linked lighting effect, if any.
func (s *Server) playSound(buttonID int) error {
	btn, err := s.store.SoundButton(buttonID)
	if err != nil {
		return err
	}

	s.publish(bus.TypeSoundPlayed, map[string]any{
		"buttonId":  btn.ID,
		"timestamp": time.Now().UnixMilli(),
	})

	if btn.LightEffect == "" || btn.LightEffect == catalog.LightEffectNone {
		return nil
	}
	effectID, err := strconv.Atoi(btn.LightEffect)
	if err != nil {
		return nil // legacy sentinel values are not an error
	}
	eff, err := s.store.LightingEffect(effectID)
	if err != nil {
		return err
	}
	_, err = s.effects.Start(effectKey(eff.ID), &eff.Script, btn.TargetDevices, effects.StartOptions{})
	return err
}

// triggerPreset starts a lighting effect by name against one device.
func (s *Server) triggerPreset(deviceID int, effectType string) error {
	for _, eff := range s.store.LightingEffects() {
		if strings.EqualFold(eff.Name, effectType) {
			_, err := s.effects.Start(effectKey(eff.ID), &eff.Script, []int{deviceID}, effects.StartOptions{})
			return err
		}
	}
	return catalog.ErrNotFound
}
