// Command hubsim is a fake Hub: a standalone server that speaks the same
// `{type, payload}` WebSocket protocol the bridge client dials, so a
// developer can exercise an embedded probe end-to-end without an actual
// Hub application. It accepts one registration, echoes events_batch
// frames as events_ack, logs each received batch's id and event count, and
// exposes a small
// HTTP surface for poking plugin_command frames at the connected agent
// from curl.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/HapticTide/iOS-DebugProbe/internal/bridge"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

func main() {
	port := getEnv("HUBSIM_PORT", "9527")

	hub := newHub()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/debug-bridge", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("hubsim: upgrade failed: %v", err)
			return
		}
		hub.serve(conn)
	})

	r.POST("/simulate/command", func(c *gin.Context) {
		var req struct {
			PluginID    string          `json:"pluginId"`
			CommandID   string          `json:"commandId"`
			CommandType string          `json:"commandType"`
			Payload     json.RawMessage `json:"payload"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.CommandID == "" {
			req.CommandID = fmt.Sprintf("sim-%d", time.Now().UnixNano())
		}
		if err := hub.sendCommand(req.PluginID, req.CommandID, req.CommandType, req.Payload); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"commandId": req.CommandID})
	})

	r.GET("/simulate/events", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.recentEvents())
	})

	addr := "127.0.0.1:" + port
	log.Printf("hubsim: listening on %s (ws: /debug-bridge, http: /simulate/command, /simulate/events)", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("hubsim: server exited: %v", err)
	}
}

// hub tracks the single connected agent hubsim expects at a time; a real
// Hub fans this out across many devices, but local testing only ever
// drives one.
type hub struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	events []json.RawMessage
}

func newHub() *hub {
	return &hub{events: make([]json.RawMessage, 0, 256)}
}

func (h *hub) serve(conn *websocket.Conn) {
	defer conn.Close()

	var reg bridge.RegisterDevicePayload
	var frame bridge.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		log.Printf("hubsim: reading register_device: %v", err)
		return
	}
	if frame.Type != bridge.FrameRegisterDevice {
		h.reject(conn, "expected register_device as the first frame")
		return
	}
	if err := json.Unmarshal(frame.Payload, &reg); err != nil {
		h.reject(conn, "malformed register_device payload")
		return
	}
	log.Printf("hubsim: device %s (%s %s) registered with %d plugins", reg.DeviceID, reg.OSName, reg.OSVersion, len(reg.Plugins))

	ack, _ := json.Marshal(bridge.Frame{Type: bridge.FrameRegisterAck})
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		log.Printf("hubsim: sending register_ack: %v", err)
		return
	}

	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.conn == conn {
			h.conn = nil
		}
		h.mu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var in bridge.Frame
		if err := conn.ReadJSON(&in); err != nil {
			log.Printf("hubsim: connection closed: %v", err)
			return
		}
		h.handleFrame(conn, in)
	}
}

func (h *hub) handleFrame(conn *websocket.Conn, frame bridge.Frame) {
	switch frame.Type {
	case bridge.FrameEventsBatch:
		var batch bridge.EventsBatchPayload
		if err := json.Unmarshal(frame.Payload, &batch); err != nil {
			return
		}
		h.mu.Lock()
		h.events = append(h.events, batch.Events...)
		if len(h.events) > 500 {
			h.events = h.events[len(h.events)-500:]
		}
		h.mu.Unlock()
		log.Printf("hubsim: received events_batch %s (%d events)", batch.BatchID, len(batch.Events))

		ack, err := json.Marshal(bridge.Frame{Type: bridge.FrameEventsAck, Payload: mustMarshal(bridge.EventsAckPayload{BatchID: batch.BatchID})})
		if err == nil {
			h.write(conn, ack)
		}
	case bridge.FramePluginCommandResp:
		var resp bridge.PluginCommandResponsePayload
		if err := json.Unmarshal(frame.Payload, &resp); err == nil {
			log.Printf("hubsim: plugin_command_response %s success=%v", resp.CommandID, resp.Success)
		}
	case bridge.FrameBreakpointHit:
		var bp bridge.BreakpointHitPayload
		if err := json.Unmarshal(frame.Payload, &bp); err == nil {
			log.Printf("hubsim: breakpoint_hit requestId=%s", bp.RequestID)
		}
	}
}

func (h *hub) sendCommand(pluginID, commandID, commandType string, payload json.RawMessage) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no agent is currently connected")
	}
	frame := bridge.Frame{Type: bridge.FramePluginCommand, Payload: mustMarshal(bridge.PluginCommandPayload{
		PluginID:    pluginID,
		CommandID:   commandID,
		CommandType: commandType,
		Payload:     payload,
	})}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return h.write(conn, raw)
}

func (h *hub) recentEvents() []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]json.RawMessage, len(h.events))
	copy(out, h.events)
	return out
}

func (h *hub) reject(conn *websocket.Conn, reason string) {
	frame := bridge.Frame{Type: bridge.FrameRegisterReject, Payload: mustMarshal(bridge.RegisterRejectPayload{Reason: reason})}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.write(conn, raw)
}

func (h *hub) write(conn *websocket.Conn, raw []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
