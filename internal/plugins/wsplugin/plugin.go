// Package wsplugin is the built-in capture plugin for WebSocket traffic: it
// records session lifecycle and frame events, and lets a rule substitute an
// outgoing or incoming frame's payload.
package wsplugin

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HapticTide/iOS-DebugProbe/internal/apierr"
	"github.com/HapticTide/iOS-DebugProbe/internal/events"
	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
	"github.com/HapticTide/iOS-DebugProbe/internal/rules"
)

const (
	PluginID   = "websocket"
	pluginName = "WebSocket Capture"
	version    = "1.0.0"
)

// Plugin implements kernel.Plugin for the WebSocket capture domain. It
// shares the rule engine shape from the HTTP path (§4.3's "all three
// engines share structure") to substitute a frame's payload; a substituted
// frame is the only case isMocked is ever true.
type Plugin struct {
	kernel.BasePlugin

	rewrite *rules.Engine
	ctx     *kernel.Context
	state   kernel.State

	// sessionURLs remembers the url a session was opened with, captured
	// once at sessionCreated, so every later frame can be matched against
	// a rule's urlPattern without the capture shim re-supplying it.
	mu          sync.Mutex
	sessionURLs map[string]string
}

func New() *Plugin {
	return &Plugin{
		rewrite:     rules.NewEngine(),
		state:       kernel.StateUninitialized,
		sessionURLs: make(map[string]string),
	}
}

func (p *Plugin) ID() string             { return PluginID }
func (p *Plugin) DisplayName() string    { return pluginName }
func (p *Plugin) Version() string        { return version }
func (p *Plugin) Dependencies() []string { return nil }

func (p *Plugin) Init(ctx *kernel.Context) error {
	p.ctx = ctx
	return nil
}

func (p *Plugin) Start() error {
	p.Enabled = true
	p.state = kernel.StateRunning
	return nil
}

func (p *Plugin) Stop() error {
	p.Enabled = false
	p.state = kernel.StateStopped
	return nil
}

func (p *Plugin) Pause() error {
	p.Enabled = false
	p.state = kernel.StatePaused
	return nil
}

func (p *Plugin) Resume() error {
	p.Enabled = true
	p.state = kernel.StateRunning
	return nil
}

// CaptureSessionCreated emits a session_created WSEvent and records url
// against sessionID, so later frames on this session can be rule-matched
// without the caller re-supplying it.
func (p *Plugin) CaptureSessionCreated(sessionID, url string) {
	p.mu.Lock()
	p.sessionURLs[sessionID] = url
	p.mu.Unlock()

	if !p.Enabled {
		return
	}
	p.emit(events.WSEvent{
		Envelope:  p.envelope(),
		Variant:   events.WSSessionCreated,
		SessionID: sessionID,
		Session:   &events.WSSession{SessionID: sessionID, URL: url},
	})
}

// CaptureSessionClosed emits a session_closed WSEvent and forgets the
// session's recorded url.
func (p *Plugin) CaptureSessionClosed(sessionID string, closeCode int, reason string) {
	p.mu.Lock()
	delete(p.sessionURLs, sessionID)
	p.mu.Unlock()

	if !p.Enabled {
		return
	}
	p.emit(events.WSEvent{
		Envelope:  p.envelope(),
		Variant:   events.WSSessionClosed,
		SessionID: sessionID,
		Session: &events.WSSession{
			SessionID: sessionID, CloseCode: closeCode, CloseReason: reason, DisconnectTime: time.Now(),
		},
	})
}

// CaptureFrame runs a captured frame through the rewrite engine and emits a
// frame WSEvent. It returns the (possibly substituted) payload for the
// capture shim to actually send/deliver, and whether a rule produced it.
// The session's url is whatever CaptureSessionCreated recorded for
// sessionID, not re-supplied here.
func (p *Plugin) CaptureFrame(sessionID string, direction events.WSDirection, opcode events.WSOpcode, payload []byte) ([]byte, bool) {
	if !p.Enabled {
		return payload, false
	}

	p.mu.Lock()
	url := p.sessionURLs[sessionID]
	p.mu.Unlock()

	target := rules.TargetWSOutgoing
	if direction == events.DirectionReceive {
		target = rules.TargetWSIncoming
	}

	outPayload := payload
	isMocked := false
	matchedRuleID := ""
	if r, ok := p.rewrite.Match(rules.MatchContext{URL: url, Target: target}); ok && r.Mock != nil {
		outPayload = r.Mock.Body
		isMocked = true
		matchedRuleID = r.ID
	}

	p.emit(events.WSEvent{
		Envelope:   p.envelope(),
		Variant:    events.WSFrame,
		SessionID:  sessionID,
		Direction:  direction,
		Opcode:     opcode,
		Payload:    outPayload,
		IsMocked:   isMocked,
		MockRuleID: matchedRuleID,
	})
	return outPayload, isMocked
}

func (p *Plugin) envelope() events.Envelope {
	return events.Envelope{ID: uuid.NewString(), Kind: events.KindWebSocket, Timestamp: time.Now()}
}

func (p *Plugin) emit(evt events.WSEvent) {
	if p.ctx != nil {
		p.ctx.EmitEvent(events.KindWebSocket, evt)
	}
}

type ruleCommandPayload struct {
	Rules  []rules.Rule `json:"rules,omitempty"`
	Rule   *rules.Rule  `json:"rule,omitempty"`
	RuleID string       `json:"ruleId,omitempty"`
}

func (p *Plugin) HandleCommand(cmd kernel.Command) kernel.CommandResponse {
	if resp, ok := p.HandleBaseCommand(cmd, p.state); ok {
		return resp
	}

	fail := func(err error) kernel.CommandResponse {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: err.Error()}
	}

	var payload ruleCommandPayload
	switch cmd.CommandType {
	case "update_rules":
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return fail(apierr.InvalidConfiguration("malformed update_rules payload"))
		}
		p.rewrite.Update(payload.Rules)
	case "add_rule":
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.Rule == nil {
			return fail(apierr.InvalidConfiguration("malformed add_rule payload"))
		}
		p.rewrite.Add(*payload.Rule)
	case "remove_rule":
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return fail(apierr.InvalidConfiguration("malformed remove_rule payload"))
		}
		p.rewrite.Remove(payload.RuleID)
	case "get_rules":
		body, _ := json.Marshal(map[string]any{"rules": p.rewrite.Rules()})
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true, Payload: body}
	default:
		return fail(apierr.InvalidConfiguration("unknown command type: " + cmd.CommandType))
	}
	return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true}
}
