// Package bridge implements the long-lived duplex connection to the Hub:
// the registration handshake, the durable outbound event queue, backoff
// reconnection, batched flush, and command dispatch with deadline
// enforcement.
package bridge

import (
	"encoding/json"
	"time"

	"github.com/HapticTide/iOS-DebugProbe/internal/deviceinfo"
)

// FrameType enumerates every known `{type, payload}` wire frame.
type FrameType string

const (
	FrameRegisterDevice       FrameType = "register_device"
	FrameRegisterAck          FrameType = "register_ack"
	FrameRegisterReject       FrameType = "register_reject"
	FrameEventsBatch          FrameType = "events_batch"
	FrameEventsAck            FrameType = "events_ack"
	FramePluginCommand        FrameType = "plugin_command"
	FramePluginCommandResp    FrameType = "plugin_command_response"
	FrameBreakpointHit        FrameType = "breakpoint_hit"
	FrameResumeBreakpoint     FrameType = "resume_breakpoint"
	FramePluginStateChanged   FrameType = "plugin_state_changed"
)

// Frame is the envelope every wire message shares.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterDevicePayload is sent immediately after socket-open.
type RegisterDevicePayload struct {
	deviceinfo.DeviceInfo
	Token        string                       `json:"token"`
	AppSessionID string                       `json:"appSessionId"`
	SDKVersion   string                       `json:"sdkVersion"`
	Plugins      []deviceinfo.PluginSummary   `json:"plugins"`
}

// RegisterRejectPayload carries the Hub's reason for refusing registration.
type RegisterRejectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// EventsBatchPayload wraps one flush's worth of serialized events.
type EventsBatchPayload struct {
	BatchID string            `json:"batchId"`
	Events  []json.RawMessage `json:"events"`
}

// EventsAckPayload acknowledges a delivered batch so it can be purged from
// the queue.
type EventsAckPayload struct {
	BatchID string `json:"batchId"`
}

// PluginCommandPayload is an inbound command routed to a plugin.
type PluginCommandPayload struct {
	PluginID    string          `json:"pluginId"`
	CommandID   string          `json:"commandId"`
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// PluginCommandResponsePayload is what the kernel hands back for a routed
// command; CommandID must equal the originating PluginCommandPayload's.
type PluginCommandResponsePayload struct {
	PluginID     string          `json:"pluginId"`
	CommandID    string          `json:"commandId"`
	Success      bool            `json:"success"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// BreakpointHitPayload is sent when a request- or response-side breakpoint
// rule matches.
type BreakpointHitPayload struct {
	RequestID string          `json:"requestId"`
	Request   json.RawMessage `json:"request"`
}

// ResumeBreakpointPayload resolves a suspended breakpoint wait.
type ResumeBreakpointPayload struct {
	RequestID        string          `json:"requestId"`
	Action           string          `json:"action"`
	ModifiedRequest  json.RawMessage `json:"modifiedRequest,omitempty"`
	ModifiedResponse json.RawMessage `json:"modifiedResponse,omitempty"`
}

// PluginStateChangedPayload announces a plugin's lifecycle transition.
type PluginStateChangedPayload struct {
	PluginID string `json:"pluginId"`
	State    string `json:"state"`
}

func encode(frameType FrameType, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Payload: raw}, nil
}

// nowISO8601 renders t per §6's "Timestamps are ISO-8601" rule.
func nowISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
