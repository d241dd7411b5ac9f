// Package httpplugin is the built-in capture/intervention plugin for the
// HTTP path: it owns the Mock, Chaos, and Breakpoint rule engines, drives
// the capture-and-intervene pipeline, and exposes an http.RoundTripper the
// host wraps its transport with.
package httpplugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/HapticTide/iOS-DebugProbe/internal/apierr"
	"github.com/HapticTide/iOS-DebugProbe/internal/capture"
	"github.com/HapticTide/iOS-DebugProbe/internal/events"
	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
	"github.com/HapticTide/iOS-DebugProbe/internal/logging"
	"github.com/HapticTide/iOS-DebugProbe/internal/rules"
)

const (
	PluginID   = "http"
	pluginName = "HTTP Capture"
	version    = "1.0.0"

	defaultMaxBodyBytes = 1 << 20 // 1 MiB
)

// config is what set_config replaces as a whole. defaultConfig captures
// headers and bodies up to the default body cap; in a set_config payload an
// omitted captureHeaders or captureBody is false, and an omitted or
// non-positive maxBodyBytes falls back to the default cap.
type config struct {
	CaptureHeaders bool `json:"captureHeaders"`
	CaptureBody    bool `json:"captureBody"`
	MaxBodyBytes   int  `json:"maxBodyBytes,omitempty"`
}

func defaultConfig() config {
	return config{CaptureHeaders: true, CaptureBody: true, MaxBodyBytes: defaultMaxBodyBytes}
}

// Plugin implements kernel.Plugin for the HTTP capture domain.
type Plugin struct {
	kernel.BasePlugin

	mock       *rules.Engine
	chaos      *rules.Engine
	breakpoint *rules.Engine
	waiters    *rules.Waiters
	pipeline   *capture.Pipeline

	ctx   *kernel.Context
	cfg   config
	state kernel.State

	// Underlying is the real transport used once the pipeline decides to
	// proceed to the network. Defaults to http.DefaultTransport.
	Underlying http.RoundTripper
}

// New constructs an unstarted http plugin.
func New() *Plugin {
	return &Plugin{
		mock:       rules.NewEngine(),
		chaos:      rules.NewEngine(),
		breakpoint: rules.NewEngine(),
		waiters:    rules.NewWaiters(),
		cfg:        defaultConfig(),
		state:      kernel.StateUninitialized,
		Underlying: http.DefaultTransport,
	}
}

func (p *Plugin) ID() string          { return PluginID }
func (p *Plugin) DisplayName() string { return pluginName }
func (p *Plugin) Version() string     { return version }
func (p *Plugin) Dependencies() []string { return nil }

// Init wires the pipeline to the shared bus and arms the breakpoint-hit
// notification path back to the bridge.
func (p *Plugin) Init(ctx *kernel.Context) error {
	p.ctx = ctx
	p.pipeline = capture.New(capture.Engines{
		Mock:       p.mock,
		Chaos:      p.chaos,
		Breakpoint: p.breakpoint,
		Waiters:    p.waiters,
	}, ctx.Bus)
	p.pipeline.BreakpointHit = func(requestID string, req events.HTTPRequest) {
		payload, err := json.Marshal(req)
		if err != nil {
			logging.For("httpplugin").Warn().Err(err).Msg("failed to marshal breakpoint snapshot")
			return
		}
		ctx.EmitBreakpointHit(requestID, payload)
	}
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
	p.waiters.AbortAll()
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

// RoundTrip is the capture shim: every host request bound for the network
// flows through here. When the plugin is disabled it passes through
// untouched.
func (p *Plugin) RoundTrip(req *http.Request) (*http.Response, error) {
	if !p.Enabled {
		return p.Underlying.RoundTrip(req)
	}

	evtReq, err := p.toEventRequest(req)
	if err != nil {
		return nil, err
	}

	outcome := p.pipeline.ProcessRequest(req.Context(), evtReq)
	if outcome.ShortCircuit {
		if outcome.Aborted {
			return nil, fmt.Errorf("httpplugin: request aborted by breakpoint")
		}
		return toHTTPResponse(outcome.Response), nil
	}

	start := time.Now()
	resp, err := p.Underlying.RoundTrip(withBody(req, outcome.Request.Body))
	if err != nil {
		errResp := &events.HTTPResponse{
			DurationMs: time.Since(start).Milliseconds(),
			Error: &events.NetworkError{
				Domain:         "debugprobe.transport",
				Category:       events.CategoryNetwork,
				IsNetworkError: true,
				Message:        err.Error(),
			},
		}
		p.pipeline.ProcessResponse(outcome.Request, *errResp)
		return nil, err
	}

	var body []byte
	if p.cfg.CaptureBody {
		body, resp.Body = captureBody(resp.Body, p.cfg.MaxBodyBytes)
	}

	evtResp := events.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeader(resp.Header, p.cfg.CaptureHeaders),
		Body:       body,
		DurationMs: time.Since(start).Milliseconds(),
	}
	processed := p.pipeline.ProcessResponse(outcome.Request, evtResp)
	if processed.Body != nil && !bytes.Equal(processed.Body, body) {
		resp.Body = io.NopCloser(bytes.NewReader(processed.Body))
	}
	return resp, nil
}

func (p *Plugin) toEventRequest(req *http.Request) (events.HTTPRequest, error) {
	var body []byte
	if p.cfg.CaptureBody && req.Body != nil {
		captured, rc := captureBody(req.Body, p.cfg.MaxBodyBytes)
		req.Body = rc
		body = captured
	}
	return events.HTTPRequest{
		ID:        uuid.NewString(),
		Method:    req.Method,
		URL:       req.URL.String(),
		Headers:   flattenHeader(req.Header, p.cfg.CaptureHeaders),
		Body:      body,
		StartTime: time.Now(),
	}, nil
}

// HandleCommand answers the baseline verbs plus the rule-set and
// HTTP-specific command surface described in §6.
func (p *Plugin) HandleCommand(cmd kernel.Command) kernel.CommandResponse {
	if resp, ok := p.HandleBaseCommand(cmd, p.state); ok {
		return resp
	}

	switch cmd.CommandType {
	case "update_rules", "add_rule", "remove_rule", "get_rules":
		return p.handleRuleCommand(cmd)
	case "set_config":
		return p.handleSetConfig(cmd)
	case "replay":
		return p.handleReplay(cmd)
	case "resume_breakpoint":
		return p.handleResumeBreakpoint(cmd)
	default:
		return kernel.CommandResponse{
			PluginID: cmd.PluginID, CommandID: cmd.CommandID,
			Success: false, ErrorMessage: apierr.InvalidConfiguration("unknown command type: " + cmd.CommandType).Error(),
		}
	}
}

func (p *Plugin) engineFor(name string) *rules.Engine {
	switch name {
	case "mock":
		return p.mock
	case "chaos":
		return p.chaos
	case "breakpoint":
		return p.breakpoint
	default:
		return nil
	}
}

type ruleCommandPayload struct {
	Engine string      `json:"engine"`
	Rules  []rules.Rule `json:"rules,omitempty"`
	Rule   *rules.Rule  `json:"rule,omitempty"`
	RuleID string       `json:"ruleId,omitempty"`
}

func (p *Plugin) handleRuleCommand(cmd kernel.Command) kernel.CommandResponse {
	fail := func(err error) kernel.CommandResponse {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: err.Error()}
	}

	var payload ruleCommandPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return fail(apierr.InvalidConfiguration("malformed rule command payload"))
	}
	engine := p.engineFor(payload.Engine)
	if engine == nil {
		return fail(apierr.InvalidConfiguration("unknown rule engine: " + payload.Engine))
	}

	switch cmd.CommandType {
	case "update_rules":
		engine.Update(payload.Rules)
	case "add_rule":
		if payload.Rule == nil {
			return fail(apierr.InvalidConfiguration("add_rule requires a rule"))
		}
		engine.Add(*payload.Rule)
	case "remove_rule":
		engine.Remove(payload.RuleID)
	case "get_rules":
		body, _ := json.Marshal(map[string]any{"engine": payload.Engine, "rules": engine.Rules()})
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true, Payload: body}
	}
	return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true}
}

func (p *Plugin) handleSetConfig(cmd kernel.Command) kernel.CommandResponse {
	var c config
	if err := json.Unmarshal(cmd.Payload, &c); err != nil {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("malformed set_config payload").Error()}
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	p.cfg = c
	return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true}
}

type replayPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// handleReplay re-issues a previously captured request through the exact
// same pipeline and transport path as a live request, letting a developer
// resend a request from the Hub unmodified or with edits.
func (p *Plugin) handleReplay(cmd kernel.Command) kernel.CommandResponse {
	var rp replayPayload
	if err := json.Unmarshal(cmd.Payload, &rp); err != nil {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("malformed replay payload").Error()}
	}
	if rp.Method == "" {
		rp.Method = http.MethodGet
	}

	req, err := http.NewRequest(rp.Method, rp.URL, bytes.NewReader(rp.Body))
	if err != nil {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration(err.Error()).Error()}
	}
	for k, v := range rp.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.RoundTrip(req)
	if err != nil {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	payload, _ := json.Marshal(map[string]any{"statusCode": resp.StatusCode, "body": body})
	return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true, Payload: payload}
}

type resumePayload struct {
	RequestID        string          `json:"requestId"`
	Action           string          `json:"action"`
	ModifiedRequest  json.RawMessage `json:"modifiedRequest,omitempty"`
	ModifiedResponse json.RawMessage `json:"modifiedResponse,omitempty"`
}

func (p *Plugin) handleResumeBreakpoint(cmd kernel.Command) kernel.CommandResponse {
	var rp resumePayload
	if err := json.Unmarshal(cmd.Payload, &rp); err != nil {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("malformed resume_breakpoint payload").Error()}
	}
	if !p.resolveBreakpoint(rp.RequestID, rp.Action, rp.ModifiedRequest, rp.ModifiedResponse) {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("no pending breakpoint for requestId " + rp.RequestID).Error()}
	}
	return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true}
}

// ResumeFromBridge resolves a suspended breakpoint wait from a
// resume_breakpoint frame delivered directly by the bridge client, bypassing
// the usual command dispatch path (resume_breakpoint is its own frame type,
// not a plugin_command). Reports whether a matching wait was found.
func (p *Plugin) ResumeFromBridge(requestID, action string, modifiedRequest, modifiedResponse json.RawMessage) bool {
	return p.resolveBreakpoint(requestID, action, modifiedRequest, modifiedResponse)
}

// resolveBreakpoint is the shared implementation behind handleResumeBreakpoint and
// ResumeFromBridge.
func (p *Plugin) resolveBreakpoint(requestID, action string, modifiedRequest, modifiedResponse json.RawMessage) bool {
	return p.waiters.Resolve(requestID, rules.ResumeResult{
		Action:           rules.ResumeAction(action),
		ModifiedRequest:  []byte(modifiedRequest),
		ModifiedResponse: []byte(modifiedResponse),
	})
}

func flattenHeader(h http.Header, capture bool) map[string]string {
	if !capture || len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func captureBody(body io.ReadCloser, maxBytes int) ([]byte, io.ReadCloser) {
	if body == nil {
		return nil, http.NoBody
	}
	defer body.Close()
	limited := io.LimitReader(body, int64(maxBytes))
	data, _ := io.ReadAll(limited)
	return data, io.NopCloser(bytes.NewReader(data))
}

func withBody(req *http.Request, body []byte) *http.Request {
	if body == nil {
		return req
	}
	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	return clone
}

func toHTTPResponse(resp *events.HTTPResponse) *http.Response {
	if resp == nil {
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: http.Header{}}
	}
	header := http.Header{}
	for k, v := range resp.Headers {
		header.Set(k, v)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(resp.Body)),
	}
}
