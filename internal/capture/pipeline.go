// Package capture implements the HTTP capture-and-intervene pipeline: the
// sequential stage machine a capture shim drives on every outbound host
// request and its response, applying mock/chaos/breakpoint rules mid-flight
// before handing the resulting HTTPEvent downstream.
package capture

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/HapticTide/iOS-DebugProbe/internal/events"
	"github.com/HapticTide/iOS-DebugProbe/internal/rules"
)

// Engines bundles the three rule engines and breakpoint waiter table the
// pipeline consults. Held by reference so a single instance is shared
// across every request the pipeline processes.
type Engines struct {
	Mock       *rules.Engine
	Chaos      *rules.Engine
	Breakpoint *rules.Engine
	Waiters    *rules.Waiters
}

// Pipeline runs the request/response stage machine and emits the resulting
// HTTPEvent onto bus.
type Pipeline struct {
	engines Engines
	bus     *events.Bus
	// BreakpointHit is invoked synchronously when a request-side
	// breakpoint matches, before the pipeline suspends; the caller (the
	// breakpoint plugin) is responsible for sending breakpoint_hit to the
	// Hub. It must return before Create's channel can usefully be waited
	// on, so the plugin creates the waiter itself and passes the receive
	// channel back is avoided — instead the pipeline creates the waiter
	// and the callback only notifies.
	BreakpointHit func(requestID string, req events.HTTPRequest)
}

// New constructs a Pipeline over the given engines, publishing to bus.
func New(engines Engines, bus *events.Bus) *Pipeline {
	return &Pipeline{engines: engines, bus: bus}
}

// Outcome is what ProcessRequest decides: proceed to the real network with
// (possibly modified) req, or short-circuit with a synthesized response or
// failure.
type Outcome struct {
	Request        events.HTTPRequest
	ShortCircuit   bool
	Response       *events.HTTPResponse
	MatchedRuleID  string
	Aborted        bool
}

// ProcessRequest runs mock-request → breakpoint-request → chaos-request in
// that order, per §4.2's ordering rationale: a matched mock eliminates the
// need for the rest; breakpoint runs before chaos so a developer can
// inspect a real, non-mocked request; chaos models transport faults and so
// runs last, immediately before the (possible) network call.
func (p *Pipeline) ProcessRequest(ctx context.Context, req events.HTTPRequest) Outcome {
	req, mockResp, mockRuleID := p.mockRequest(req)
	if mockResp != nil {
		p.emit(req, mockResp, mockRuleID)
		return Outcome{Request: req, ShortCircuit: true, Response: mockResp, MatchedRuleID: mockRuleID}
	}

	bpOutcome, proceedReq, ok := p.breakpointRequest(ctx, req)
	if !ok {
		switch bpOutcome.kind {
		case bpAbort:
			resp := networkErrorResponse(events.CategoryCancelled, "request aborted by breakpoint")
			p.emit(req, resp, "")
			return Outcome{Request: req, ShortCircuit: true, Response: resp, Aborted: true}
		case bpRespond:
			p.emit(req, bpOutcome.response, "")
			return Outcome{Request: req, ShortCircuit: true, Response: bpOutcome.response}
		}
	}
	req = proceedReq

	chaosResp, failed := p.chaosRequest(req)
	if failed != nil {
		p.emit(req, failed, "")
		return Outcome{Request: req, ShortCircuit: true, Response: failed}
	}
	if chaosResp != nil {
		p.emit(req, chaosResp, "")
		return Outcome{Request: req, ShortCircuit: true, Response: chaosResp}
	}

	return Outcome{Request: req, ShortCircuit: false}
}

// mockRequest implements the mock-request stage: first matching enabled
// mock rule targeting http-response wins, producing a canned response with
// duration 0.
func (p *Pipeline) mockRequest(req events.HTTPRequest) (events.HTTPRequest, *events.HTTPResponse, string) {
	if p.engines.Mock == nil {
		return req, nil, ""
	}
	r, ok := p.engines.Mock.Match(rules.MatchContext{URL: req.URL, Method: req.Method, Target: rules.TargetHTTPResponse})
	if !ok || r.Mock == nil {
		return req, nil, ""
	}
	return req, &events.HTTPResponse{
		StatusCode: r.Mock.StatusCode,
		Headers:    r.Mock.Headers,
		Body:       r.Mock.Body,
		DurationMs: 0,
	}, r.ID
}

type bpKind int

const (
	bpProceed bpKind = iota
	bpAbort
	bpRespond
)

type bpResult struct {
	kind     bpKind
	response *events.HTTPResponse
}

// breakpointRequest implements the breakpoint-request stage. A matched
// request-side breakpoint rule suspends the caller on a one-shot waiter
// created before BreakpointHit fires, so a resume racing in immediately
// cannot be lost. No engine lock is held across the wait.
func (p *Pipeline) breakpointRequest(ctx context.Context, req events.HTTPRequest) (bpResult, events.HTTPRequest, bool) {
	if p.engines.Breakpoint == nil {
		return bpResult{}, req, true
	}
	r, ok := p.engines.Breakpoint.Match(rules.MatchContext{URL: req.URL, Method: req.Method, Target: rules.TargetHTTPRequest})
	if !ok {
		return bpResult{}, req, true
	}

	requestID := req.ID
	if requestID == "" {
		requestID = uuid.NewString()
		req.ID = requestID
	}
	recv := p.engines.Waiters.Create(requestID)
	if p.BreakpointHit != nil {
		p.BreakpointHit(requestID, req)
	}

	var result rules.ResumeResult
	select {
	case result = <-recv:
	case <-ctx.Done():
		// Cancellation of the underlying host request completes the
		// waiter with Abort rather than leaving it suspended forever.
		result = rules.ResumeResult{Action: rules.ActionAbort}
	}
	switch result.Action {
	case rules.ActionAbort:
		return bpResult{kind: bpAbort}, req, false
	case rules.ActionModify:
		if len(result.ModifiedRequest) > 0 {
			req.Body = result.ModifiedRequest
		}
		return bpResult{kind: bpProceed}, req, true
	default: // resume
		return bpResult{kind: bpProceed}, req, true
	}
}

// chaosRequest implements the chaos-request stage: a probability gate
// followed by the fault mapping {Delay sleeps and proceeds; Timeout /
// ConnectionReset / Drop fail with the matching error category;
// ErrorResponse synthesizes a response}.
func (p *Pipeline) chaosRequest(req events.HTTPRequest) (resp *events.HTTPResponse, failure *events.HTTPResponse) {
	if p.engines.Chaos == nil {
		return nil, nil
	}
	r, ok := p.engines.Chaos.Match(rules.MatchContext{URL: req.URL, Method: req.Method, Target: rules.TargetHTTPRequest})
	if !ok || r.Chaos == nil {
		return nil, nil
	}
	if !rules.RollProbability(r.Chaos.Probability) {
		return nil, nil
	}

	switch r.Chaos.Action {
	case rules.ChaosDelay:
		time.Sleep(time.Duration(r.Chaos.DelayMs) * time.Millisecond)
		return nil, nil
	case rules.ChaosTimeout:
		return nil, networkErrorResponse(events.CategoryTimeout, "chaos: simulated timeout")
	case rules.ChaosConnectionReset:
		return nil, networkErrorResponse(events.CategoryNetwork, "chaos: simulated connection reset")
	case rules.ChaosDrop:
		return nil, networkErrorResponse(events.CategoryNetwork, "chaos: simulated dropped connection")
	case rules.ChaosErrorResponse:
		return &events.HTTPResponse{StatusCode: r.Chaos.StatusCode, DurationMs: 0}, nil
	default:
		return nil, nil
	}
}

// ProcessResponse runs chaos-response → breakpoint-response on a real
// network response before it's emitted.
func (p *Pipeline) ProcessResponse(req events.HTTPRequest, resp events.HTTPResponse) events.HTTPResponse {
	resp = p.chaosResponse(req, resp)
	resp = p.breakpointResponse(req, resp)
	p.emit(req, &resp, "")
	return resp
}

// chaosResponse may corrupt the body: overwrite ~1% of bytes at random
// positions, per §4.2.
func (p *Pipeline) chaosResponse(req events.HTTPRequest, resp events.HTTPResponse) events.HTTPResponse {
	if p.engines.Chaos == nil || len(resp.Body) == 0 {
		return resp
	}
	r, ok := p.engines.Chaos.Match(rules.MatchContext{URL: req.URL, Method: req.Method, Target: rules.TargetHTTPResponse})
	if !ok || r.Chaos == nil || !rules.RollProbability(r.Chaos.Probability) {
		return resp
	}
	corrupted := append([]byte(nil), resp.Body...)
	n := len(corrupted)/100 + 1
	for i := 0; i < n; i++ {
		idx := rand.Intn(len(corrupted))
		corrupted[idx] = byte(rand.Intn(256))
	}
	resp.Body = corrupted
	return resp
}

// breakpointResponse suspends on a matched response-side breakpoint rule
// until its wait is resolved. Only the body can be replaced: on a modify
// result with a non-empty ModifiedResponse, those bytes become the response
// body. The status code and headers are never changed here, and an abort
// result leaves the response as it was.
func (p *Pipeline) breakpointResponse(req events.HTTPRequest, resp events.HTTPResponse) events.HTTPResponse {
	if !p.BreakpointHasResponseRule(req) {
		return resp
	}
	recv := p.engines.Waiters.Create(req.ID)
	if p.BreakpointHit != nil {
		p.BreakpointHit(req.ID, req)
	}
	result := <-recv
	if result.Action == rules.ActionModify && len(result.ModifiedResponse) > 0 {
		resp.Body = result.ModifiedResponse
	}
	return resp
}

// BreakpointHasResponseRule is the §4.2 pre-check: callers use it to decide
// whether full response-body buffering is worth doing before a breakpoint
// could possibly apply.
func (p *Pipeline) BreakpointHasResponseRule(req events.HTTPRequest) bool {
	if p.engines.Breakpoint == nil {
		return false
	}
	_, ok := p.engines.Breakpoint.Match(rules.MatchContext{URL: req.URL, Method: req.Method, Target: rules.TargetHTTPResponse})
	return ok
}

func (p *Pipeline) emit(req events.HTTPRequest, resp *events.HTTPResponse, matchedRuleID string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.KindHTTP, events.HTTPEvent{
		Envelope:      events.Envelope{ID: uuid.NewString(), Kind: events.KindHTTP, Timestamp: time.Now()},
		Request:       req,
		Response:      resp,
		MatchedRuleID: matchedRuleID,
	})
}

func networkErrorResponse(category events.ErrorCategory, message string) *events.HTTPResponse {
	return &events.HTTPResponse{
		StatusCode: 0,
		DurationMs: 0,
		Error: &events.NetworkError{
			Domain:         "debugprobe.chaos",
			Code:           -1,
			Category:       category,
			IsNetworkError: true,
			Message:        message,
		},
	}
}
