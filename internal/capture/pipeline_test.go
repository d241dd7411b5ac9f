package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HapticTide/iOS-DebugProbe/internal/events"
	"github.com/HapticTide/iOS-DebugProbe/internal/rules"
)

func newTestPipeline() (*Pipeline, *events.Bus, *[]events.HTTPEvent, *sync.Mutex) {
	bus := events.NewBus()
	var mu sync.Mutex
	var captured []events.HTTPEvent
	bus.Install("test", events.KindHTTP, func(evt any) {
		mu.Lock()
		defer mu.Unlock()
		captured = append(captured, evt.(events.HTTPEvent))
	})
	engines := Engines{
		Mock:       rules.NewEngine(),
		Chaos:      rules.NewEngine(),
		Breakpoint: rules.NewEngine(),
		Waiters:    rules.NewWaiters(),
	}
	return New(engines, bus), bus, &captured, &mu
}

func TestMockResponseShortCircuitsWithoutNetwork(t *testing.T) {
	p, _, captured, mu := newTestPipeline()
	p.engines.Mock.Add(rules.Rule{
		ID: "r1", Enabled: true, Priority: 10,
		URLPattern: "*example.com/users*", TargetType: rules.TargetHTTPResponse,
		Mock: &rules.MockAction{StatusCode: 418, Body: []byte("teapot")},
	})

	out := p.ProcessRequest(context.Background(), events.HTTPRequest{ID: "r1", Method: "GET", URL: "https://example.com/users/42"})

	require.True(t, out.ShortCircuit)
	require.Equal(t, 418, out.Response.StatusCode)
	require.Equal(t, "r1", out.MatchedRuleID)
	require.EqualValues(t, 0, out.Response.DurationMs)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *captured, 1)
}

func TestChaosTimeoutProducesNetworkErrorShape(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	p.engines.Chaos.Add(rules.Rule{
		ID: "c1", Enabled: true, Priority: 1,
		URLPattern: "*flaky*", TargetType: rules.TargetHTTPRequest,
		Chaos: &rules.ChaosSpec{Action: rules.ChaosTimeout, Probability: 1.0},
	})

	out := p.ProcessRequest(context.Background(), events.HTTPRequest{ID: "r2", Method: "GET", URL: "https://flaky.test/"})

	require.True(t, out.ShortCircuit)
	require.NotNil(t, out.Response.Error)
	require.Equal(t, events.CategoryTimeout, out.Response.Error.Category)
	require.True(t, out.Response.Error.IsNetworkError)
}

func TestBreakpointModifyAltersRequestBody(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	p.engines.Breakpoint.Add(rules.Rule{
		ID: "b1", Enabled: true, Priority: 1, URLPattern: "*", TargetType: rules.TargetHTTPRequest,
	})

	var hitID string
	p.BreakpointHit = func(requestID string, req events.HTTPRequest) {
		hitID = requestID
		go func() {
			time.Sleep(5 * time.Millisecond)
			p.engines.Waiters.Resolve(requestID, rules.ResumeResult{
				Action:          rules.ActionModify,
				ModifiedRequest: []byte(`{"v":2}`),
			})
		}()
	}

	out := p.ProcessRequest(context.Background(), events.HTTPRequest{ID: "req-x", Method: "POST", URL: "https://x", Body: []byte(`{"v":1}`)})

	require.NotEmpty(t, hitID)
	require.False(t, out.ShortCircuit)
	require.Equal(t, []byte(`{"v":2}`), out.Request.Body)
}

func TestBreakpointAbortFailsWithCancelled(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	p.engines.Breakpoint.Add(rules.Rule{ID: "b1", Enabled: true, Priority: 1, URLPattern: "*", TargetType: rules.TargetHTTPRequest})
	p.BreakpointHit = func(requestID string, req events.HTTPRequest) {
		go p.engines.Waiters.Resolve(requestID, rules.ResumeResult{Action: rules.ActionAbort})
	}

	out := p.ProcessRequest(context.Background(), events.HTTPRequest{ID: "req-y", Method: "GET", URL: "https://x"})
	require.True(t, out.Aborted)
	require.Equal(t, events.CategoryCancelled, out.Response.Error.Category)
}

func TestBreakpointWaitAbortsOnContextCancel(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	p.engines.Breakpoint.Add(rules.Rule{ID: "b1", Enabled: true, Priority: 1, URLPattern: "*", TargetType: rules.TargetHTTPRequest})

	ctx, cancel := context.WithCancel(context.Background())
	p.BreakpointHit = func(requestID string, req events.HTTPRequest) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
	}

	out := p.ProcessRequest(ctx, events.HTTPRequest{ID: "req-z", Method: "GET", URL: "https://x"})
	require.True(t, out.Aborted)
}

func TestNoRulesProceedsToNetwork(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	out := p.ProcessRequest(context.Background(), events.HTTPRequest{ID: "req-w", Method: "GET", URL: "https://x"})
	require.False(t, out.ShortCircuit)
}

func TestBreakpointHasResponseRulePreCheck(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	req := events.HTTPRequest{Method: "GET", URL: "https://x"}
	require.False(t, p.BreakpointHasResponseRule(req))

	p.engines.Breakpoint.Add(rules.Rule{ID: "b1", Enabled: true, Priority: 1, URLPattern: "*", TargetType: rules.TargetHTTPResponse})
	require.True(t, p.BreakpointHasResponseRule(req))
}
