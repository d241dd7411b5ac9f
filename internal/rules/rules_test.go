package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchPicksHighestPriorityFirst(t *testing.T) {
	e := NewEngine()
	e.Update([]Rule{
		{ID: "low", Enabled: true, Priority: 1, URLPattern: "*example.com*", TargetType: TargetHTTPResponse},
		{ID: "high", Enabled: true, Priority: 10, URLPattern: "*example.com*", TargetType: TargetHTTPResponse},
	})

	r, ok := e.Match(MatchContext{URL: "https://example.com/users/42", Target: TargetHTTPResponse})
	require.True(t, ok)
	require.Equal(t, "high", r.ID)
}

func TestMatchTieBreaksByInsertionOrder(t *testing.T) {
	e := NewEngine()
	e.Add(Rule{ID: "first", Enabled: true, Priority: 5, TargetType: TargetHTTPRequest})
	e.Add(Rule{ID: "second", Enabled: true, Priority: 5, TargetType: TargetHTTPRequest})

	r, ok := e.Match(MatchContext{URL: "https://x", Target: TargetHTTPRequest})
	require.True(t, ok)
	require.Equal(t, "first", r.ID)
}

func TestReorderByChangingPriorityAlone(t *testing.T) {
	e := NewEngine()
	e.Add(Rule{ID: "a", Enabled: true, Priority: 1, TargetType: TargetHTTPRequest})
	e.Add(Rule{ID: "b", Enabled: true, Priority: 2, TargetType: TargetHTTPRequest})

	r, _ := e.Match(MatchContext{URL: "x", Target: TargetHTTPRequest})
	require.Equal(t, "b", r.ID)

	e.Add(Rule{ID: "a", Enabled: true, Priority: 9, TargetType: TargetHTTPRequest})
	r, _ = e.Match(MatchContext{URL: "x", Target: TargetHTTPRequest})
	require.Equal(t, "a", r.ID)
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	e := NewEngine()
	e.Add(Rule{ID: "a", Enabled: false, Priority: 100, TargetType: TargetHTTPRequest})
	_, ok := e.Match(MatchContext{URL: "x", Target: TargetHTTPRequest})
	require.False(t, ok)
}

func TestMethodFilter(t *testing.T) {
	e := NewEngine()
	e.Add(Rule{ID: "a", Enabled: true, Priority: 1, Method: "POST", TargetType: TargetHTTPRequest})

	_, ok := e.Match(MatchContext{URL: "x", Method: "GET", Target: TargetHTTPRequest})
	require.False(t, ok)

	r, ok := e.Match(MatchContext{URL: "x", Method: "post", Target: TargetHTTPRequest})
	require.True(t, ok)
	require.Equal(t, "a", r.ID)
}

func TestWildcardURLPattern(t *testing.T) {
	require.True(t, matchURL("*example.com/users*", "https://example.com/users/42"))
	require.False(t, matchURL("*example.com/users*", "https://other.com/"))
	require.True(t, matchURL("plain-substring", "has a plain-substring in it"))
	require.True(t, matchURL("", "anything"))
}

func TestRemoveDeletesRule(t *testing.T) {
	e := NewEngine()
	e.Add(Rule{ID: "a", Enabled: true, Priority: 1, TargetType: TargetHTTPRequest})
	e.Remove("a")
	require.Empty(t, e.Rules())
}

func TestRollProbabilityBounds(t *testing.T) {
	require.True(t, RollProbability(1.0))
	require.False(t, RollProbability(0.0))
}

func TestWaitersResolveDeliversResult(t *testing.T) {
	w := NewWaiters()
	recv := w.Create("req-1")
	require.Equal(t, 1, w.Count())

	ok := w.Resolve("req-1", ResumeResult{Action: ActionModify, ModifiedRequest: []byte(`{"v":2}`)})
	require.True(t, ok)

	result := <-recv
	require.Equal(t, ActionModify, result.Action)
	require.Equal(t, 0, w.Count())
}

func TestWaitersUnknownActionDefaultsToResume(t *testing.T) {
	w := NewWaiters()
	recv := w.Create("req-2")
	w.Resolve("req-2", ResumeResult{Action: "bogus"})
	result := <-recv
	require.Equal(t, ActionResume, result.Action)
}

func TestWaitersContinueActionMapsToResume(t *testing.T) {
	w := NewWaiters()
	recv := w.Create("req-continue")
	w.Resolve("req-continue", ResumeResult{Action: "continue"})
	result := <-recv
	require.Equal(t, ActionResume, result.Action)
}

func TestWaitersAbortAllCompletesEveryPending(t *testing.T) {
	w := NewWaiters()
	r1 := w.Create("a")
	r2 := w.Create("b")
	w.AbortAll()

	res1 := <-r1
	res2 := <-r2
	require.Equal(t, ActionAbort, res1.Action)
	require.Equal(t, ActionAbort, res2.Action)
	require.Equal(t, 0, w.Count())
}

func TestResolveUnknownRequestIsNoop(t *testing.T) {
	w := NewWaiters()
	require.False(t, w.Resolve("ghost", ResumeResult{Action: ActionResume}))
}
