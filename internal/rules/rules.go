// Package rules implements the three priority-ordered rule engines — Mock,
// Chaos, and Breakpoint — that the capture-and-intervene pipeline consults
// mid-flight. All three share the same underlying engine; they differ only
// in the action payload a rule carries and how a match result is consumed.
package rules

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"
)

// TargetType is where in the request/response flow a rule applies.
type TargetType string

const (
	TargetHTTPRequest  TargetType = "http-request"
	TargetHTTPResponse TargetType = "http-response"
	TargetWSOutgoing   TargetType = "ws-outgoing"
	TargetWSIncoming   TargetType = "ws-incoming"
)

// ChaosAction is the fault ChaosResult synthesizes.
type ChaosAction string

const (
	ChaosNone            ChaosAction = "none"
	ChaosDelay           ChaosAction = "delay"
	ChaosTimeout         ChaosAction = "timeout"
	ChaosConnectionReset ChaosAction = "connection_reset"
	ChaosErrorResponse   ChaosAction = "error_response"
	ChaosDrop            ChaosAction = "drop"
)

// MockAction is the canned response a matched MockRule produces.
type MockAction struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// ChaosSpec is the variant-specific payload of a ChaosRule.
type ChaosSpec struct {
	Action      ChaosAction `json:"action"`
	DelayMs     int64       `json:"delayMs,omitempty"`
	StatusCode  int         `json:"statusCode,omitempty"`
	Probability float64     `json:"probability"`
}

// BreakpointStage distinguishes a request-side from a response-side
// breakpoint rule.
type BreakpointStage string

const (
	StageRequest  BreakpointStage = "request"
	StageResponse BreakpointStage = "response"
)

// Rule is the shared shape every engine stores: id, enabled, priority
// (higher evaluated first), optional url/method filters, a target type, and
// a variant-specific action carried in exactly one of the typed fields
// below (the other two are zero-valued).
type Rule struct {
	ID         string     `json:"id"`
	Enabled    bool       `json:"enabled"`
	Priority   int        `json:"priority"`
	URLPattern string     `json:"urlPattern,omitempty"`
	Method     string     `json:"method,omitempty"`
	TargetType TargetType `json:"targetType"`

	Mock       *MockAction      `json:"mock,omitempty"`
	Chaos      *ChaosSpec       `json:"chaos,omitempty"`
	Breakpoint *BreakpointStage `json:"breakpointStage,omitempty"`

	// insertionIndex breaks priority ties: earlier insertion wins.
	insertionIndex int
}

// MatchContext is the information a rule's predicates are evaluated
// against.
type MatchContext struct {
	URL    string
	Method string
	Target TargetType
}

// Engine is the shared priority-sorted, mutex-guarded rule store used by
// the Mock, Chaos, and Breakpoint engines alike.
type Engine struct {
	mu    sync.Mutex
	rules []Rule
	seq   int
}

// NewEngine constructs an empty engine.
func NewEngine() *Engine { return &Engine{} }

// Update atomically replaces the whole rule set. Sort happens inside the
// critical section so a concurrent Match always sees a consistent,
// priority-sorted vector.
func (e *Engine) Update(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range rules {
		e.seq++
		rules[i].insertionIndex = e.seq
	}
	e.rules = rules
	e.sortLocked()
}

// Add appends or replaces (by id) a single rule.
func (e *Engine) Add(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	r.insertionIndex = e.seq
	for i, existing := range e.rules {
		if existing.ID == r.ID {
			e.rules[i] = r
			e.sortLocked()
			return
		}
	}
	e.rules = append(e.rules, r)
	e.sortLocked()
}

// Remove deletes the rule with the given id, if present.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return
		}
	}
}

// Rules returns a snapshot copy of the current priority-sorted rule set.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

func (e *Engine) sortLocked() {
	// Priority desc, tie-broken by insertion order: an insertion sort whose
	// comparator uses insertionIndex as the second key, so an earlier-added
	// rule stays ahead of a later one with the same priority.
	for i := 1; i < len(e.rules); i++ {
		for j := i; j > 0; j-- {
			a, b := e.rules[j-1], e.rules[j]
			if a.Priority < b.Priority || (a.Priority == b.Priority && a.insertionIndex > b.insertionIndex) {
				e.rules[j-1], e.rules[j] = e.rules[j], e.rules[j-1]
				continue
			}
			break
		}
	}
}

// Match iterates the priority-sorted vector and returns the first enabled
// rule whose url/method/target predicates match ctx, or ok=false.
func (e *Engine) Match(ctx MatchContext) (Rule, bool) {
	e.mu.Lock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.Unlock()

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.TargetType != "" && r.TargetType != ctx.Target {
			continue
		}
		if r.Method != "" && !strings.EqualFold(r.Method, ctx.Method) {
			continue
		}
		if !matchURL(r.URLPattern, ctx.URL) {
			continue
		}
		return r, true
	}
	return Rule{}, false
}

// matchURL implements §4.3's rule: a `*`-bearing pattern is compiled to a
// regex (`.` escaped, `*` becomes `.*`); otherwise it's a plain substring
// test. An empty pattern matches everything.
func matchURL(pattern, url string) bool {
	if pattern == "" {
		return true
	}
	if strings.Contains(pattern, "*") {
		escaped := regexp.QuoteMeta(pattern)
		escaped = strings.ReplaceAll(escaped, `\*`, ".*")
		re, err := regexp.Compile(escaped)
		if err != nil {
			return false
		}
		return re.MatchString(url)
	}
	return strings.Contains(url, pattern)
}

// RollProbability reports whether a chaos rule with the given probability
// should fire this time, per §4.3's `rand() <= probability` gate.
func RollProbability(probability float64) bool {
	if probability >= 1 {
		return true
	}
	if probability <= 0 {
		return false
	}
	return rand.Float64() <= probability
}
