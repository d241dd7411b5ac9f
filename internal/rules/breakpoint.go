package rules

import "sync"

// ResumeAction is how a suspended breakpoint wait is resolved.
type ResumeAction string

const (
	ActionResume ResumeAction = "resume"
	ActionAbort  ResumeAction = "abort"
	ActionModify ResumeAction = "modify"

	// actionContinue is the Hub's alternate spelling of ActionResume (§6
	// lists continue|resume|abort|modify); mapped explicitly in Resolve
	// rather than relying on the unrecognized-action fallback.
	actionContinue ResumeAction = "continue"
)

// ResumeResult is what a resume_breakpoint command delivers to the waiter.
type ResumeResult struct {
	Action           ResumeAction
	ModifiedRequest  []byte
	ModifiedResponse []byte
}

// Waiters is a map of requestId → one-shot channel, used to suspend the
// capture pipeline on a matched breakpoint until the Hub resolves it via
// resume_breakpoint. The pipeline never holds this map's lock while
// waiting on a channel it already received.
type Waiters struct {
	mu sync.Mutex
	m  map[string]chan ResumeResult
}

// NewWaiters constructs an empty waiter table.
func NewWaiters() *Waiters {
	return &Waiters{m: make(map[string]chan ResumeResult)}
}

// Create registers a one-shot channel for requestId and returns the
// receive side. Must be called before the breakpoint_hit event is emitted,
// so a resume arriving immediately after can never race ahead of it.
func (w *Waiters) Create(requestID string) <-chan ResumeResult {
	ch := make(chan ResumeResult, 1)
	w.mu.Lock()
	w.m[requestID] = ch
	w.mu.Unlock()
	return ch
}

// Resolve completes the waiter for requestID with result, per the
// resume_breakpoint command. Unknown requestId (already resolved, timed
// out, or never created) is a no-op. "continue" is accepted as an alias
// for "resume"; any other unrecognized action also defaults to resume per
// §4.3.
func (w *Waiters) Resolve(requestID string, result ResumeResult) bool {
	if result.Action == actionContinue {
		result.Action = ActionResume
	}
	if result.Action != ActionResume && result.Action != ActionAbort && result.Action != ActionModify {
		result.Action = ActionResume
	}
	w.mu.Lock()
	ch, ok := w.m[requestID]
	if ok {
		delete(w.m, requestID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- result
	close(ch)
	return true
}

// AbortAll completes every outstanding waiter with Abort, used when the
// bridge disconnects so no caller is left hanging forever.
func (w *Waiters) AbortAll() {
	w.mu.Lock()
	pending := w.m
	w.m = make(map[string]chan ResumeResult)
	w.mu.Unlock()

	for _, ch := range pending {
		ch <- ResumeResult{Action: ActionAbort}
		close(ch)
	}
}

// Count reports the number of outstanding waiters, used by tests and the
// diagnostics endpoint.
func (w *Waiters) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m)
}
