// Package pagetiming tracks the lifecycle of a single page visit from
// first paint through disappearance and emits the derived durations as a
// PageTimingEvent once the visit completes.
package pagetiming

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HapticTide/iOS-DebugProbe/internal/events"
)

// visit holds the in-flight timeline for one page. Fields are set in strict
// forward order; End sets endAt and removes the visit from the recorder in
// the same call.
type visit struct {
	pageID       string
	pageName     string
	route        string
	isColdStart  bool
	isPush       bool
	parentPageID string

	startAt       time.Time
	firstLayoutAt time.Time
	appearAt      time.Time
	endAt         time.Time
	markers       []string
}

func (v *visit) ended() bool { return !v.endAt.IsZero() }

// Recorder tracks every open visit by visitId and publishes PageTimingEvent
// on mark_page_end. A Recorder is safe for concurrent use.
type Recorder struct {
	bus *events.Bus

	mu     sync.Mutex
	visits map[string]*visit
}

// New constructs a Recorder that publishes to bus.
func New(bus *events.Bus) *Recorder {
	return &Recorder{bus: bus, visits: make(map[string]*visit)}
}

// StartPage begins tracking a new visit. A pre-existing open visit under
// the same id is silently replaced — the host is expected to generate a
// fresh visitId per navigation.
func (r *Recorder) StartPage(visitID, pageID, pageName, route string, isColdStart, isPush bool, parentPageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visits[visitID] = &visit{
		pageID:       pageID,
		pageName:     pageName,
		route:        route,
		isColdStart:  isColdStart,
		isPush:       isPush,
		parentPageID: parentPageID,
		startAt:      time.Now(),
	}
}

// MarkFirstLayout records the first-layout timestamp, ignored if the visit
// is unknown, already ended, or already marked.
func (r *Recorder) MarkFirstLayout(visitID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.activeLocked(visitID)
	if !ok || !v.firstLayoutAt.IsZero() {
		return
	}
	v.firstLayoutAt = time.Now()
}

// MarkAppear records the appear timestamp.
func (r *Recorder) MarkAppear(visitID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.activeLocked(visitID)
	if !ok || !v.appearAt.IsZero() {
		return
	}
	v.appearAt = time.Now()
}

// AddMarker appends a named marker to the visit's timeline. Out-of-order
// calls after mark_page_end are ignored, per the strict-forward-timeline
// rule.
func (r *Recorder) AddMarker(visitID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.activeLocked(visitID)
	if !ok {
		return
	}
	v.markers = append(v.markers, name)
}

// End completes the visit, computes its derived durations, emits a
// PageTimingEvent, and discards the visit's state. Calling End twice (or on
// an unknown visitId) is a no-op.
func (r *Recorder) End(visitID string) {
	r.mu.Lock()
	v, ok := r.activeLocked(visitID)
	if !ok {
		r.mu.Unlock()
		return
	}
	v.endAt = time.Now()
	delete(r.visits, visitID)
	r.mu.Unlock()

	evt := events.PageTimingEvent{
		Envelope: events.Envelope{
			ID:        uuid.NewString(),
			Kind:      events.KindPageTiming,
			Timestamp: v.endAt,
		},
		VisitID:      visitID,
		PageID:       v.pageID,
		PageName:     v.pageName,
		Route:        v.route,
		Markers:      v.markers,
		IsColdStart:  v.isColdStart,
		IsPush:       v.isPush,
		ParentPageID: v.parentPageID,
	}
	evt.LoadDurationMs = durationMs(v.startAt, v.firstLayoutAt)
	evt.AppearDurationMs = durationMs(v.startAt, v.appearAt)
	evt.TotalDurationMs = durationMs(v.startAt, v.endAt)

	r.bus.Publish(events.KindPageTiming, evt)
}

// activeLocked returns the visit for id if it exists and has not yet
// ended. Callers must hold r.mu.
func (r *Recorder) activeLocked(visitID string) (*visit, bool) {
	v, ok := r.visits[visitID]
	if !ok || v.ended() {
		return nil, false
	}
	return v, true
}

// durationMs returns the millisecond span between from and to, or nil when
// either endpoint was never recorded.
func durationMs(from, to time.Time) *int64 {
	if from.IsZero() || to.IsZero() {
		return nil
	}
	ms := to.Sub(from).Milliseconds()
	return &ms
}
