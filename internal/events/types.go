// Package events defines the Event sum type the agent streams to the Hub,
// and the typed callback-slot registry (EventBus) capture shims publish
// through and plugins install handlers on.
package events

import "time"

// Kind identifies which Event variant a value holds.
type Kind string

const (
	KindHTTP        Kind = "http"
	KindLog         Kind = "log"
	KindWebSocket   Kind = "websocket"
	KindPageTiming  Kind = "page_timing"
	KindStats       Kind = "stats"
	KindPerformance Kind = "performance"
)

// Envelope is the common header every Event variant carries.
type Envelope struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorCategory classifies a structured network-shaped error.
type ErrorCategory string

const (
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryDNS         ErrorCategory = "dns"
	CategoryTLS         ErrorCategory = "tls"
	CategoryCancelled   ErrorCategory = "cancelled"
	CategoryNetwork     ErrorCategory = "network"
	CategoryHTTP        ErrorCategory = "http"
)

// NetworkError is the structured error shape shared by real transport
// failures and synthesized chaos failures, so the Hub renders both
// uniformly.
type NetworkError struct {
	Domain          string        `json:"domain"`
	Code            int           `json:"code"`
	Category        ErrorCategory `json:"category"`
	IsNetworkError  bool          `json:"isNetworkError"`
	Message         string        `json:"message"`
}

// HTTPRequest is the captured request side of an HTTPEvent.
type HTTPRequest struct {
	ID        string            `json:"id"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	StartTime time.Time         `json:"startTime"`
	// ParentEventID links a redirect's child request back to the
	// HTTPEvent that produced the redirect. Empty for the first hop. The
	// HTTP plugin's transport shim does not set it, so captured hops are
	// emitted with it empty.
	ParentEventID string `json:"parentEventId,omitempty"`
}

// HTTPResponse is the captured response side of an HTTPEvent, absent when
// the request never completed.
type HTTPResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	DurationMs int64             `json:"durationMs"`
	Error      *NetworkError     `json:"error,omitempty"`
}

// HTTPEvent captures one request/response pair observed by the pipeline.
type HTTPEvent struct {
	Envelope
	Request        HTTPRequest   `json:"request"`
	Response       *HTTPResponse `json:"response,omitempty"`
	MatchedRuleID  string        `json:"matchedRuleId,omitempty"`
}

// LogLevel is totally ordered verbose < debug < info < warning < error.
type LogLevel int

const (
	LevelVerbose LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelVerbose:
		return "verbose"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// LogEvent mirrors a host log record.
type LogEvent struct {
	Envelope
	Level     LogLevel          `json:"level"`
	Source    string            `json:"source"`
	Subsystem string            `json:"subsystem"`
	Category  string            `json:"category"`
	Thread    string            `json:"thread"`
	File      string            `json:"file"`
	Function  string            `json:"function"`
	Line      int               `json:"line"`
	Message   string            `json:"message"`
	Tags      map[string]string `json:"tags,omitempty"`
	TraceID   string            `json:"traceId,omitempty"`
}

// WSDirection is the flow direction of a captured WebSocket frame.
type WSDirection string

const (
	DirectionSend    WSDirection = "send"
	DirectionReceive WSDirection = "receive"
)

// WSOpcode mirrors the RFC 6455 frame types the inspector cares about.
type WSOpcode string

const (
	OpcodeText   WSOpcode = "text"
	OpcodeBinary WSOpcode = "binary"
	OpcodePing   WSOpcode = "ping"
	OpcodePong   WSOpcode = "pong"
	OpcodeClose  WSOpcode = "close"
)

// WSSession describes a captured WebSocket connection's identity.
type WSSession struct {
	SessionID      string    `json:"sessionId"`
	URL            string    `json:"url"`
	CloseCode      int       `json:"closeCode,omitempty"`
	CloseReason    string    `json:"closeReason,omitempty"`
	DisconnectTime time.Time `json:"disconnectTime,omitempty"`
}

// WSEventVariant discriminates the WSEvent sum type.
type WSEventVariant string

const (
	WSSessionCreated WSEventVariant = "session_created"
	WSSessionClosed  WSEventVariant = "session_closed"
	WSFrame          WSEventVariant = "frame"
)

// WSEvent is the one-of {sessionCreated, sessionClosed, frame} variant.
type WSEvent struct {
	Envelope
	Variant   WSEventVariant `json:"variant"`
	Session   *WSSession     `json:"session,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Direction WSDirection    `json:"direction,omitempty"`
	Opcode    WSOpcode       `json:"opcode,omitempty"`
	Payload   []byte         `json:"payload,omitempty"`
	IsMocked  bool           `json:"isMocked,omitempty"`
	MockRuleID string        `json:"mockRuleId,omitempty"`
}

// PageTimingEvent carries the derived durations for one completed visit.
type PageTimingEvent struct {
	Envelope
	VisitID         string   `json:"visitId"`
	PageID          string   `json:"pageId"`
	PageName        string   `json:"pageName"`
	Route           string   `json:"route,omitempty"`
	LoadDurationMs  *int64   `json:"loadDurationMs,omitempty"`
	AppearDurationMs *int64  `json:"appearDurationMs,omitempty"`
	TotalDurationMs *int64   `json:"totalDurationMs,omitempty"`
	Markers         []string `json:"markers,omitempty"`
	IsColdStart     bool     `json:"isColdStart"`
	IsPush          bool     `json:"isPush,omitempty"`
	ParentPageID    string   `json:"parentPageId,omitempty"`
}

// StatsEvent is the stats plugin's periodic runtime snapshot.
type StatsEvent struct {
	Envelope
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	EventsEmitted  int64  `json:"eventsEmitted"`
	QueueDepth     int    `json:"queueDepth"`
}

// PerformanceEvent is a host-triggered, single-shot labeled measurement.
type PerformanceEvent struct {
	Envelope
	Label      string `json:"label"`
	DurationMs int64  `json:"durationMs"`
}
