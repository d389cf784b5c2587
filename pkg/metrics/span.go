package metrics

import (
	"time"

	"github.com/google/uuid"
)

// SpanStatus is the terminal verdict of a span
type SpanStatus string

const (
	SpanStatusOK    SpanStatus = "ok"
	SpanStatusError SpanStatus = "error"
)

// SpanLog is one timestamped annotation on a span
type SpanLog struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Span times one operation. Finished spans feed the
// session_operation_duration_seconds histogram and a bounded ring of
// recent spans kept for inspection. A nil *Span no-ops on every method.
type Span struct {
	ID        string     `json:"spanId"`
	ParentID  string     `json:"parentId,omitempty"`
	Operation string     `json:"operation"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   time.Time  `json:"endedAt"`
	Status    SpanStatus `json:"status"`
	Tags      Labels     `json:"tags,omitempty"`
	Logs      []SpanLog  `json:"logs,omitempty"`

	hub *Hub
}

// StartSpan opens a span for the named operation
func (h *Hub) StartSpan(operation string) *Span {
	if h == nil {
		return nil
	}
	s := &Span{
		ID:        uuid.New().String(),
		Operation: operation,
		StartedAt: time.Now(),
		Status:    SpanStatusOK,
		hub:       h,
	}
	h.spanMu.Lock()
	h.spans[s.ID] = s
	h.spanMu.Unlock()
	return s
}

// Child opens a span parented to this one
func (s *Span) Child(operation string) *Span {
	if s == nil {
		return nil
	}
	child := s.hub.StartSpan(operation)
	child.ParentID = s.ID
	return child
}

// SetTag attaches a tag to the span
func (s *Span) SetTag(key, value string) {
	if s == nil {
		return
	}
	if s.Tags == nil {
		s.Tags = make(Labels)
	}
	s.Tags[key] = value
}

// AddLog appends an annotation to the span
func (s *Span) AddLog(level, message string, fields map[string]any) {
	if s == nil {
		return
	}
	s.Logs = append(s.Logs, SpanLog{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Fields:    fields,
	})
}

// Fail marks the span as errored; the span still needs End
func (s *Span) Fail(err error) {
	if s == nil {
		return
	}
	s.Status = SpanStatusError
	if err != nil {
		s.SetTag("error", err.Error())
	}
}

// End closes the span, records its duration, and moves it to the finished
// ring. Calling End twice is harmless.
func (s *Span) End() {
	if s == nil || !s.EndedAt.IsZero() {
		return
	}
	s.EndedAt = time.Now()

	h := s.hub
	h.spanMu.Lock()
	delete(h.spans, s.ID)
	h.finished = append(h.finished, s)
	if len(h.finished) > spanRingSize {
		h.finished = h.finished[len(h.finished)-spanRingSize:]
	}
	h.spanMu.Unlock()

	h.Observe("session_operation_duration_seconds",
		Labels{"operation": s.Operation},
		s.EndedAt.Sub(s.StartedAt).Seconds())
	if s.Status == SpanStatusError {
		h.IncCounter("errors_total", Labels{"component": s.Operation})
	}
}

// Duration reports how long the span ran; zero until it ends
func (s *Span) Duration() time.Duration {
	if s == nil || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// ActiveSpans counts spans that have started but not ended
func (h *Hub) ActiveSpans() int {
	if h == nil {
		return 0
	}
	h.spanMu.Lock()
	defer h.spanMu.Unlock()
	return len(h.spans)
}

// RecentSpans returns up to n most recently finished spans, newest last
func (h *Hub) RecentSpans(n int) []*Span {
	if h == nil {
		return nil
	}
	h.spanMu.Lock()
	defer h.spanMu.Unlock()
	if n <= 0 || n > len(h.finished) {
		n = len(h.finished)
	}
	out := make([]*Span, n)
	copy(out, h.finished[len(h.finished)-n:])
	return out
}
