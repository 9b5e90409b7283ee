package transcript

import (
	"fmt"
	"sync"
)

// Ref is a stable handle to an appended event, used to update it in place
// when streamed results arrive after the event was first recorded. Refs are
// indices into the transcript's arena; they never dangle because events are
// never removed.
type Ref int

// Subscriber receives a copy of every appended or updated event.
type Subscriber func(e Event)

// Transcript is a strictly ordered, append-only event sequence owned by
// exactly one sample. All methods are safe for concurrent use (parallel
// tool dispatch appends from several goroutines).
type Transcript struct {
	mu        sync.Mutex
	events    []Event
	subs      []Subscriber
	openSpans []string // stack of open span ids, innermost last
}

// New creates an empty transcript.
func New() *Transcript {
	return &Transcript{}
}

// Subscribe registers a subscriber notified on every append and update.
// Typically the recorder. Subscribers run under the transcript lock; they
// must not call back into the transcript.
func (t *Transcript) Subscribe(s Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, s)
}

// Append records an event of the given type with the supplied payload
// already attached, returning a Ref for later update.
func (t *Transcript) Append(e Event) Ref {
	if e.ID == "" {
		filled := newEvent(e.Type)
		filled.SampleInit = e.SampleInit
		filled.State = e.State
		filled.Model = e.Model
		filled.Tool = e.Tool
		filled.Score = e.Score
		filled.Sandbox = e.Sandbox
		filled.Logger = e.Logger
		filled.SpanBegin = e.SpanBegin
		filled.SpanEnd = e.SpanEnd
		filled.Error = e.Error
		filled.SampleLimit = e.SampleLimit
		e = filled
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.openSpans) > 0 && e.SpanID == "" {
		e.SpanID = t.openSpans[len(t.openSpans)-1]
	}
	t.events = append(t.events, e)
	ref := Ref(len(t.events) - 1)
	t.notify(e)
	return ref
}

// Update mutates the event at ref in place (e.g. completing a pending
// model event) and re-notifies subscribers.
func (t *Transcript) Update(ref Ref, fn func(e *Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(ref) < 0 || int(ref) >= len(t.events) {
		return
	}
	fn(&t.events[ref])
	t.notify(t.events[ref])
}

// BeginSpan opens a named span; all events appended until the matching
// EndSpan carry its id. Spans nest.
func (t *Transcript) BeginSpan(name string) Ref {
	e := newEvent(EventSpanBegin)
	e.SpanBegin = &SpanBeginEvent{Name: name}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.openSpans) > 0 {
		e.SpanID = t.openSpans[len(t.openSpans)-1]
	}
	t.events = append(t.events, e)
	t.openSpans = append(t.openSpans, e.ID)
	t.notify(e)
	return Ref(len(t.events) - 1)
}

// EndSpan closes the innermost open span. Returns an error if no span is
// open — span events must nest correctly.
func (t *Transcript) EndSpan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.openSpans) == 0 {
		return fmt.Errorf("end span with no open span")
	}
	spanID := t.openSpans[len(t.openSpans)-1]
	t.openSpans = t.openSpans[:len(t.openSpans)-1]

	e := newEvent(EventSpanEnd)
	e.SpanEnd = &SpanEndEvent{SpanID: spanID}
	if len(t.openSpans) > 0 {
		e.SpanID = t.openSpans[len(t.openSpans)-1]
	}
	t.events = append(t.events, e)
	t.notify(e)
	return nil
}

// Events returns a snapshot copy of all events in order.
func (t *Transcript) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Len returns the number of recorded events.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// PendingModelEvents counts model events not yet completed. After sample
// completion this must be zero.
func (t *Transcript) PendingModelEvents() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e.Type == EventModel && e.Model != nil && e.Model.Pending {
			n++
		}
	}
	return n
}

func (t *Transcript) notify(e Event) {
	for _, s := range t.subs {
		s(e)
	}
}
