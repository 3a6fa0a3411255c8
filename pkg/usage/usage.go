// Package usage tracks per-(component, table, kind) byte counters (§4.10)
// and fans out usage events and function log lines to subscribers, reusing
// cuemby-warren/pkg/events.Broker's buffered-channel, non-blocking-publish
// shape (there it broadcast cluster events; here it broadcasts usage
// deltas and log lines to whoever subscribes).
package usage

import (
	"sync"
	"time"

	"github.com/pulsedb/pulse/pkg/metrics"
	"github.com/pulsedb/pulse/pkg/types"
)

// Kind distinguishes what a byte count represents.
type Kind string

const (
	KindDatabaseRead     Kind = "database_read"
	KindDatabaseWrite    Kind = "database_write"
	KindFunctionCall     Kind = "function_call"
	KindFileStorage      Kind = "file_storage"
	KindVectorSearch     Kind = "vector_search"
	KindActionCompute    Kind = "action_compute"
)

// minimumUnit is the smallest billable chunk; counts are rounded up to it
// so a one-byte document read isn't reported as free (§4.10).
const minimumUnit = 128

// Event is one usage delta, published after every counted operation.
type Event struct {
	Component string
	Table     string
	Kind      Kind
	Bytes     int64
	At        time.Time
}

// Subscriber is a channel that receives usage events.
type Subscriber chan *Event

// Level is the severity of a structured log line emitted by console.* in a
// running function (§4.6/§6).
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// maxLogMessages and maxLogMessageLen bound a single log line's wire size
// (§6): a console.log called with unbounded arguments or giant strings
// would otherwise blow up the session-layer frame it's shipped in.
const (
	maxLogMessages   = 20
	maxLogMessageLen = 2000
)

// LogLine is the structured form every console.* call is serialized to
// before fan-out (§4.6/§6/§8-S6). Field names and JSON tags are load-
// bearing: they are the documented wire form a client parses.
type LogLine struct {
	Level          Level                  `json:"level"`
	Messages       []interface{}          `json:"messages"`
	IsTruncated    bool                   `json:"isTruncated"`
	Timestamp      int64                  `json:"timestamp"`
	SystemMetadata map[string]interface{} `json:"systemMetadata"`
}

// NewLogLine builds a LogLine from a console.* call's arguments, truncating
// to maxLogMessages entries of at most maxLogMessageLen runes and setting
// IsTruncated if anything was cut.
func NewLogLine(level Level, args []interface{}, at time.Time) LogLine {
	truncated := false
	if len(args) > maxLogMessages {
		args = args[:maxLogMessages]
		truncated = true
	}
	messages := make([]interface{}, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			if r := []rune(s); len(r) > maxLogMessageLen {
				messages[i] = string(r[:maxLogMessageLen])
				truncated = true
				continue
			}
		}
		messages[i] = a
	}
	return LogLine{
		Level:       level,
		Messages:    messages,
		IsTruncated: truncated,
		Timestamp:   at.UnixMilli(),
	}
}

// LogSubscriber is a channel that receives log lines.
type LogSubscriber chan *LogLine

type counterKey struct {
	component string
	table     string
	kind      Kind
}

// Tracker accumulates byte counters and fans out events and log lines to
// subscribers.
type Tracker struct {
	mu             sync.RWMutex
	counters       map[counterKey]int64
	subscribers    map[Subscriber]bool
	logSubscribers map[LogSubscriber]bool
	eventCh        chan *Event
	logCh          chan *LogLine
	stopCh         chan struct{}
}

// NewTracker constructs a Tracker. Start must be called before Record/
// RecordLog fan-out takes effect.
func NewTracker() *Tracker {
	return &Tracker{
		counters:       make(map[counterKey]int64),
		subscribers:    make(map[Subscriber]bool),
		logSubscribers: make(map[LogSubscriber]bool),
		eventCh:        make(chan *Event, 100),
		logCh:          make(chan *LogLine, 100),
		stopCh:         make(chan struct{}),
	}
}

// Start begins the tracker's broadcast loop.
func (t *Tracker) Start() { go t.run() }

// Stop halts the broadcast loop.
func (t *Tracker) Stop() { close(t.stopCh) }

// Subscribe returns a new channel receiving every recorded event.
func (t *Tracker) Subscribe() Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := make(Subscriber, 50)
	t.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (t *Tracker) Unsubscribe(sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribers[sub] {
		delete(t.subscribers, sub)
		close(sub)
	}
}

// SubscribeLogs returns a new channel receiving every recorded log line.
func (t *Tracker) SubscribeLogs() LogSubscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := make(LogSubscriber, 50)
	t.logSubscribers[sub] = true
	return sub
}

// UnsubscribeLogs removes and closes sub.
func (t *Tracker) UnsubscribeLogs(sub LogSubscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.logSubscribers[sub] {
		delete(t.logSubscribers, sub)
		close(sub)
	}
}

// RecordLog publishes line to every log subscriber (§4.6/§8-S6).
func (t *Tracker) RecordLog(line LogLine) {
	select {
	case t.logCh <- &line:
	case <-t.stopCh:
	}
}

// Record rounds n up to the minimum billable unit, adds it to the
// (component, table, kind) counter, updates the Prometheus series, and
// publishes an Event.
func (t *Tracker) Record(component, table string, kind Kind, n int64) {
	if n <= 0 {
		return
	}
	rounded := ((n + minimumUnit - 1) / minimumUnit) * minimumUnit

	key := counterKey{component: component, table: table, kind: kind}
	t.mu.Lock()
	t.counters[key] += rounded
	t.mu.Unlock()

	metrics.BytesUsedTotal.WithLabelValues(component, table, string(kind)).Add(float64(rounded))

	event := &Event{Component: component, Table: table, Kind: kind, Bytes: rounded, At: time.Now()}
	select {
	case t.eventCh <- event:
	case <-t.stopCh:
	}
}

// Snapshot returns component's current counters per kind, summed across
// all of its tables.
func (t *Tracker) Snapshot(component string) map[Kind]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Kind]int64)
	for k, v := range t.counters {
		if k.component == component {
			out[k.kind] += v
		}
	}
	return out
}

func (t *Tracker) run() {
	for {
		select {
		case event := <-t.eventCh:
			t.broadcast(event)
		case line := <-t.logCh:
			t.broadcastLog(line)
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) broadcast(event *Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for sub := range t.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

func (t *Tracker) broadcastLog(line *LogLine) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for sub := range t.logSubscribers {
		select {
		case sub <- line:
		default:
		}
	}
}

// FromValueSize estimates the byte footprint of a document value for
// usage accounting: string and byte lengths plus object field names, with
// every other scalar counted as 16 bytes. This is its own estimate, not
// the size pkg/txn enforces read budgets with.
func FromValueSize(v *types.Value) int64 {
	if v == nil {
		return 0
	}
	return int64(approxSize(*v))
}

func approxSize(v types.Value) int {
	switch v.Kind {
	case types.KindString:
		return len(v.Str)
	case types.KindBytes:
		return len(v.Bytes)
	case types.KindObject:
		n := 0
		for k, fv := range v.Object {
			n += len(k) + approxSize(fv)
		}
		return n
	case types.KindArray:
		n := 0
		for _, ev := range v.Array {
			n += approxSize(ev)
		}
		return n
	default:
		return 16
	}
}
